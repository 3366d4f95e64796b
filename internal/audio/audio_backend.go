/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

// Package audio holds the client-side audio pipelines of a voice call:
// microphone capture, PCM framing, inbound frame decoding and ordered playback.
package audio

import "errors"

// Device acquisition failures. Backends wrap their native errors with one of
// these so callers can tell a denied prompt from missing hardware.
var (
	ErrPermissionDenied  = errors.New("audio: microphone permission denied")
	ErrDeviceUnavailable = errors.New("audio: no input device available")
)

// AudioBackend abstracts the host audio subsystem so capture and playback can
// run against PortAudio in production and MockAudioBackend in tests.
type AudioBackend interface {
	// Initialize the audio subsystem. Calling it twice is safe.
	Initialize() error

	// Terminate the audio subsystem
	Terminate() error

	// CreateInputStream opens the default input device for blocking reads of
	// bufferSize frames.
	CreateInputStream(sampleRate float64, channels, bufferSize int) (StreamInterface, error)

	// CreateOutputStream opens the default output device for blocking writes
	// of bufferSize frames.
	CreateOutputStream(sampleRate float64, channels, bufferSize int) (StreamInterface, error)
}

// StreamInterface abstracts a blocking audio stream.
type StreamInterface interface {
	Start() error
	Stop() error

	// Close the stream and release the device
	Close() error

	// Write blocks until data has been handed to the output device.
	Write(data []float32) error

	// Read blocks until len(data) samples have been captured.
	Read(data []float32) error

	IsActive() bool
}

// StreamParams describes the shape of a stream.
type StreamParams struct {
	SampleRate float64
	Channels   int
	BufferSize int
}

// Buffer is decoded, playable audio: interleaved float32 samples in [-1,1].
type Buffer struct {
	SampleRate int
	Channels   int
	Samples    []float32
}

// Frames returns the number of sample frames (samples per channel).
func (b *Buffer) Frames() int {
	if b == nil || b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}
