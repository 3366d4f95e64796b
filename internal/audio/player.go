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

package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Player renders one decoded buffer and returns when it has finished playing
// or ctx is cancelled.
type Player interface {
	Play(ctx context.Context, buf *Buffer) error
}

// DefaultPlaybackBufferSize is the number of frames handed to the output
// device per write.
const DefaultPlaybackBufferSize = 1024

// StreamPlayer plays buffers through an AudioBackend output stream. The
// stream is kept open between buffers of the same shape and reopened when the
// sample rate or channel count changes.
type StreamPlayer struct {
	backend    AudioBackend
	bufferSize int

	mu      sync.Mutex
	stream  StreamInterface
	params  StreamParams
	inited  bool
	closed  bool
	scratch []float32
}

// NewStreamPlayer creates a player on backend. The backend should not be
// shared with a Capture, since stopping the capture terminates its backend.
func NewStreamPlayer(backend AudioBackend, bufferSize int) *StreamPlayer {
	if bufferSize <= 0 {
		bufferSize = DefaultPlaybackBufferSize
	}
	return &StreamPlayer{backend: backend, bufferSize: bufferSize}
}

// Play writes buf to the output device one device buffer at a time, checking
// ctx between writes so a flush stops playback within one buffer.
func (p *StreamPlayer) Play(ctx context.Context, buf *Buffer) error {
	if buf == nil || len(buf.Samples) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.New("audio: player closed")
	}

	stream, err := p.streamFor(buf)
	if err != nil {
		return err
	}

	chunk := p.bufferSize * buf.Channels
	for off := 0; off < len(buf.Samples); off += chunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(off+chunk, len(buf.Samples))
		data := buf.Samples[off:end]
		if len(data) < chunk {
			if cap(p.scratch) < chunk {
				p.scratch = make([]float32, chunk)
			}
			p.scratch = p.scratch[:chunk]
			n := copy(p.scratch, data)
			clear(p.scratch[n:])
			data = p.scratch
		}
		if err := stream.Write(data); err != nil {
			p.releaseLocked()
			return fmt.Errorf("failed to write output stream: %w", err)
		}
	}
	return nil
}

// streamFor must be called with p.mu held.
func (p *StreamPlayer) streamFor(buf *Buffer) (StreamInterface, error) {
	want := StreamParams{SampleRate: float64(buf.SampleRate), Channels: buf.Channels, BufferSize: p.bufferSize}
	if p.stream != nil && p.params == want {
		return p.stream, nil
	}
	p.releaseLocked()

	if !p.inited {
		if err := p.backend.Initialize(); err != nil {
			return nil, fmt.Errorf("failed to initialize audio: %w", err)
		}
		p.inited = true
	}

	stream, err := p.backend.CreateOutputStream(want.SampleRate, want.Channels, want.BufferSize)
	if err != nil {
		return nil, err
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("failed to start output stream: %w", err)
	}
	p.stream = stream
	p.params = want
	return stream, nil
}

// releaseLocked must be called with p.mu held.
func (p *StreamPlayer) releaseLocked() {
	if p.stream == nil {
		return
	}
	_ = p.stream.Stop()
	_ = p.stream.Close()
	p.stream = nil
	p.params = StreamParams{}
}

// Close releases the output device. Further calls to Play fail.
func (p *StreamPlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.releaseLocked()
	if p.inited {
		p.inited = false
		return p.backend.Terminate()
	}
	return nil
}

var _ Player = (*StreamPlayer)(nil)
