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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hajimehoshi/go-mp3"
	"github.com/youpy/go-wav"
	"layeh.com/gopus"
)

var (
	ErrEmptyFrame        = errors.New("audio: empty frame")
	ErrUnsupportedFormat = errors.New("audio: unsupported frame format")
)

// Format names an inbound audio encoding.
type Format string

const (
	FormatAuto  Format = "auto"
	FormatMP3   Format = "mp3"
	FormatWAV   Format = "wav"
	FormatPCM16 Format = "pcm16"
	FormatOpus  Format = "opus"
)

// IsValid reports whether f is a known format.
func (f Format) IsValid() bool {
	switch f {
	case FormatAuto, FormatMP3, FormatWAV, FormatPCM16, FormatOpus:
		return true
	}
	return false
}

// Decoder turns one inbound frame into playable audio. A failed decode only
// costs the caller that frame.
type Decoder interface {
	Decode(ctx context.Context, frame []byte) (*Buffer, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(ctx context.Context, frame []byte) (*Buffer, error)

// Decode calls f.
func (f DecoderFunc) Decode(ctx context.Context, frame []byte) (*Buffer, error) {
	return f(ctx, frame)
}

// DecoderOptions describes headerless inbound audio (pcm16 and opus).
type DecoderOptions struct {
	SampleRate int
	Channels   int
}

func (o DecoderOptions) withDefaults() DecoderOptions {
	if o.SampleRate <= 0 {
		o.SampleRate = 24000
	}
	if o.Channels <= 0 {
		o.Channels = 1
	}
	return o
}

// NewDecoder returns the decoder for format.
func NewDecoder(format Format, opts DecoderOptions) (Decoder, error) {
	opts = opts.withDefaults()
	switch format {
	case FormatMP3:
		return MP3Decoder{}, nil
	case FormatWAV:
		return WAVDecoder{}, nil
	case FormatPCM16:
		return PCM16Decoder{SampleRate: opts.SampleRate, Channels: opts.Channels}, nil
	case FormatOpus:
		return NewOpusDecoder(opts.SampleRate, opts.Channels)
	case FormatAuto, "":
		return &AutoDecoder{pcm: PCM16Decoder{SampleRate: opts.SampleRate, Channels: opts.Channels}}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// SniffFormat guesses the encoding of frame from its leading bytes.
func SniffFormat(frame []byte) Format {
	switch {
	case len(frame) >= 12 && bytes.Equal(frame[0:4], []byte("RIFF")) && bytes.Equal(frame[8:12], []byte("WAVE")):
		return FormatWAV
	case len(frame) >= 3 && bytes.Equal(frame[0:3], []byte("ID3")):
		return FormatMP3
	case len(frame) >= 2 && frame[0] == 0xFF && frame[1]&0xE0 == 0xE0:
		return FormatMP3
	default:
		return FormatPCM16
	}
}

// AutoDecoder sniffs every frame and dispatches to the matching decoder.
type AutoDecoder struct {
	pcm PCM16Decoder
}

// Decode implements Decoder.
func (a *AutoDecoder) Decode(ctx context.Context, frame []byte) (*Buffer, error) {
	switch SniffFormat(frame) {
	case FormatWAV:
		return WAVDecoder{}.Decode(ctx, frame)
	case FormatMP3:
		return MP3Decoder{}.Decode(ctx, frame)
	default:
		return a.pcm.Decode(ctx, frame)
	}
}

// MP3Decoder decodes a self-contained MP3 chunk. go-mp3 always yields 16-bit
// stereo; a chunk cut mid-frame still plays the frames decoded before the cut.
type MP3Decoder struct{}

// Decode implements Decoder.
func (MP3Decoder) Decode(ctx context.Context, frame []byte) (*Buffer, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}
	d, err := mp3.NewDecoder(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("mp3: %w", err)
	}
	raw, err := io.ReadAll(d)
	if len(raw) < 4 {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("mp3: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Buffer{SampleRate: d.SampleRate(), Channels: 2, Samples: DecodePCM16(raw)}, nil
}

const wavFormatPCM = 1

// WAVDecoder decodes a RIFF/WAVE chunk carrying 16-bit PCM.
type WAVDecoder struct{}

// Decode implements Decoder.
func (WAVDecoder) Decode(ctx context.Context, frame []byte) (*Buffer, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}
	r := wav.NewReader(bytes.NewReader(frame))
	format, err := r.Format()
	if err != nil {
		return nil, fmt.Errorf("wav: failed to get format: %w", err)
	}
	if format == nil {
		return nil, fmt.Errorf("wav: %w: missing fmt chunk", ErrUnsupportedFormat)
	}
	if format.AudioFormat != wavFormatPCM || format.BitsPerSample != 16 {
		return nil, fmt.Errorf("%w: wav format %d with %d bits", ErrUnsupportedFormat, format.AudioFormat, format.BitsPerSample)
	}

	var raw []byte
	chunk := make([]byte, 8192)
	for {
		n, err := r.Read(chunk)
		raw = append(raw, chunk[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("wav: %w", err)
		}
		if n == 0 {
			break
		}
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("wav: %w", ErrEmptyFrame)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Buffer{
		SampleRate: int(format.SampleRate),
		Channels:   int(format.NumChannels),
		Samples:    DecodePCM16(raw),
	}, nil
}

// PCM16Decoder treats a frame as headerless 16-bit little-endian PCM.
type PCM16Decoder struct {
	SampleRate int
	Channels   int
}

// Decode implements Decoder.
func (p PCM16Decoder) Decode(ctx context.Context, frame []byte) (*Buffer, error) {
	if len(frame) < 2 {
		return nil, ErrEmptyFrame
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Buffer{SampleRate: p.SampleRate, Channels: p.Channels, Samples: DecodePCM16(frame)}, nil
}

// maxOpusFrameSize is 120 ms at 48 kHz, the longest packet Opus allows.
const maxOpusFrameSize = 5760

// OpusDecoder decodes one Opus packet per frame. The underlying decoder is
// stateful across packets, so an instance belongs to one playback queue.
type OpusDecoder struct {
	mu         sync.Mutex
	dec        *gopus.Decoder
	sampleRate int
	channels   int
}

// NewOpusDecoder creates an Opus decoder. sampleRate must be one Opus supports
// (8, 12, 16, 24 or 48 kHz).
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus: failed to create decoder: %w", err)
	}
	return &OpusDecoder{dec: dec, sampleRate: sampleRate, channels: channels}, nil
}

// Decode implements Decoder.
func (o *OpusDecoder) Decode(ctx context.Context, frame []byte) (*Buffer, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}
	o.mu.Lock()
	pcm, err := o.dec.Decode(frame, maxOpusFrameSize, false)
	o.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("opus: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Buffer{SampleRate: o.sampleRate, Channels: o.channels, Samples: int16sToFloats(pcm)}, nil
}

var (
	_ Decoder = (*AutoDecoder)(nil)
	_ Decoder = MP3Decoder{}
	_ Decoder = WAVDecoder{}
	_ Decoder = PCM16Decoder{}
	_ Decoder = (*OpusDecoder)(nil)
	_ Decoder = DecoderFunc(nil)
)
