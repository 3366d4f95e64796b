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
	"log/slog"
	"sync"
)

// ErrCaptureStopped is returned by Open when Stop ran first or while the
// device was still being acquired.
var ErrCaptureStopped = errors.New("audio: capture stopped")

// FrameSink receives one encoded PCM frame. The slice is not reused by the
// capture loop, so the sink may hand it off without copying.
type FrameSink func(frame []byte)

// CaptureConfig shapes the microphone stream.
type CaptureConfig struct {
	SampleRate int
	Channels   int
	FrameSize  int // samples per channel in one outbound frame
}

// DefaultCaptureConfig is 16 kHz mono with 4096-sample frames (~256 ms).
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		SampleRate: CaptureSampleRate,
		Channels:   CaptureChannels,
		FrameSize:  CaptureFrameSize,
	}
}

// CaptureObserver is notified about every frame the capture loop produces.
// Implementations must be safe for concurrent use.
type CaptureObserver interface {
	FrameCaptured(ctx context.Context, muted bool)
}

// CaptureOption configures a Capture.
type CaptureOption func(*Capture)

// WithCaptureLogger sets the logger used by the capture loop.
func WithCaptureLogger(l *slog.Logger) CaptureOption {
	return func(c *Capture) { c.logger = l }
}

// WithCaptureObserver registers an observer for produced frames.
func WithCaptureObserver(o CaptureObserver) CaptureOption {
	return func(c *Capture) { c.observer = o }
}

// Capture owns one microphone stream for the lifetime of a call. It is
// single-use: once stopped it cannot be reopened.
type Capture struct {
	backend  AudioBackend
	cfg      CaptureConfig
	logger   *slog.Logger
	observer CaptureObserver

	mu        sync.Mutex
	stream    StreamInterface
	sink      FrameSink
	onFailure func(error)
	failure   error
	muted     bool
	stopped   bool
	done      chan struct{}
}

// NewCapture creates a capture pipeline on backend. Zero fields of cfg take
// their DefaultCaptureConfig value.
func NewCapture(backend AudioBackend, cfg CaptureConfig, opts ...CaptureOption) *Capture {
	def := DefaultCaptureConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = def.Channels
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = def.FrameSize
	}
	c := &Capture{
		backend: backend,
		cfg:     cfg,
		logger:  slog.Default(),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Open acquires the input device and starts the capture loop. Frames are
// discarded until Arm is called. Failures wrap ErrPermissionDenied or
// ErrDeviceUnavailable when the backend can tell them apart.
//
// Device acquisition may block on a permission prompt and cannot be
// interrupted; if Stop runs in the meantime the stream is released as soon as
// it arrives and Open returns ErrCaptureStopped.
func (c *Capture) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrCaptureStopped
	}
	if c.stream != nil {
		c.mu.Unlock()
		return fmt.Errorf("audio: capture already open")
	}
	c.mu.Unlock()

	if err := c.backend.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize audio: %w", err)
	}

	stream, err := c.backend.CreateInputStream(float64(c.cfg.SampleRate), c.cfg.Channels, c.cfg.FrameSize)
	if err != nil {
		_ = c.backend.Terminate()
		return err
	}

	release := func() {
		_ = stream.Stop()
		_ = stream.Close()
		_ = c.backend.Terminate()
	}

	if err := ctx.Err(); err != nil {
		release()
		return err
	}

	if err := stream.Start(); err != nil {
		release()
		return fmt.Errorf("failed to start input stream: %w", err)
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		release()
		return ErrCaptureStopped
	}
	c.stream = stream
	c.mu.Unlock()

	c.logger.Debug("microphone acquired",
		"sample_rate", c.cfg.SampleRate,
		"frame_size", c.cfg.FrameSize,
	)

	go c.readLoop(stream)
	return nil
}

// Arm starts forwarding frames to sink. onFailure, if non-nil, is called once
// when the device fails; a failure that happened before arming is reported
// from Arm itself.
func (c *Capture) Arm(sink FrameSink, onFailure func(error)) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	failure := c.failure
	if failure != nil {
		c.failure = nil
		c.mu.Unlock()
		if onFailure != nil {
			onFailure(failure)
		}
		return
	}
	c.sink = sink
	c.onFailure = onFailure
	c.mu.Unlock()
}

// SetMuted toggles mute. Muted frames are still read from the device and
// then dropped, so the device stays open.
func (c *Capture) SetMuted(muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = muted
}

// Muted reports the mute flag.
func (c *Capture) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// Stop disarms the pipeline, stops and closes the stream and terminates the
// backend. It is idempotent and safe to call while Open is pending.
func (c *Capture) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.sink = nil
	c.onFailure = nil
	stream := c.stream
	c.stream = nil
	close(c.done)
	c.mu.Unlock()

	if stream == nil {
		return nil
	}

	var errs []error
	if err := stream.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop input stream: %w", err))
	}
	if err := stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close input stream: %w", err))
	}
	if err := c.backend.Terminate(); err != nil {
		errs = append(errs, fmt.Errorf("failed to terminate audio: %w", err))
	}
	c.logger.Debug("microphone released")
	return errors.Join(errs...)
}

// Done is closed when Stop has been called.
func (c *Capture) Done() <-chan struct{} {
	return c.done
}

func (c *Capture) readLoop(stream StreamInterface) {
	buf := make([]float32, c.cfg.FrameSize*c.cfg.Channels)
	for {
		if err := stream.Read(buf); err != nil {
			failure := fmt.Errorf("audio: capture read: %w", err)

			c.mu.Lock()
			stopped := c.stopped
			onFailure := c.onFailure
			c.onFailure = nil
			if onFailure == nil && !stopped {
				// not armed yet; Arm reports it
				c.failure = failure
			}
			c.mu.Unlock()

			if stopped {
				return
			}
			c.logger.Error("microphone read failed", "err", err)
			if onFailure != nil {
				onFailure(failure)
			}
			return
		}

		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return
		}
		sink, muted := c.sink, c.muted
		c.mu.Unlock()

		if sink == nil {
			continue
		}

		frame := EncodePCM16(buf)
		if c.observer != nil {
			c.observer.FrameCaptured(context.Background(), muted)
		}
		if muted {
			continue
		}
		sink(frame)
	}
}
