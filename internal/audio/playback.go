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
	"log/slog"
	"sync"
)

// PlaybackObserver is notified as frames leave the queue. Implementations
// must be safe for concurrent use.
type PlaybackObserver interface {
	FrameEnqueued(ctx context.Context)
	FramePlayed(ctx context.Context)
	DecodeFailed(ctx context.Context)
}

// PlaybackOption configures a PlaybackQueue.
type PlaybackOption func(*PlaybackQueue)

// WithPlaybackLogger sets the queue's logger.
func WithPlaybackLogger(l *slog.Logger) PlaybackOption {
	return func(q *PlaybackQueue) { q.logger = l }
}

// WithPlaybackObserver registers an observer.
func WithPlaybackObserver(o PlaybackObserver) PlaybackOption {
	return func(q *PlaybackQueue) { q.observer = o }
}

// PlaybackQueue plays inbound frames strictly in arrival order, one at a
// time. A single drain goroutine pops the head frame, decodes it and waits
// for playback to finish before touching the next one, so a fast decode of a
// later frame can never overtake an earlier one.
//
// Flush is terminal: pending frames are dropped, the frame in flight is
// cancelled, and later Enqueue calls are ignored.
type PlaybackQueue struct {
	decoder  Decoder
	player   Player
	logger   *slog.Logger
	observer PlaybackObserver

	mu       sync.Mutex
	pending  [][]byte
	draining bool
	playing  bool
	flushed  bool
	ctx      context.Context
	cancel   context.CancelFunc
	idle     chan struct{}
}

// NewPlaybackQueue creates an empty queue.
func NewPlaybackQueue(decoder Decoder, player Player, opts ...PlaybackOption) *PlaybackQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &PlaybackQueue{
		decoder: decoder,
		player:  player,
		logger:  slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
		idle:    make(chan struct{}),
	}
	close(q.idle)
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue appends frame to the tail of the queue and starts the drain loop
// if it is not already running. It reports false if the queue was flushed.
func (q *PlaybackQueue) Enqueue(frame []byte) bool {
	q.mu.Lock()
	if q.flushed {
		q.mu.Unlock()
		q.logger.Debug("dropping frame enqueued after flush", "bytes", len(frame))
		return false
	}
	q.pending = append(q.pending, frame)
	start := !q.draining
	if start {
		q.draining = true
		q.idle = make(chan struct{})
	}
	q.mu.Unlock()

	if q.observer != nil {
		q.observer.FrameEnqueued(context.Background())
	}
	if start {
		go q.drain()
	}
	return true
}

// Flush drops every pending frame and cancels the frame being played.
func (q *PlaybackQueue) Flush() {
	q.mu.Lock()
	if q.flushed {
		q.mu.Unlock()
		return
	}
	q.flushed = true
	dropped := len(q.pending)
	q.pending = nil
	q.mu.Unlock()

	q.cancel()
	if dropped > 0 {
		q.logger.Debug("playback flushed", "dropped", dropped)
	}
}

// Len returns the number of frames waiting behind the one playing.
func (q *PlaybackQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Playing reports whether a frame is being decoded or played.
func (q *PlaybackQueue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Idle returns a channel closed once the drain loop has nothing left to do.
func (q *PlaybackQueue) Idle() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idle
}

func (q *PlaybackQueue) drain() {
	for {
		q.mu.Lock()
		q.playing = false
		if q.flushed || len(q.pending) == 0 {
			q.draining = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		frame := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.playing = true
		ctx := q.ctx
		q.mu.Unlock()

		q.playOne(ctx, frame)
	}
}

func (q *PlaybackQueue) playOne(ctx context.Context, frame []byte) {
	buf, err := q.decoder.Decode(ctx, frame)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		q.logger.Warn("dropping undecodable frame", "bytes", len(frame), "err", err)
		if q.observer != nil {
			q.observer.DecodeFailed(ctx)
		}
		return
	}

	q.mu.Lock()
	stale := q.flushed
	q.mu.Unlock()
	if stale {
		return
	}

	if err := q.player.Play(ctx, buf); err != nil {
		if ctx.Err() == nil {
			q.logger.Warn("playback failed", "err", err)
		}
		return
	}
	if q.observer != nil {
		q.observer.FramePlayed(ctx)
	}
}
