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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type playbackEvent struct {
	kind  string // decode_start, decode_end, play_start, play_end
	frame string
	at    time.Time
}

// recorder is an instrumented decoder and player pair. Each frame's payload
// is its name; decode delays are looked up by name.
type recorder struct {
	mu          sync.Mutex
	events      []playbackEvent
	decodeDelay map[string]time.Duration
	failDecode  map[string]bool
	names       map[*Buffer]string
	playFor     time.Duration
	active      atomic.Int64
	maxActive   atomic.Int64
}

func newRecorder() *recorder {
	return &recorder{
		decodeDelay: map[string]time.Duration{},
		failDecode:  map[string]bool{},
		names:       map[*Buffer]string{},
	}
}

func (r *recorder) record(kind, frame string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, playbackEvent{kind: kind, frame: frame, at: time.Now()})
}

func (r *recorder) enter() {
	n := r.active.Add(1)
	for {
		m := r.maxActive.Load()
		if n <= m || r.maxActive.CompareAndSwap(m, n) {
			return
		}
	}
}

func (r *recorder) Decode(ctx context.Context, frame []byte) (*Buffer, error) {
	name := string(frame)
	r.enter()
	defer r.active.Add(-1)

	r.record("decode_start", name)
	r.mu.Lock()
	delay, fail := r.decodeDelay[name], r.failDecode[name]
	r.mu.Unlock()

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.record("decode_end", name)
	if fail {
		return nil, fmt.Errorf("corrupt frame %s", name)
	}
	buf := &Buffer{SampleRate: 16000, Channels: 1, Samples: []float32{0}}
	r.mu.Lock()
	r.names[buf] = name
	r.mu.Unlock()
	return buf, nil
}

func (r *recorder) Play(ctx context.Context, buf *Buffer) error {
	r.enter()
	defer r.active.Add(-1)

	r.mu.Lock()
	name := r.names[buf]
	r.mu.Unlock()

	r.record("play_start", name)
	select {
	case <-time.After(r.playFor):
	case <-ctx.Done():
		r.record("play_cancelled", name)
		return ctx.Err()
	}
	r.record("play_end", name)
	return nil
}

func (r *recorder) played() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.kind == "play_end" {
			out = append(out, e.frame)
		}
	}
	return out
}

func (r *recorder) snapshot() []playbackEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]playbackEvent(nil), r.events...)
}

func waitIdle(t *testing.T, q *PlaybackQueue) {
	t.Helper()
	select {
	case <-q.Idle():
	case <-time.After(2 * time.Second):
		t.Fatal("playback queue did not drain")
	}
}

func TestPlaybackQueue_PlaysInArrivalOrderDespiteDecodeSpeed(t *testing.T) {
	rec := newRecorder()
	rec.decodeDelay["1"] = 40 * time.Millisecond
	rec.decodeDelay["2"] = time.Millisecond
	rec.decodeDelay["3"] = 10 * time.Millisecond
	rec.playFor = 5 * time.Millisecond

	q := NewPlaybackQueue(rec, rec)
	for _, f := range []string{"1", "2", "3"} {
		require.True(t, q.Enqueue([]byte(f)))
	}
	waitIdle(t, q)

	assert.Equal(t, []string{"1", "2", "3"}, rec.played())
	assert.Equal(t, int64(1), rec.maxActive.Load(), "decode and playback must never overlap")
}

func TestPlaybackQueue_NextDecodeStartsAfterPreviousPlayback(t *testing.T) {
	rec := newRecorder()
	rec.playFor = 10 * time.Millisecond
	q := NewPlaybackQueue(rec, rec)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Enqueue([]byte(fmt.Sprint(i)))
		}()
	}
	wg.Wait()
	waitIdle(t, q)

	events := rec.snapshot()
	var lastPlayEnd time.Time
	for _, e := range events {
		switch e.kind {
		case "decode_start":
			assert.False(t, e.at.Before(lastPlayEnd), "frame %s decoded before previous frame finished", e.frame)
		case "play_end":
			lastPlayEnd = e.at
		}
	}
	assert.Len(t, rec.played(), 8)
	assert.Equal(t, int64(1), rec.maxActive.Load())
}

func TestPlaybackQueue_DecodeFailureSkipsFrame(t *testing.T) {
	rec := newRecorder()
	rec.failDecode["bad"] = true
	obs := &playbackCounter{}
	q := NewPlaybackQueue(rec, rec, WithPlaybackObserver(obs))

	q.Enqueue([]byte("a"))
	q.Enqueue([]byte("bad"))
	q.Enqueue([]byte("b"))
	waitIdle(t, q)

	assert.Equal(t, []string{"a", "b"}, rec.played())
	assert.Equal(t, int64(3), obs.enqueued.Load())
	assert.Equal(t, int64(2), obs.played.Load())
	assert.Equal(t, int64(1), obs.failed.Load())
}

func TestPlaybackQueue_FlushDropsPendingAndLaterFrames(t *testing.T) {
	rec := newRecorder()
	rec.playFor = time.Hour
	q := NewPlaybackQueue(rec, rec)

	q.Enqueue([]byte("playing"))
	q.Enqueue([]byte("pending-1"))
	q.Enqueue([]byte("pending-2"))
	require.Eventually(t, q.Playing, time.Second, time.Millisecond)
	assert.Equal(t, 2, q.Len())

	q.Flush()
	waitIdle(t, q)

	assert.False(t, q.Enqueue([]byte("stale")), "frames after flush must be dropped")
	assert.Zero(t, q.Len())
	assert.False(t, q.Playing())

	for _, e := range rec.snapshot() {
		assert.NotEqual(t, "pending-1", e.frame)
		assert.NotEqual(t, "stale", e.frame)
	}
	assert.Empty(t, rec.played(), "the in-flight frame is cancelled")

	q.Flush()
}

func TestPlaybackQueue_DecodeFinishingAfterFlushIsNotPlayed(t *testing.T) {
	release := make(chan struct{})
	var played atomic.Int64
	dec := DecoderFunc(func(ctx context.Context, frame []byte) (*Buffer, error) {
		<-release
		return &Buffer{SampleRate: 16000, Channels: 1, Samples: []float32{0}}, nil
	})
	player := playerFunc(func(ctx context.Context, buf *Buffer) error {
		played.Add(1)
		return nil
	})

	q := NewPlaybackQueue(dec, player)
	q.Enqueue([]byte("slow"))
	require.Eventually(t, q.Playing, time.Second, time.Millisecond)

	q.Flush()
	close(release)
	waitIdle(t, q)
	assert.Zero(t, played.Load())
}

func TestPlaybackQueue_PlayerErrorDoesNotStopDrain(t *testing.T) {
	var calls atomic.Int64
	player := playerFunc(func(ctx context.Context, buf *Buffer) error {
		if calls.Add(1) == 1 {
			return errors.New("device busy")
		}
		return nil
	})
	q := NewPlaybackQueue(PCM16Decoder{SampleRate: 16000, Channels: 1}, player)
	q.Enqueue([]byte{0, 0})
	q.Enqueue([]byte{0, 0})
	waitIdle(t, q)
	assert.Equal(t, int64(2), calls.Load())
}

type playerFunc func(ctx context.Context, buf *Buffer) error

func (f playerFunc) Play(ctx context.Context, buf *Buffer) error { return f(ctx, buf) }

type playbackCounter struct {
	enqueued, played, failed atomic.Int64
}

func (p *playbackCounter) FrameEnqueued(context.Context) { p.enqueued.Add(1) }
func (p *playbackCounter) FramePlayed(context.Context)   { p.played.Add(1) }
func (p *playbackCounter) DecodeFailed(context.Context)  { p.failed.Add(1) }
