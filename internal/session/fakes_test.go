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

package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-voice-go/internal/audio"
	"github.com/loqalabs/loqa-voice-go/internal/transport"
)

// fakeMic behaves like audio.Capture without a device: frames pushed with
// capture reach the sink only once armed and while unmuted.
type fakeMic struct {
	mu        sync.Mutex
	openErr   error
	openGate  chan struct{}
	sink      audio.FrameSink
	onFailure func(error)
	muted     bool

	opens atomic.Int32
	arms  atomic.Int32
	stops atomic.Int32
}

func (m *fakeMic) Open(ctx context.Context) error {
	m.opens.Add(1)
	m.mu.Lock()
	gate, err := m.openGate, m.openErr
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if m.stops.Load() > 0 {
		return audio.ErrCaptureStopped
	}
	return err
}

func (m *fakeMic) Arm(sink audio.FrameSink, onFailure func(error)) {
	m.arms.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stops.Load() > 0 {
		return
	}
	m.sink = sink
	m.onFailure = onFailure
}

func (m *fakeMic) SetMuted(muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muted = muted
}

func (m *fakeMic) Stop() error {
	m.stops.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = nil
	m.onFailure = nil
	return nil
}

func (m *fakeMic) capture(frame []byte) {
	m.mu.Lock()
	sink, muted := m.sink, m.muted
	m.mu.Unlock()
	if sink != nil && !muted {
		sink(frame)
	}
}

func (m *fakeMic) fail(err error) {
	m.mu.Lock()
	onFailure := m.onFailure
	m.onFailure = nil
	m.mu.Unlock()
	if onFailure != nil {
		onFailure(err)
	}
}

func (m *fakeMic) armed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sink != nil
}

type fakePlayback struct {
	mu      sync.Mutex
	frames  [][]byte
	flushed bool
	flushes atomic.Int32
}

func (p *fakePlayback) Enqueue(frame []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.flushed {
		return false
	}
	p.frames = append(p.frames, frame)
	return true
}

func (p *fakePlayback) Flush() {
	p.flushes.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushed = true
}

func (p *fakePlayback) enqueued() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.frames...)
}

type fakeConn struct {
	mu      sync.Mutex
	binary  [][]byte
	control []transport.ControlMessage
	closes  int
}

func (c *fakeConn) SendBinary(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closes > 0 {
		return transport.ErrClosed
	}
	c.binary = append(c.binary, data)
	return nil
}

func (c *fakeConn) SendControl(msg transport.ControlMessage) error {
	return c.SendControlWithin(msg, time.Second)
}

func (c *fakeConn) SendControlWithin(msg transport.ControlMessage, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closes > 0 {
		return transport.ErrClosed
	}
	c.control = append(c.control, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeConn) sent() ([][]byte, []transport.ControlMessage, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.binary...), append([]transport.ControlMessage(nil), c.control...), c.closes
}

type fakeDialer struct {
	conn  *fakeConn
	err   error
	block bool

	mu       sync.Mutex
	url      string
	handlers transport.Handlers
	calls    atomic.Int32
	dialed   chan struct{}
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conn: &fakeConn{}, dialed: make(chan struct{})}
}

func (d *fakeDialer) dial(ctx context.Context, url string, h transport.Handlers) (Conn, error) {
	d.mu.Lock()
	d.url = url
	d.handlers = h
	d.mu.Unlock()
	if d.calls.Add(1) == 1 {
		close(d.dialed)
	}

	if d.block {
		<-ctx.Done()
		return nil, &transport.TransportError{Op: "dial", Err: ctx.Err()}
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func (d *fakeDialer) h() transport.Handlers {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handlers
}

type countingObserver struct {
	started, ready, sent, dropped, inbound, failed, ended atomic.Int32

	mu      sync.Mutex
	kinds   []Kind
	final   State
	onReady func()
}

func (o *countingObserver) Started(context.Context)              { o.started.Add(1) }
func (o *countingObserver) FrameSent(context.Context)            { o.sent.Add(1) }
func (o *countingObserver) FrameDropped(context.Context, string) { o.dropped.Add(1) }
func (o *countingObserver) InboundFrame(context.Context)         { o.inbound.Add(1) }

func (o *countingObserver) Ready(context.Context, time.Duration) {
	o.ready.Add(1)
	if o.onReady != nil {
		o.onReady()
	}
}

func (o *countingObserver) Failed(_ context.Context, err error) {
	o.failed.Add(1)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.kinds = append(o.kinds, KindOf(err))
}

func (o *countingObserver) Ended(_ context.Context, final State, _ time.Duration) {
	o.ended.Add(1)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.final = final
}

type harness struct {
	t        *testing.T
	mic      *fakeMic
	playback *fakePlayback
	dialer   *fakeDialer
	observer *countingObserver
	sess     *Session
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	cfg := Config{BaseURL: "https://voice.example.com", AgentID: "a1", Credential: "t1"}
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		t:        t,
		mic:      &fakeMic{},
		playback: &fakePlayback{},
		dialer:   newFakeDialer(),
		observer: &countingObserver{},
	}
	h.sess = New(cfg, h.mic, h.playback, WithDialer(h.dialer.dial), WithObserver(h.observer))
	t.Cleanup(func() { _ = h.sess.EndCall() })
	return h
}

func (h *harness) start(ctx context.Context) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- h.sess.Start(ctx) }()
	return errc
}

func (h *harness) waitDialed() {
	h.t.Helper()
	select {
	case <-h.dialer.dialed:
	case <-time.After(2 * time.Second):
		h.t.Fatal("socket was never dialed")
	}
}

func (h *harness) text(msg string) {
	h.dialer.h().OnText([]byte(msg))
}

// activate drives the session to active with a ready message.
func (h *harness) activate() {
	h.t.Helper()
	errc := h.start(context.Background())
	h.waitDialed()
	h.text(`{"type":"ready","agent":"Agent One"}`)
	require.NoError(h.t, waitErr(h.t, errc))
	require.Equal(h.t, StateActive, h.sess.State())
}

func waitErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return")
		return nil
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session was not torn down")
	}
}

// collect drains Events after teardown.
func collect(t *testing.T, s *Session) []Event {
	t.Helper()
	waitDone(t, s)
	var out []Event
	for ev := range s.Events() {
		out = append(out, ev)
	}
	return out
}

func states(events []Event) []State {
	var out []State
	for _, ev := range events {
		if sc, ok := ev.(StateChanged); ok {
			out = append(out, sc.To)
		}
	}
	return out
}
