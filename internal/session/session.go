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

// Package session drives one voice call: it acquires the microphone, opens
// the voice socket, waits for the agent, then streams captured audio out and
// plays the agent's audio back until either side hangs up.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-voice-go/internal/audio"
	"github.com/loqalabs/loqa-voice-go/internal/transport"
)

const (
	DefaultDialTimeout  = 15 * time.Second
	DefaultReadyTimeout = 30 * time.Second
	DefaultTickInterval = time.Second
	DefaultEndCallWait  = time.Second
	DefaultEventBuffer  = 256
)

// Microphone is the capture side of a call. *audio.Capture implements it.
type Microphone interface {
	Open(ctx context.Context) error
	Arm(sink audio.FrameSink, onFailure func(error))
	SetMuted(muted bool)
	Stop() error
}

// Playback is the inbound audio side of a call. *audio.PlaybackQueue
// implements it.
type Playback interface {
	Enqueue(frame []byte) bool
	Flush()
}

// Conn is an open voice socket. *transport.VoiceConn implements it.
type Conn interface {
	SendBinary(data []byte) error
	SendControl(msg transport.ControlMessage) error
	SendControlWithin(msg transport.ControlMessage, wait time.Duration) error
	Close() error
}

// Dialer opens a voice socket whose inbound traffic goes to h.
type Dialer func(ctx context.Context, url string, h transport.Handlers) (Conn, error)

// DefaultDialer dials with transport.Dial.
func DefaultDialer(opts ...transport.DialOption) Dialer {
	return func(ctx context.Context, url string, h transport.Handlers) (Conn, error) {
		conn, err := transport.Dial(ctx, url, h, opts...)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Observer is told about session activity, typically to record metrics.
// Implementations must be safe for concurrent use.
type Observer interface {
	Started(ctx context.Context)
	Ready(ctx context.Context, latency time.Duration)
	FrameSent(ctx context.Context)
	FrameDropped(ctx context.Context, reason string)
	InboundFrame(ctx context.Context)
	Failed(ctx context.Context, err error)
	Ended(ctx context.Context, final State, duration time.Duration)
}

type nopObserver struct{}

func (nopObserver) Started(context.Context)                     {}
func (nopObserver) Ready(context.Context, time.Duration)        {}
func (nopObserver) FrameSent(context.Context)                   {}
func (nopObserver) FrameDropped(context.Context, string)        {}
func (nopObserver) InboundFrame(context.Context)                {}
func (nopObserver) Failed(context.Context, error)               {}
func (nopObserver) Ended(context.Context, State, time.Duration) {}

// Config identifies the call and bounds its waits. Zero durations take the
// defaults.
type Config struct {
	BaseURL    string
	AgentID    string
	Credential string

	DialTimeout  time.Duration
	ReadyTimeout time.Duration
	TickInterval time.Duration
	EndCallWait  time.Duration
	EventBuffer  int
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.EndCallWait <= 0 {
		c.EndCallWait = DefaultEndCallWait
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	return c
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(s *Session) { s.observer = o }
}

// WithDialer replaces DefaultDialer().
func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dial = d }
}

// Session is one call attempt. All state lives behind one mutex and every
// side effect re-checks the state under it, so callbacks from the socket,
// the microphone and the caller may arrive on any goroutine in any order.
type Session struct {
	id       string
	cfg      Config
	mic      Microphone
	playback Playback
	dial     Dialer
	logger   *slog.Logger
	observer Observer

	mu        sync.Mutex
	state     State
	conn      Conn
	agent     string
	muted     bool
	startedAt time.Time
	elapsed   time.Duration
	err       error
	events    chan Event
	closed    bool // events channel closed

	ctx        context.Context
	cancel     context.CancelFunc
	stopWatch  func() bool
	readyTimer *time.Timer
	active     chan struct{}

	teardownOnce sync.Once
	done         chan struct{}
}

// New prepares a session. Nothing is acquired until Start.
func New(cfg Config, mic Microphone, playback Playback, opts ...Option) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		id:       uuid.NewString(),
		cfg:      cfg,
		mic:      mic,
		playback: playback,
		logger:   slog.Default(),
		observer: nopObserver{},
		events:   make(chan Event, cfg.EventBuffer),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.dial == nil {
		s.dial = DefaultDialer(transport.WithLogger(s.logger))
	}
	s.logger = s.logger.With("session_id", s.id, "agent_id", cfg.AgentID)
	return s
}

// Start runs the call up to the active state and returns nil once the agent
// is ready. It fails with an *Error; on a device failure the session returns
// to idle and may be started again, on any later failure it is torn down.
// Cancelling ctx ends the call at any point.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	if s.cfg.AgentID == "" || s.cfg.Credential == "" {
		s.mu.Unlock()
		return newError(KindConfiguration, "an agent id and a credential are required", nil)
	}
	url, err := transport.StreamURL(s.cfg.BaseURL, s.cfg.AgentID, s.cfg.Credential)
	if err != nil {
		s.mu.Unlock()
		return newError(KindConfiguration, "invalid voice endpoint", err)
	}

	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.stopWatch = context.AfterFunc(ctx, func() { _ = s.EndCall() })
	s.active = make(chan struct{})
	s.startedAt = time.Now()
	s.elapsed = 0
	s.transition(StateAcquiringDevice)
	sctx, active := s.ctx, s.active
	s.mu.Unlock()

	s.observer.Started(sctx)

	if err := s.mic.Open(sctx); err != nil {
		return s.deviceFailed(ctx, err)
	}

	s.mu.Lock()
	if s.state != StateAcquiringDevice {
		s.mu.Unlock()
		return s.startResult(ctx)
	}
	s.transition(StateConnecting)
	s.mu.Unlock()

	// Inbound traffic waits until the connection is recorded, so a ready
	// message racing the end of Dial is never seen in the connecting state.
	wired := make(chan struct{})
	var wireOnce sync.Once
	wire := func() { wireOnce.Do(func() { close(wired) }) }
	defer wire()

	handlers := transport.Handlers{
		OnBinary: func(data []byte) { <-wired; s.handleBinary(data) },
		OnText:   func(data []byte) { <-wired; s.handleText(data) },
		OnClose:  func(err error) { <-wired; s.handleClose(err) },
	}

	dialCtx, cancelDial := context.WithTimeout(sctx, s.cfg.DialTimeout)
	conn, err := s.dial(dialCtx, url, handlers)
	timedOut := errors.Is(dialCtx.Err(), context.DeadlineExceeded)
	cancelDial()
	if err != nil {
		if sctx.Err() != nil {
			return s.startResult(ctx)
		}
		if timedOut {
			return s.fail(newError(KindConnectTimeout, "timed out connecting to the voice endpoint", err))
		}
		return s.fail(newError(KindTransport, "could not connect to the voice endpoint", err))
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		_ = conn.Close()
		return s.startResult(ctx)
	}
	s.conn = conn
	s.transition(StateReadyWait)
	s.readyTimer = time.AfterFunc(s.cfg.ReadyTimeout, s.readyTimedOut)
	s.mu.Unlock()
	wire()

	select {
	case <-active:
		return nil
	case <-s.done:
		return s.startResult(ctx)
	}
}

// startResult explains why Start stopped short of active.
func (s *Session) startResult(ctx context.Context) error {
	if err := s.Err(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrEnded
}

func (s *Session) deviceFailed(ctx context.Context, err error) error {
	s.mu.Lock()
	if s.state != StateAcquiringDevice {
		s.mu.Unlock()
		return s.startResult(ctx)
	}

	kind := KindDeviceUnavailable
	msg := "no usable microphone"
	if errors.Is(err, audio.ErrPermissionDenied) {
		kind = KindPermissionDenied
		msg = "microphone access was denied"
	}
	se := newError(kind, msg, err)

	s.transition(StateIdle)
	s.stopWatch()
	s.cancel()
	sctx, started := s.ctx, s.startedAt
	s.mu.Unlock()

	s.logger.Warn("microphone unavailable", "err", err)
	s.observer.Failed(sctx, se)
	s.observer.Ended(sctx, StateIdle, time.Since(started))
	return se
}

// EndCall hangs up. From idle, or once the call is over, it does nothing.
// An active call first tells the agent, without waiting longer than the
// configured EndCallWait. EndCall returns once everything is released.
func (s *Session) EndCall() error {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
		s.mu.Unlock()
		return nil
	case StateEnded, StateError:
		s.mu.Unlock()
		<-s.done
		return nil
	case StateActive:
		conn := s.conn
		s.transition(StateEnded)
		s.mu.Unlock()
		if conn != nil {
			if err := conn.SendControlWithin(transport.EndCall(), s.cfg.EndCallWait); err != nil {
				s.logger.Debug("end_call not delivered", "err", err)
			}
		}
	default:
		s.transition(StateEnded)
		s.mu.Unlock()
	}
	s.teardown()
	return nil
}

// EndTurn tells the agent the caller has finished speaking.
func (s *Session) EndTurn() error {
	s.mu.Lock()
	if s.state != StateActive || s.conn == nil {
		s.mu.Unlock()
		return ErrNotActive
	}
	conn := s.conn
	s.mu.Unlock()
	return conn.SendControl(transport.EndTurn())
}

// SetMuted stops or resumes sending microphone audio. The device stays open.
func (s *Session) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
	s.mic.SetMuted(muted)
	s.logger.Info("microphone muted", "muted", muted)
}

// Muted reports whether outbound audio is muted.
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Elapsed returns how long the call has been active, in whole ticks.
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsed
}

// Agent returns the agent name announced in the ready message.
func (s *Session) Agent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent
}

// ID identifies this session in logs and metrics.
func (s *Session) ID() string { return s.id }

// Events delivers UI events. It is closed after teardown. Events are
// dropped, with a warning, if the caller falls more than the configured
// buffer behind.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the failure that ended the session, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) handleText(data []byte) {
	msg, err := transport.ParseControl(data)
	if err != nil {
		s.logger.Debug("ignoring control message", "err", err)
		return
	}

	switch msg.Type {
	case transport.TypeReady:
		s.becomeActive(msg.Agent)
	case transport.TypeTranscript:
		s.mu.Lock()
		if !s.state.Terminal() {
			s.emit(Transcript{Role: msg.Role, Text: msg.Text, At: time.Now()})
		}
		s.mu.Unlock()
	case transport.TypeAudioEnd:
		s.mu.Lock()
		if !s.state.Terminal() {
			s.emit(AudioEnd{})
		}
		s.mu.Unlock()
	case transport.TypeError:
		s.mu.Lock()
		state, sctx := s.state, s.ctx
		if state == StateActive {
			s.emit(RemoteError{Message: msg.Message})
		}
		s.mu.Unlock()

		se := newError(KindRemote, msg.Message, nil)
		switch state {
		case StateActive:
			s.logger.Warn("agent reported an error", "message", msg.Message)
			s.observer.Failed(sctx, se)
		case StateConnecting, StateReadyWait:
			_ = s.fail(se)
		}
	default:
		s.logger.Debug("ignoring control message", "type", msg.Type)
	}
}

func (s *Session) becomeActive(agent string) {
	s.mu.Lock()
	if s.state != StateReadyWait {
		s.mu.Unlock()
		s.logger.Debug("ignoring ready", "state", s.State())
		return
	}
	if s.readyTimer != nil {
		s.readyTimer.Stop()
	}
	s.agent = agent
	s.transition(StateActive)
	s.emit(AgentReady{Agent: agent})
	latency := time.Since(s.startedAt)
	sctx := s.ctx
	close(s.active)
	s.mu.Unlock()

	s.logger.Info("call active", "agent", agent, "latency", latency)
	s.observer.Ready(sctx, latency)

	// A teardown may have landed since the lock was released.
	if s.State() != StateActive || sctx.Err() != nil {
		return
	}
	s.mic.Arm(s.sendFrame, s.captureFailed)
	go s.tick(sctx)
}

func (s *Session) handleBinary(data []byte) {
	s.mu.Lock()
	accept := s.state == StateReadyWait || s.state == StateActive
	sctx := s.ctx
	s.mu.Unlock()
	if !accept {
		return
	}
	s.observer.InboundFrame(sctx)
	s.playback.Enqueue(data)
}

func (s *Session) handleClose(err error) {
	s.mu.Lock()
	state := s.state
	if state == StateActive && transport.IsCleanClose(err) {
		s.transition(StateEnded)
		s.mu.Unlock()
		s.logger.Info("agent ended the call")
		s.teardown()
		return
	}
	s.mu.Unlock()

	if state.Terminal() || state == StateIdle {
		return
	}

	msg := "connection lost"
	var ce *transport.CloseError
	switch {
	case errors.As(err, &ce) && ce.Unauthorized():
		msg = "the credential was rejected"
	case errors.As(err, &ce) && ce.Clean():
		msg = "connection closed before the agent was ready"
	}
	_ = s.fail(newError(KindTransport, msg, err))
}

func (s *Session) readyTimedOut() {
	s.mu.Lock()
	waiting := s.state == StateReadyWait
	s.mu.Unlock()
	if waiting {
		_ = s.fail(newError(KindConnectTimeout, "the agent did not become ready in time", nil))
	}
}

func (s *Session) captureFailed(err error) {
	_ = s.fail(newError(KindDeviceUnavailable, "microphone capture failed", err))
}

// sendFrame is the capture sink. It runs on the capture goroutine.
func (s *Session) sendFrame(frame []byte) {
	s.mu.Lock()
	conn, sctx := s.conn, s.ctx
	ok := s.state == StateActive && !s.muted && conn != nil
	s.mu.Unlock()

	if !ok {
		s.observer.FrameDropped(sctx, "inactive")
		return
	}
	if err := conn.SendBinary(frame); err != nil {
		s.logger.Debug("audio frame not sent", "err", err)
		s.observer.FrameDropped(sctx, "send_failed")
		return
	}
	s.observer.FrameSent(sctx)
}

func (s *Session) tick(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.state != StateActive {
				s.mu.Unlock()
				return
			}
			s.elapsed += s.cfg.TickInterval
			s.emit(Tick{Elapsed: s.elapsed})
			s.mu.Unlock()
		}
	}
}

// fail moves a running session to the error state and tears it down. The
// first failure wins; later ones are only logged.
func (s *Session) fail(se *Error) error {
	s.mu.Lock()
	if s.state == StateIdle || s.state.Terminal() {
		s.mu.Unlock()
		s.logger.Debug("ignoring failure after the call ended", "err", se)
		return se
	}
	s.err = se
	s.transition(StateError)
	sctx := s.ctx
	s.mu.Unlock()

	s.logger.Error("call failed", "kind", se.Kind.String(), "err", se)
	s.observer.Failed(sctx, se)
	s.teardown()
	return se
}

// teardown releases everything exactly once: the microphone, queued audio
// and the socket, in that order.
func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		if s.readyTimer != nil {
			s.readyTimer.Stop()
		}
		if s.stopWatch != nil {
			s.stopWatch()
		}
		final, started, sctx := s.state, s.startedAt, s.ctx
		s.mu.Unlock()

		if err := s.mic.Stop(); err != nil {
			s.logger.Warn("failed to release microphone", "err", err)
		}
		s.playback.Flush()
		if conn != nil {
			_ = conn.Close()
		}
		if s.cancel != nil {
			s.cancel()
		}

		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()

		s.logger.Info("call finished", "state", final.String())
		s.observer.Ended(sctx, final, time.Since(started))
		close(s.done)
	})
	<-s.done
}

// transition must be called with mu held.
func (s *Session) transition(to State) {
	from := s.state
	s.state = to
	s.logger.Debug("session state", "from", from.String(), "to", to.String())
	s.emit(StateChanged{From: from, To: to})
}

// emit must be called with mu held.
func (s *Session) emit(ev Event) {
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("event buffer full, dropping event", "event", ev)
	}
}
