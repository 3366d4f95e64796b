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

// Package transport carries a voice call over one websocket (binary PCM up,
// encoded audio down, JSON control messages both ways) and follows
// background-job status on a server-sent event stream.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	voiceWriteWait          = 10 * time.Second
	voicePongWait           = 60 * time.Second
	maxVoiceMessageSize     = 4 << 20
	defaultHandshakeTimeout = 15 * time.Second
	closeGracePeriod        = time.Second
)

// Handlers receive inbound traffic. They run on the connection's read
// goroutine in arrival order and must not block for long.
type Handlers struct {
	OnBinary func(data []byte)
	OnText   func(data []byte)

	// OnClose is called once when the connection ends for any reason other
	// than a local Close. err is a *CloseError when the peer sent a close
	// frame and a *TransportError otherwise.
	OnClose func(err error)
}

type dialConfig struct {
	dialer    *websocket.Dialer
	header    http.Header
	logger    *slog.Logger
	pongWait  time.Duration
	writeWait time.Duration
}

// DialOption configures Dial.
type DialOption func(*dialConfig)

// WithDialer replaces the default websocket dialer.
func WithDialer(d *websocket.Dialer) DialOption {
	return func(c *dialConfig) { c.dialer = d }
}

// WithHeader adds request headers to the handshake.
func WithHeader(h http.Header) DialOption {
	return func(c *dialConfig) { c.header = h }
}

// WithLogger sets the connection's logger.
func WithLogger(l *slog.Logger) DialOption {
	return func(c *dialConfig) { c.logger = l }
}

// WithKeepalive sets how long the connection may stay silent before it is
// considered dead. Pings are sent at 9/10 of that interval.
func WithKeepalive(pongWait time.Duration) DialOption {
	return func(c *dialConfig) { c.pongWait = pongWait }
}

// WithWriteWait bounds every write.
func WithWriteWait(d time.Duration) DialOption {
	return func(c *dialConfig) { c.writeWait = d }
}

// VoiceConn is one open voice socket. Sends are safe from any goroutine.
type VoiceConn struct {
	conn      *websocket.Conn
	url       string
	handlers  Handlers
	logger    *slog.Logger
	pongWait  time.Duration
	writeWait time.Duration

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	errMu sync.Mutex
	err   error
}

// Dial opens the voice socket at rawURL and starts its read and keepalive
// goroutines. A refused or failed handshake returns a *TransportError.
func Dial(ctx context.Context, rawURL string, h Handlers, opts ...DialOption) (*VoiceConn, error) {
	cfg := dialConfig{
		logger:    slog.Default(),
		pongWait:  voicePongWait,
		writeWait: voiceWriteWait,
	}
	for _, o := range opts {
		o(&cfg)
	}
	dialer := cfg.dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		}
	}

	redacted := redactURL(rawURL)
	conn, resp, err := dialer.DialContext(ctx, rawURL, cfg.header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Join(ctxErr, err)
		}
		return nil, &TransportError{Op: "dial", URL: redacted, StatusCode: status, Err: err}
	}
	conn.SetReadLimit(maxVoiceMessageSize)

	c := &VoiceConn{
		conn:      conn,
		url:       redacted,
		handlers:  h,
		logger:    cfg.logger.With("url", redacted),
		pongWait:  cfg.pongWait,
		writeWait: cfg.writeWait,
		done:      make(chan struct{}),
	}
	c.logger.Debug("voice socket open")

	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// SendBinary sends one audio frame.
func (c *VoiceConn) SendBinary(data []byte) error {
	return c.write(websocket.BinaryMessage, data, c.writeWait)
}

// SendControl sends a JSON control message.
func (c *VoiceConn) SendControl(msg ControlMessage) error {
	return c.SendControlWithin(msg, c.writeWait)
}

// SendControlWithin sends a JSON control message, giving up after wait.
func (c *VoiceConn) SendControlWithin(msg ControlMessage, wait time.Duration) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data, wait)
}

func (c *VoiceConn) write(messageType int, data []byte, wait time.Duration) error {
	if c.closed.Load() {
		c.logger.Debug("dropping write on closed socket", "bytes", len(data))
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wait))
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		if c.closed.Load() {
			return ErrClosed
		}
		return &TransportError{Op: "write", URL: c.url, Err: err}
	}
	return nil
}

// Close sends a normal close frame and releases the socket. OnClose is not
// called for a local close. Close is idempotent.
func (c *VoiceConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod))
		c.writeMu.Unlock()

		_ = c.conn.Close()
		close(c.done)
		c.logger.Debug("voice socket closed locally")
	})
	return nil
}

// IsOpen reports whether the socket can still be written to.
func (c *VoiceConn) IsOpen() bool {
	return !c.closed.Load()
}

// Done is closed once the connection has ended.
func (c *VoiceConn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason a remotely ended connection stopped, or nil.
func (c *VoiceConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *VoiceConn) readLoop() {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.finish(c.classify(err))
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if c.handlers.OnBinary != nil {
				c.handlers.OnBinary(data)
			}
		case websocket.TextMessage:
			if c.handlers.OnText != nil {
				c.handlers.OnText(data)
			}
		}
	}
}

func (c *VoiceConn) classify(err error) error {
	var wsClose *websocket.CloseError
	if errors.As(err, &wsClose) {
		return &CloseError{Code: wsClose.Code, Reason: wsClose.Text}
	}
	return &TransportError{Op: "read", URL: c.url, Err: err}
}

// finish records a remote or I/O termination and notifies OnClose, unless
// Close already ran. OnClose runs outside closeOnce so the handler may call
// Close.
func (c *VoiceConn) finish(err error) {
	ended := false
	c.closeOnce.Do(func() {
		ended = true
		c.closed.Store(true)
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		_ = c.conn.Close()
		close(c.done)
	})
	if !ended {
		return
	}

	if IsCleanClose(err) {
		c.logger.Debug("voice socket closed by peer", "reason", err)
	} else {
		c.logger.Warn("voice socket lost", "err", err)
	}
	if c.handlers.OnClose != nil {
		c.handlers.OnClose(err)
	}
}

func (c *VoiceConn) pingLoop() {
	ticker := time.NewTicker(c.pongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
