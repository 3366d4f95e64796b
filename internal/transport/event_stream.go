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

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Knowledge-base event names.
const (
	EventConnected      = "connected"
	EventDocProcessing  = "doc:processing"
	EventDocCompleted   = "doc:completed"
	EventDocFailed      = "doc:failed"
	EventDocDeleted     = "doc:deleted"
	defaultEventName    = "message"
	defaultStreamRetry  = 1 * time.Second
	defaultStreamMaxGap = 30 * time.Second
)

// DocEvent is the payload of the doc:* events.
type DocEvent struct {
	Type       string `json:"type"`
	DocID      string `json:"doc_id"`
	Filename   string `json:"filename,omitempty"`
	ChunkCount int    `json:"chunk_count,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Event is one server-pushed event. Doc is set for doc:* events whose data
// parsed.
type Event struct {
	Name string
	ID   string
	Data []byte
	Doc  *DocEvent
}

// EventHandler receives events in the order the server sent them.
type EventHandler func(Event)

// StreamObserver is notified of event-stream activity, typically to record
// metrics.
type StreamObserver interface {
	Reconnecting(ctx context.Context, attempt int)
	EventReceived(ctx context.Context, name string)
}

// StreamOption configures an EventStream.
type StreamOption func(*EventStream)

// WithHTTPClient sets the client used for the stream. It must not carry a
// whole-request timeout.
func WithHTTPClient(c *http.Client) StreamOption {
	return func(s *EventStream) { s.client = c }
}

// WithStreamLogger sets the stream's logger.
func WithStreamLogger(l *slog.Logger) StreamOption {
	return func(s *EventStream) { s.logger = l }
}

// WithStreamObserver registers an observer.
func WithStreamObserver(o StreamObserver) StreamOption {
	return func(s *EventStream) { s.observer = o }
}

// WithBackoff sets the first reconnect delay and its cap. The delay doubles
// after every attempt that fails to connect.
func WithBackoff(initial, max time.Duration) StreamOption {
	return func(s *EventStream) {
		if initial > 0 {
			s.backoff = initial
		}
		if max > 0 {
			s.maxBackoff = max
		}
	}
}

// EventStream follows a text/event-stream endpoint, reconnecting whenever
// the connection drops. It never sends anything back to the server.
type EventStream struct {
	url        string
	client     *http.Client
	logger     *slog.Logger
	observer   StreamObserver
	backoff    time.Duration
	maxBackoff time.Duration

	lastID string
	retry  time.Duration
}

// NewEventStream returns a stream for rawURL. Nothing is fetched until Run.
func NewEventStream(rawURL string, opts ...StreamOption) *EventStream {
	s := &EventStream{
		url:        rawURL,
		client:     &http.Client{},
		logger:     slog.Default(),
		backoff:    defaultStreamRetry,
		maxBackoff: defaultStreamMaxGap,
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("url", redactURL(rawURL))
	return s
}

// Run delivers events to handler until ctx is done, returning nil, or the
// server refuses the stream for good (401, 403 or 404), returning a
// *TransportError. Dropped connections are retried with exponential
// backoff; a retry interval sent by the server overrides the backoff.
func (s *EventStream) Run(ctx context.Context, handler EventHandler) error {
	delay := s.backoff
	for attempt := 1; ; attempt++ {
		delivered, err := s.stream(ctx, handler)
		if ctx.Err() != nil {
			return nil
		}
		if isTerminal(err) {
			s.logger.Error("event stream refused", "err", err)
			return err
		}
		if delivered {
			delay = s.backoff
			attempt = 1
		}

		wait := delay
		if s.retry > 0 {
			wait = s.retry
		}
		s.logger.Warn("event stream dropped, reconnecting", "err", err, "attempt", attempt, "wait", wait)
		if s.observer != nil {
			s.observer.Reconnecting(ctx, attempt)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		delay = min(delay*2, s.maxBackoff)
	}
}

// stream runs one connection. delivered reports whether the server accepted
// it, which resets the backoff.
func (s *EventStream) stream(ctx context.Context, handler EventHandler) (delivered bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return false, &TransportError{Op: "events", URL: redactURL(s.url), Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if s.lastID != "" {
		req.Header.Set("Last-Event-ID", s.lastID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return false, &TransportError{Op: "events", URL: redactURL(s.url), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return false, &TransportError{
			Op:         "events",
			URL:        redactURL(s.url),
			StatusCode: resp.StatusCode,
			Err:        errors.New(http.StatusText(resp.StatusCode)),
		}
	}
	s.logger.Debug("event stream open")

	reader := newSSEReader(resp.Body)
	for {
		block, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return true, &TransportError{Op: "events", URL: redactURL(s.url), Err: err}
		}

		if block.hasID {
			s.lastID = block.id
		}
		if block.retry > 0 {
			s.retry = block.retry
		}
		if !block.hasData {
			continue
		}

		ev := Event{Name: block.name, ID: s.lastID, Data: block.data}
		if ev.Name == "" {
			ev.Name = defaultEventName
		}
		if strings.HasPrefix(ev.Name, "doc:") {
			var doc DocEvent
			if err := json.Unmarshal(ev.Data, &doc); err != nil {
				s.logger.Warn("malformed document event", "event", ev.Name, "err", err)
			} else {
				ev.Doc = &doc
			}
		}

		if s.observer != nil {
			s.observer.EventReceived(ctx, ev.Name)
		}
		if handler != nil {
			handler(ev)
		}
	}
}

func isTerminal(err error) bool {
	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}
	switch te.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}
