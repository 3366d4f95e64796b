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

// Package nats follows knowledge-base document events published on a NATS
// bus, as an alternative to the server's HTTP event stream.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-voice-go/internal/transport"
)

const (
	connectAttempts = 5
	connectBackoff  = 2 * time.Second
)

// Connection is the part of *nats.Conn the subscriber needs.
type Connection interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Close()
}

// ConnectionAdapter adapts *nats.Conn to Connection.
type ConnectionAdapter struct {
	conn *nats.Conn
}

func NewConnectionAdapter(conn *nats.Conn) *ConnectionAdapter {
	return &ConnectionAdapter{conn: conn}
}

func (a *ConnectionAdapter) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	return a.conn.Subscribe(subject, cb)
}

func (a *ConnectionAdapter) Close() {
	a.conn.Close()
}

// Subject is where document events for kbID are published.
func Subject(kbID string) string {
	return fmt.Sprintf("kb.%s.events", kbID)
}

// Option configures an EventSubscriber.
type Option func(*EventSubscriber)

// WithLogger sets the subscriber's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *EventSubscriber) { s.logger = l }
}

// WithObserver reports received events, typically to metrics.
func WithObserver(o transport.StreamObserver) Option {
	return func(s *EventSubscriber) { s.observer = o }
}

// EventSubscriber turns NATS messages on a knowledge base's subject into
// transport.Events, buffered up to a fixed capacity. Events arriving while
// the buffer is full are dropped.
type EventSubscriber struct {
	conn     Connection
	kbID     string
	events   chan transport.Event
	logger   *slog.Logger
	observer transport.StreamObserver
}

// Connect dials natsURL, retrying a few times before giving up.
func Connect(ctx context.Context, natsURL string, logger *slog.Logger) (*nats.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		nc, err := nats.Connect(natsURL,
			nats.Name("loqa-voice"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Warn("nats disconnected", "err", err)
				}
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logger.Info("nats reconnected", "url", nc.ConnectedUrl())
			}),
		)
		if err == nil {
			logger.Info("connected to nats", "url", nc.ConnectedUrl())
			return nc, nil
		}
		lastErr = err
		logger.Warn("nats connect failed", "attempt", attempt, "max", connectAttempts, "err", err)

		if attempt == connectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectBackoff):
		}
	}
	return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", connectAttempts, lastErr)
}

// NewEventSubscriber connects to natsURL and returns a subscriber for kbID.
func NewEventSubscriber(ctx context.Context, natsURL, kbID string, capacity int, opts ...Option) (*EventSubscriber, error) {
	s := newEventSubscriber(nil, kbID, capacity, opts)
	nc, err := Connect(ctx, natsURL, s.logger)
	if err != nil {
		return nil, err
	}
	s.conn = NewConnectionAdapter(nc)
	return s, nil
}

// NewEventSubscriberWithConnection builds a subscriber over an existing
// connection.
func NewEventSubscriberWithConnection(conn Connection, kbID string, capacity int, opts ...Option) *EventSubscriber {
	return newEventSubscriber(conn, kbID, capacity, opts)
}

func newEventSubscriber(conn Connection, kbID string, capacity int, opts []Option) *EventSubscriber {
	if capacity <= 0 {
		capacity = 1
	}
	s := &EventSubscriber{
		conn:   conn,
		kbID:   kbID,
		events: make(chan transport.Event, capacity),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("kb_id", kbID)
	return s
}

// Start subscribes to the knowledge base's subject.
func (s *EventSubscriber) Start() error {
	subject := Subject(s.kbID)
	if _, err := s.conn.Subscribe(subject, s.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	s.logger.Info("subscribed to knowledge base events", "subject", subject)
	return nil
}

// Events returns the buffered event channel.
func (s *EventSubscriber) Events() <-chan transport.Event {
	return s.events
}

// Run subscribes and hands events to handler until ctx is done, then closes
// the connection.
func (s *EventSubscriber) Run(ctx context.Context, handler transport.EventHandler) error {
	if err := s.Start(); err != nil {
		return err
	}
	defer s.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.events:
			if handler != nil {
				handler(ev)
			}
		}
	}
}

func (s *EventSubscriber) handleMessage(msg *nats.Msg) {
	var doc transport.DocEvent
	if err := json.Unmarshal(msg.Data, &doc); err != nil {
		s.logger.Warn("malformed knowledge base event", "subject", msg.Subject, "err", err)
		return
	}
	if doc.Type == "" {
		s.logger.Warn("knowledge base event without type", "subject", msg.Subject)
		return
	}

	ev := transport.Event{Name: doc.Type, Data: msg.Data}
	if doc.Type != transport.EventConnected {
		ev.Doc = &doc
	}
	if s.observer != nil {
		s.observer.EventReceived(context.Background(), ev.Name)
	}

	select {
	case s.events <- ev:
		s.logger.Debug("queued knowledge base event", "event", ev.Name, "doc_id", doc.DocID)
	default:
		s.logger.Warn("event buffer full, dropping event", "event", ev.Name, "doc_id", doc.DocID)
	}
}

// Close closes the NATS connection.
func (s *EventSubscriber) Close() {
	if s.conn != nil {
		s.conn.Close()
		s.logger.Debug("nats connection closed")
	}
}
