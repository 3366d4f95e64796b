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

package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-voice-go/internal/transport"
)

// MockNATSConnection records subscriptions and lets tests publish to them.
type MockNATSConnection struct {
	mu          sync.RWMutex
	subscribers map[string][]nats.MsgHandler
	connected   bool
	closeCalls  int
	errors      map[string]error
}

func NewMockNATSConnection() *MockNATSConnection {
	return &MockNATSConnection{
		subscribers: make(map[string][]nats.MsgHandler),
		connected:   true,
		errors:      make(map[string]error),
	}
}

func (m *MockNATSConnection) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil, nats.ErrConnectionClosed
	}
	if err, exists := m.errors[subject]; exists {
		return nil, err
	}
	m.subscribers[subject] = append(m.subscribers[subject], handler)
	return &nats.Subscription{}, nil
}

// PublishMessage delivers data to every handler on subject, synchronously.
func (m *MockNATSConnection) PublishMessage(subject string, data []byte) {
	m.mu.RLock()
	handlers := m.subscribers[subject]
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler(&nats.Msg{Subject: subject, Data: data})
	}
}

func (m *MockNATSConnection) SetError(subject string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[subject] = err
}

func (m *MockNATSConnection) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.closeCalls++
}

func (m *MockNATSConnection) subscribed(subject string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers[subject]) > 0
}

type eventCounter struct {
	mu     sync.Mutex
	events map[string]int
}

func (c *eventCounter) Reconnecting(context.Context, int) {}

func (c *eventCounter) EventReceived(_ context.Context, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events == nil {
		c.events = make(map[string]int)
	}
	c.events[name]++
}

func docMessage(t *testing.T, doc transport.DocEvent) []byte {
	t.Helper()
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestSubject(t *testing.T) {
	if got := Subject("kb-1"); got != "kb.kb-1.events" {
		t.Errorf("Subject() = %q, want %q", got, "kb.kb-1.events")
	}
}

func TestEventSubscriber_Start(t *testing.T) {
	mockConn := NewMockNATSConnection()
	subscriber := NewEventSubscriberWithConnection(mockConn, "kb-1", 10)

	if err := subscriber.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !mockConn.subscribed("kb.kb-1.events") {
		t.Error("expected a subscription on kb.kb-1.events")
	}
}

func TestEventSubscriber_SubscribeErrors(t *testing.T) {
	mockConn := NewMockNATSConnection()
	mockConn.SetError("kb.kb-1.events", errors.New("permissions violation"))
	subscriber := NewEventSubscriberWithConnection(mockConn, "kb-1", 10)

	err := subscriber.Start()
	if err == nil {
		t.Fatal("expected subscribe error")
	}
	if got := err.Error(); got != "failed to subscribe to kb.kb-1.events: permissions violation" {
		t.Errorf("unexpected error: %s", got)
	}

	closed := NewMockNATSConnection()
	closed.Close()
	if err := NewEventSubscriberWithConnection(closed, "kb-1", 10).Start(); !errors.Is(err, nats.ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestEventSubscriber_HandleMessage(t *testing.T) {
	tests := []struct {
		name      string
		data      []byte
		wantEvent bool
		wantName  string
		wantDoc   bool
	}{
		{
			name:      "processing",
			data:      docMessage(t, transport.DocEvent{Type: transport.EventDocProcessing, DocID: "d1", Filename: "a.pdf"}),
			wantEvent: true,
			wantName:  transport.EventDocProcessing,
			wantDoc:   true,
		},
		{
			name:      "completed",
			data:      docMessage(t, transport.DocEvent{Type: transport.EventDocCompleted, DocID: "d1", ChunkCount: 4}),
			wantEvent: true,
			wantName:  transport.EventDocCompleted,
			wantDoc:   true,
		},
		{
			name:      "connected",
			data:      []byte(`{"type":"connected"}`),
			wantEvent: true,
			wantName:  transport.EventConnected,
		},
		{
			name: "malformed json",
			data: []byte("not json"),
		},
		{
			name: "missing type",
			data: []byte(`{"doc_id":"d1"}`),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockConn := NewMockNATSConnection()
			subscriber := NewEventSubscriberWithConnection(mockConn, "kb-1", 10)
			if err := subscriber.Start(); err != nil {
				t.Fatalf("Start failed: %v", err)
			}

			mockConn.PublishMessage(Subject("kb-1"), tt.data)

			select {
			case ev := <-subscriber.Events():
				if !tt.wantEvent {
					t.Fatalf("unexpected event %+v", ev)
				}
				if ev.Name != tt.wantName {
					t.Errorf("Name = %q, want %q", ev.Name, tt.wantName)
				}
				if (ev.Doc != nil) != tt.wantDoc {
					t.Errorf("Doc = %+v, wantDoc %v", ev.Doc, tt.wantDoc)
				}
				if string(ev.Data) != string(tt.data) {
					t.Errorf("Data = %s, want %s", ev.Data, tt.data)
				}
			default:
				if tt.wantEvent {
					t.Fatal("expected an event")
				}
			}
		})
	}
}

func TestEventSubscriber_ChannelOverflow(t *testing.T) {
	mockConn := NewMockNATSConnection()
	subscriber := NewEventSubscriberWithConnection(mockConn, "kb-overflow", 2)
	if err := subscriber.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			doc := transport.DocEvent{Type: transport.EventDocProcessing, DocID: fmt.Sprintf("d%d", i)}
			mockConn.PublishMessage(Subject("kb-overflow"), docMessage(t, doc))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("message handling blocked on channel overflow")
	}

	for _, want := range []string{"d0", "d1"} {
		ev := <-subscriber.Events()
		if ev.Doc.DocID != want {
			t.Errorf("DocID = %q, want %q", ev.Doc.DocID, want)
		}
	}
	select {
	case ev := <-subscriber.Events():
		t.Errorf("expected the third event to be dropped, got %+v", ev)
	default:
	}
}

func TestEventSubscriber_Run(t *testing.T) {
	mockConn := NewMockNATSConnection()
	counter := &eventCounter{}
	subscriber := NewEventSubscriberWithConnection(mockConn, "kb-1", 4, WithObserver(counter))

	ctx, cancel := context.WithCancel(context.Background())
	received := make(chan transport.Event, 4)
	done := make(chan error, 1)
	go func() { done <- subscriber.Run(ctx, func(ev transport.Event) { received <- ev }) }()

	deadline := time.Now().Add(time.Second)
	for !mockConn.subscribed(Subject("kb-1")) {
		if time.Now().After(deadline) {
			t.Fatal("Run never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mockConn.PublishMessage(Subject("kb-1"), docMessage(t, transport.DocEvent{Type: transport.EventDocDeleted, DocID: "d9"}))

	select {
	case ev := <-received:
		if ev.Name != transport.EventDocDeleted || ev.Doc.DocID != "d9" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}

	mockConn.mu.RLock()
	closeCalls := mockConn.closeCalls
	mockConn.mu.RUnlock()
	if closeCalls != 1 {
		t.Errorf("Close called %d times, want 1", closeCalls)
	}

	counter.mu.Lock()
	defer counter.mu.Unlock()
	if counter.events[transport.EventDocDeleted] != 1 {
		t.Errorf("observer saw %v", counter.events)
	}
}

func TestEventSubscriber_RunSubscribeFailure(t *testing.T) {
	mockConn := NewMockNATSConnection()
	mockConn.SetError(Subject("kb-1"), errors.New("denied"))

	err := NewEventSubscriberWithConnection(mockConn, "kb-1", 1).Run(context.Background(), nil)
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestNewConnectionAdapter(t *testing.T) {
	var conn *nats.Conn
	adapter := NewConnectionAdapter(conn)
	if adapter == nil {
		t.Fatal("NewConnectionAdapter returned nil")
	}
	if adapter.conn != conn {
		t.Error("adapter conn field not set correctly")
	}
}

func TestNewEventSubscriber_ConnectionFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	subscriber, err := NewEventSubscriber(ctx, "nats://127.0.0.1:1", "kb-1", 10)
	if err == nil {
		t.Error("expected error with unreachable NATS server")
	}
	if subscriber != nil {
		subscriber.Close()
		t.Error("expected nil subscriber on connection failure")
	}
}

func TestEventSubscriber_CloseWithoutConnection(t *testing.T) {
	subscriber := NewEventSubscriberWithConnection(nil, "kb-1", 1)
	subscriber.Close()
}
