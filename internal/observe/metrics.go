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

// Package observe records client telemetry through the OpenTelemetry
// metrics API and exposes it for Prometheus scraping.
//
// A Metrics value implements the observer interfaces of the session,
// audio and transport packages, so one instance can be handed to every
// component of a call. Tests should build it with NewMetrics on a
// ManualReader-backed provider.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-voice-go/internal/audio"
	"github.com/loqalabs/loqa-voice-go/internal/session"
	"github.com/loqalabs/loqa-voice-go/internal/transport"
)

const meterName = "github.com/loqalabs/loqa-voice-go"

// Metrics holds every instrument. The OTel types synchronise themselves.
type Metrics struct {
	// Calls counts finished calls by final state.
	Calls metric.Int64Counter

	// ActiveCalls is the number of calls between Started and Ended.
	ActiveCalls metric.Int64UpDownCounter

	// ReadyLatency is the time from opening the socket to the agent's ready.
	ReadyLatency metric.Float64Histogram

	// CallDuration is measured from Start to teardown.
	CallDuration metric.Float64Histogram

	FramesSent     metric.Int64Counter
	FramesDropped  metric.Int64Counter
	FramesCaptured metric.Int64Counter
	FramesReceived metric.Int64Counter
	FramesPlayed   metric.Int64Counter
	DecodeErrors   metric.Int64Counter
	CallErrors     metric.Int64Counter

	StreamReconnects metric.Int64Counter
	StreamEvents     metric.Int64Counter
}

var (
	_ session.Observer         = (*Metrics)(nil)
	_ audio.CaptureObserver    = (*Metrics)(nil)
	_ audio.PlaybackObserver   = (*Metrics)(nil)
	_ transport.StreamObserver = (*Metrics)(nil)
)

var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

var durationBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Calls, err = m.Int64Counter("loqa_voice.calls",
		metric.WithDescription("Finished calls by final state."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCalls, err = m.Int64UpDownCounter("loqa_voice.calls.active",
		metric.WithDescription("Calls currently in progress."),
	); err != nil {
		return nil, err
	}
	if met.ReadyLatency, err = m.Float64Histogram("loqa_voice.ready.latency",
		metric.WithDescription("Time from socket open to the agent's ready message."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("loqa_voice.call.duration",
		metric.WithDescription("Active call time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("loqa_voice.frames.sent",
		metric.WithDescription("Microphone frames written to the socket."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("loqa_voice.frames.dropped",
		metric.WithDescription("Microphone frames not sent, by reason."),
	); err != nil {
		return nil, err
	}
	if met.FramesCaptured, err = m.Int64Counter("loqa_voice.frames.captured",
		metric.WithDescription("Frames produced by the capture loop, by mute state."),
	); err != nil {
		return nil, err
	}
	if met.FramesReceived, err = m.Int64Counter("loqa_voice.frames.received",
		metric.WithDescription("Inbound audio frames queued for playback."),
	); err != nil {
		return nil, err
	}
	if met.FramesPlayed, err = m.Int64Counter("loqa_voice.frames.played",
		metric.WithDescription("Inbound audio frames played to completion."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("loqa_voice.frames.decode_errors",
		metric.WithDescription("Inbound audio frames that could not be decoded."),
	); err != nil {
		return nil, err
	}
	if met.CallErrors, err = m.Int64Counter("loqa_voice.call.errors",
		metric.WithDescription("Call errors by kind."),
	); err != nil {
		return nil, err
	}
	if met.StreamReconnects, err = m.Int64Counter("loqa_voice.events.reconnects",
		metric.WithDescription("Knowledge-base event stream reconnect attempts."),
	); err != nil {
		return nil, err
	}
	if met.StreamEvents, err = m.Int64Counter("loqa_voice.events.received",
		metric.WithDescription("Knowledge-base events received, by event name."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// session.Observer

func (m *Metrics) Started(ctx context.Context) {
	m.ActiveCalls.Add(ctx, 1)
}

func (m *Metrics) Ready(ctx context.Context, latency time.Duration) {
	m.ReadyLatency.Record(ctx, latency.Seconds())
}

func (m *Metrics) FrameSent(ctx context.Context) {
	m.FramesSent.Add(ctx, 1)
}

func (m *Metrics) FrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) InboundFrame(ctx context.Context) {
	m.FramesReceived.Add(ctx, 1)
}

func (m *Metrics) Failed(ctx context.Context, err error) {
	m.CallErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", session.KindOf(err).String())))
}

func (m *Metrics) Ended(ctx context.Context, final session.State, duration time.Duration) {
	m.ActiveCalls.Add(ctx, -1)
	m.Calls.Add(ctx, 1, metric.WithAttributes(attribute.String("state", final.String())))
	m.CallDuration.Record(ctx, duration.Seconds())
}

// audio.CaptureObserver

func (m *Metrics) FrameCaptured(ctx context.Context, muted bool) {
	m.FramesCaptured.Add(ctx, 1, metric.WithAttributes(attribute.Bool("muted", muted)))
}

// audio.PlaybackObserver

func (m *Metrics) FrameEnqueued(ctx context.Context) {}

func (m *Metrics) FramePlayed(ctx context.Context) {
	m.FramesPlayed.Add(ctx, 1)
}

func (m *Metrics) DecodeFailed(ctx context.Context) {
	m.DecodeErrors.Add(ctx, 1)
}

// transport.StreamObserver

func (m *Metrics) Reconnecting(ctx context.Context, attempt int) {
	m.StreamReconnects.Add(ctx, 1)
}

func (m *Metrics) EventReceived(ctx context.Context, name string) {
	m.StreamEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", name)))
}
