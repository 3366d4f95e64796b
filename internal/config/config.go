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

// Package config loads the client's settings from a YAML file, the
// environment and command-line flags, in increasing order of precedence.
package config

import (
	"time"

	"github.com/loqalabs/loqa-voice-go/internal/audio"
	"github.com/loqalabs/loqa-voice-go/internal/session"
)

// Environment variables read by ApplyEnv.
const (
	EnvToken     = "LOQA_VOICE_TOKEN"
	EnvBaseURL   = "LOQA_VOICE_BASE_URL"
	EnvAgentID   = "LOQA_VOICE_AGENT_ID"
	EnvNATSURL   = "LOQA_NATS_URL"
	EnvSentryDSN = "SENTRY_DSN"
)

// LogLevel is a slog level name.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the console handler.
type LogFormat string

const (
	LogText LogFormat = "text"
	LogJSON LogFormat = "json"
)

func (f LogFormat) IsValid() bool {
	return f == LogText || f == LogJSON
}

// EventSource selects where knowledge-base events come from.
type EventSource string

const (
	SourceSSE  EventSource = "sse"
	SourceNATS EventSource = "nats"
)

func (s EventSource) IsValid() bool {
	return s == SourceSSE || s == SourceNATS
}

// Config is the complete client configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Call    CallConfig    `yaml:"call"`
	Audio   AudioConfig   `yaml:"audio"`
	Events  EventsConfig  `yaml:"events"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Sentry  SentryConfig  `yaml:"sentry"`
}

// ServerConfig locates the voice service. The credential is normally
// supplied through LOQA_VOICE_TOKEN rather than written to a file.
type ServerConfig struct {
	BaseURL    string `yaml:"base_url"`
	AgentID    string `yaml:"agent_id"`
	Credential string `yaml:"credential"`
}

// CallConfig bounds the waits of a call.
type CallConfig struct {
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
	TickInterval time.Duration `yaml:"tick_interval"`
	EndCallWait  time.Duration `yaml:"end_call_wait"`
}

// AudioConfig shapes capture and playback.
type AudioConfig struct {
	SampleRate         int          `yaml:"sample_rate"`
	FrameSize          int          `yaml:"frame_size"`
	PlaybackFormat     audio.Format `yaml:"playback_format"`
	PlaybackSampleRate int          `yaml:"playback_sample_rate"`
	PlaybackChannels   int          `yaml:"playback_channels"`
	OutputBufferSize   int          `yaml:"output_buffer_size"`
}

// EventsConfig configures the knowledge-base event watcher.
type EventsConfig struct {
	Source         EventSource   `yaml:"source"`
	KnowledgeBase  string        `yaml:"knowledge_base"`
	NATSURL        string        `yaml:"nats_url"`
	Buffer         int           `yaml:"buffer"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type LogConfig struct {
	Level  LogLevel  `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

// MetricsConfig enables the Prometheus endpoint when ListenAddr is set.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// SentryConfig enables error reporting when DSN is set.
type SentryConfig struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL: "http://localhost:8000",
		},
		Call: CallConfig{
			DialTimeout:  session.DefaultDialTimeout,
			ReadyTimeout: session.DefaultReadyTimeout,
			TickInterval: session.DefaultTickInterval,
			EndCallWait:  session.DefaultEndCallWait,
		},
		Audio: AudioConfig{
			SampleRate:         audio.CaptureSampleRate,
			FrameSize:          audio.CaptureFrameSize,
			PlaybackFormat:     audio.FormatAuto,
			PlaybackSampleRate: 24000,
			PlaybackChannels:   1,
			OutputBufferSize:   audio.DefaultPlaybackBufferSize,
		},
		Events: EventsConfig{
			Source:         SourceSSE,
			NATSURL:        "nats://localhost:4222",
			Buffer:         64,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
		},
		Log: LogConfig{
			Level:  LogInfo,
			Format: LogText,
		},
	}
}

// Session returns the session settings for a call.
func (c *Config) Session() session.Config {
	return session.Config{
		BaseURL:      c.Server.BaseURL,
		AgentID:      c.Server.AgentID,
		Credential:   c.Server.Credential,
		DialTimeout:  c.Call.DialTimeout,
		ReadyTimeout: c.Call.ReadyTimeout,
		TickInterval: c.Call.TickInterval,
		EndCallWait:  c.Call.EndCallWait,
	}
}

// Capture returns the microphone settings.
func (c *Config) Capture() audio.CaptureConfig {
	return audio.CaptureConfig{
		SampleRate: c.Audio.SampleRate,
		Channels:   audio.CaptureChannels,
		FrameSize:  c.Audio.FrameSize,
	}
}

// Decoder returns the decoder options for inbound audio.
func (c *Config) Decoder() audio.DecoderOptions {
	return audio.DecoderOptions{
		SampleRate: c.Audio.PlaybackSampleRate,
		Channels:   c.Audio.PlaybackChannels,
	}
}
