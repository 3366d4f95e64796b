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

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path over the defaults, applies the
// environment and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		ApplyEnv(cfg, os.LookupEnv)
		if err := Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the defaults and
// validates it. The environment is not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if cfg.Server.Credential != "" {
		slog.Warn("server.credential is set in the config file; prefer " + EnvToken)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with the variables lookup reports as set.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvToken); ok && v != "" {
		cfg.Server.Credential = v
	}
	if v, ok := lookup(EnvBaseURL); ok && v != "" {
		cfg.Server.BaseURL = v
	}
	if v, ok := lookup(EnvAgentID); ok && v != "" {
		cfg.Server.AgentID = v
	}
	if v, ok := lookup(EnvNATSURL); ok && v != "" {
		cfg.Events.NATSURL = v
	}
	if v, ok := lookup(EnvSentryDSN); ok && v != "" {
		cfg.Sentry.DSN = v
	}
}

// Validate checks that cfg contains a coherent set of values. Identity
// fields (agent, credential, knowledge base) are checked by the command
// that needs them. It returns a joined error listing every failure.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.BaseURL == "" {
		errs = append(errs, errors.New("server.base_url is required"))
	} else if u, err := url.Parse(cfg.Server.BaseURL); err != nil || u.Host == "" {
		errs = append(errs, fmt.Errorf("server.base_url %q is not an absolute url", cfg.Server.BaseURL))
	}

	// Call
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"call.dial_timeout", cfg.Call.DialTimeout},
		{"call.ready_timeout", cfg.Call.ReadyTimeout},
		{"call.tick_interval", cfg.Call.TickInterval},
		{"call.end_call_wait", cfg.Call.EndCallWait},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s %s must be positive", d.name, d.value))
		}
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must be positive", cfg.Audio.FrameSize))
	}
	if !cfg.Audio.PlaybackFormat.IsValid() {
		errs = append(errs, fmt.Errorf("audio.playback_format %q is invalid; valid values: auto, mp3, wav, pcm16, opus", cfg.Audio.PlaybackFormat))
	}
	if cfg.Audio.PlaybackChannels < 0 || cfg.Audio.PlaybackChannels > 2 {
		errs = append(errs, fmt.Errorf("audio.playback_channels %d is out of range [1, 2]", cfg.Audio.PlaybackChannels))
	}

	// Events
	if !cfg.Events.Source.IsValid() {
		errs = append(errs, fmt.Errorf("events.source %q is invalid; valid values: sse, nats", cfg.Events.Source))
	}
	if cfg.Events.Source == SourceNATS && cfg.Events.NATSURL == "" {
		errs = append(errs, errors.New("events.nats_url is required when source is nats"))
	}
	if cfg.Events.Buffer <= 0 {
		errs = append(errs, fmt.Errorf("events.buffer %d must be positive", cfg.Events.Buffer))
	}
	if cfg.Events.InitialBackoff <= 0 || cfg.Events.MaxBackoff < cfg.Events.InitialBackoff {
		errs = append(errs, fmt.Errorf("events backoff %s..%s is invalid", cfg.Events.InitialBackoff, cfg.Events.MaxBackoff))
	}

	// Log
	if !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}
	if !cfg.Log.Format.IsValid() {
		errs = append(errs, fmt.Errorf("log.format %q is invalid; valid values: text, json", cfg.Log.Format))
	}

	return errors.Join(errs...)
}
