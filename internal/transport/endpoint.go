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
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const apiPrefix = "/api/v1"

// StreamURL resolves the voice socket for agentID on the server at base.
// The websocket scheme follows the base scheme: http and ws give ws, https
// and wss give wss. The credential travels as the token query parameter.
func StreamURL(base, agentID, token string) (string, error) {
	if agentID == "" {
		return "", errors.New("agent id is required")
	}
	if token == "" {
		return "", errors.New("credential is required")
	}

	u, err := parseBase(base)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	u.Path, u.RawPath = joinPath(u.EscapedPath(), "voice", agentID)
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

// EventsURL resolves the knowledge-base event stream for kbID.
func EventsURL(base, kbID, token string) (string, error) {
	if kbID == "" {
		return "", errors.New("knowledge base id is required")
	}

	u, err := parseBase(base)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "http"
	case "https", "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	u.Path, u.RawPath = joinPath(u.EscapedPath(), "knowledge-bases", kbID, "events")
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

func parseBase(base string) (*url.URL, error) {
	if base == "" {
		return nil, errors.New("server url is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q: missing host", base)
	}
	return u, nil
}

// joinPath appends segments under the API prefix, keeping any path the base
// already carries (a reverse-proxy mount point, or the prefix itself). It
// returns the decoded path and its escaped form.
func joinPath(escapedBase string, segments ...string) (string, string) {
	raw := strings.TrimSuffix(escapedBase, "/")
	if !strings.HasSuffix(raw, apiPrefix) {
		raw += apiPrefix
	}
	for _, s := range segments {
		raw += "/" + url.PathEscape(s)
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		decoded = raw
	}
	return decoded, raw
}
