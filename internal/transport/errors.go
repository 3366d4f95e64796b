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

	"github.com/gorilla/websocket"
)

// ErrClosed is returned when sending on a connection that is not open.
var ErrClosed = errors.New("transport: connection closed")

// CloseUnauthorized is the application close code the voice endpoint uses
// when the credential is rejected.
const CloseUnauthorized = 4001

// TransportError describes a connection that could not be established or
// was lost. URL never carries the credential.
type TransportError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	msg := "transport: " + e.Op
	if e.URL != "" {
		msg += " " + e.URL
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// CloseError reports how the remote side ended a voice connection.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("transport: connection closed (%d %s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("transport: connection closed (%d)", e.Code)
}

// Clean reports whether the close was an orderly shutdown rather than a
// failure: a normal closure or the peer going away.
func (e *CloseError) Clean() bool {
	return e.Code == websocket.CloseNormalClosure || e.Code == websocket.CloseGoingAway
}

// Unauthorized reports whether the server rejected the credential.
func (e *CloseError) Unauthorized() bool {
	return e.Code == CloseUnauthorized
}

// IsCleanClose reports whether err is an orderly remote close.
func IsCleanClose(err error) bool {
	var ce *CloseError
	return errors.As(err, &ce) && ce.Clean()
}

// redactURL drops credentials from a URL before it ends up in an error or a
// log line.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	u.User = nil
	return u.String()
}
