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

package session

import (
	"errors"
	"fmt"
)

// Kind classifies a session failure so a caller can offer the right
// recovery (retry, re-grant the microphone, fix configuration).
type Kind int

const (
	KindPermissionDenied Kind = iota + 1
	KindDeviceUnavailable
	KindConfiguration
	KindConnectTimeout
	KindTransport
	KindRemote
)

func (k Kind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission_denied"
	case KindDeviceUnavailable:
		return "device_unavailable"
	case KindConfiguration:
		return "configuration_error"
	case KindConnectTimeout:
		return "connect_timeout"
	case KindTransport:
		return "transport_error"
	case KindRemote:
		return "remote_error"
	default:
		return "unknown"
	}
}

// Sentinels matched by errors.Is against an *Error of the same kind.
var (
	ErrPermissionDenied  = errors.New("session: permission denied")
	ErrDeviceUnavailable = errors.New("session: device unavailable")
	ErrConfiguration     = errors.New("session: configuration error")
	ErrConnectTimeout    = errors.New("session: connect timeout")
	ErrTransport         = errors.New("session: transport error")
	ErrRemote            = errors.New("session: remote error")
)

var (
	// ErrNotActive is returned by actions that need an active call.
	ErrNotActive = errors.New("session: not active")
	// ErrAlreadyStarted is returned by Start on a session that is not idle.
	ErrAlreadyStarted = errors.New("session: already started")
	// ErrEnded is returned by Start when the call was ended before it
	// became active.
	ErrEnded = errors.New("session: ended")
)

func (k Kind) sentinel() error {
	switch k {
	case KindPermissionDenied:
		return ErrPermissionDenied
	case KindDeviceUnavailable:
		return ErrDeviceUnavailable
	case KindConfiguration:
		return ErrConfiguration
	case KindConnectTimeout:
		return ErrConnectTimeout
	case KindTransport:
		return ErrTransport
	case KindRemote:
		return ErrRemote
	}
	return nil
}

// Error is a failure surfaced to the caller. Message is human readable;
// for KindRemote it is the server's own text.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("session: %s: %s", e.Kind, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf returns the kind of the first *Error in err's chain, or zero.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}
