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

// State is where a Session is in its lifecycle.
type State int

const (
	StateIdle            State = iota // Not started, or returned here after a device failure
	StateAcquiringDevice              // Waiting for the microphone
	StateConnecting                   // Opening the voice socket
	StateReadyWait                    // Socket open, waiting for the agent's ready message
	StateActive                       // Streaming in both directions
	StateEnded                        // Finished normally
	StateError                        // Finished by a failure
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiringDevice:
		return "acquiring_device"
	case StateConnecting:
		return "connecting"
	case StateReadyWait:
		return "ready_wait"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateError
}
