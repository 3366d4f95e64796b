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

import "time"

// Event is something the caller's UI may want to show. Events arrive on
// Session.Events in the order they happened.
type Event interface {
	isEvent()
}

// StateChanged reports a lifecycle transition.
type StateChanged struct {
	From State
	To   State
}

// AgentReady reports that the agent accepted the call.
type AgentReady struct {
	Agent string
}

// Transcript is one utterance, from the caller or the agent.
type Transcript struct {
	Role string
	Text string
	At   time.Time
}

// AudioEnd reports that the agent finished sending audio for its turn.
// Queued audio may still be playing.
type AudioEnd struct{}

// RemoteError carries an error message the server sent during the call.
type RemoteError struct {
	Message string
}

// Tick reports the call duration while active.
type Tick struct {
	Elapsed time.Duration
}

func (StateChanged) isEvent() {}
func (AgentReady) isEvent()   {}
func (Transcript) isEvent()   {}
func (AudioEnd) isEvent()     {}
func (RemoteError) isEvent()  {}
func (Tick) isEvent()         {}
