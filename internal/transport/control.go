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
	"encoding/json"
	"errors"
	"fmt"
)

// Control message types exchanged as websocket text frames.
const (
	// server to client
	TypeReady      = "ready"
	TypeTranscript = "transcript"
	TypeAudioEnd   = "audio_end"
	TypeError      = "error"

	// client to server
	TypeEndTurn = "end_turn"
	TypeEndCall = "end_call"
)

// Transcript roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ControlMessage is the JSON envelope of every text frame. Only the fields
// relevant to Type are set.
type ControlMessage struct {
	Type    string `json:"type"`
	Agent   string `json:"agent,omitempty"`
	Role    string `json:"role,omitempty"`
	Text    string `json:"text,omitempty"`
	Message string `json:"message,omitempty"`
}

// EndTurn asks the agent to respond to what has been said so far.
func EndTurn() ControlMessage { return ControlMessage{Type: TypeEndTurn} }

// EndCall tells the agent the caller is hanging up.
func EndCall() ControlMessage { return ControlMessage{Type: TypeEndCall} }

// ParseControl decodes a text frame. Frames that are not a JSON object with
// a string "type" are rejected.
func ParseControl(data []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("malformed control message: %w", err)
	}
	if msg.Type == "" {
		return ControlMessage{}, errors.New("malformed control message: missing type")
	}
	return msg, nil
}
