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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseControl(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    ControlMessage
		wantErr bool
	}{
		{name: "ready", in: `{"type":"ready","agent":"Ava"}`, want: ControlMessage{Type: TypeReady, Agent: "Ava"}},
		{name: "user transcript", in: `{"type":"transcript","role":"user","text":"hi"}`, want: ControlMessage{Type: TypeTranscript, Role: RoleUser, Text: "hi"}},
		{name: "audio end", in: `{"type":"audio_end"}`, want: ControlMessage{Type: TypeAudioEnd}},
		{name: "error", in: `{"type":"error","message":"quota exceeded"}`, want: ControlMessage{Type: TypeError, Message: "quota exceeded"}},
		{name: "unknown fields ignored", in: `{"type":"ready","extra":1}`, want: ControlMessage{Type: TypeReady}},
		{name: "unknown type kept", in: `{"type":"pong"}`, want: ControlMessage{Type: "pong"}},
		{name: "not json", in: `hello`, wantErr: true},
		{name: "missing type", in: `{"text":"hi"}`, wantErr: true},
		{name: "type not a string", in: `{"type":5}`, wantErr: true},
		{name: "array", in: `[1,2]`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseControl([]byte(tt.in))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOutboundControlEncoding(t *testing.T) {
	b, err := json.Marshal(EndTurn())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"end_turn"}`, string(b))

	b, err = json.Marshal(EndCall())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"end_call"}`, string(b))
}
