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
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"
	"time"
)

// sseBlock is one blank-line terminated block of a text/event-stream body.
type sseBlock struct {
	name  string
	id    string
	data  []byte
	retry time.Duration

	hasID   bool
	hasData bool
}

type sseReader struct {
	reader *bufio.Reader
}

func newSSEReader(body io.Reader) *sseReader {
	return &sseReader{reader: bufio.NewReader(body)}
}

// Next returns the next complete block. A block cut off by the end of the
// body is discarded and io.EOF returned.
func (s *sseReader) Next() (sseBlock, error) {
	var block sseBlock
	var data bytes.Buffer
	seen := false

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return sseBlock{}, err
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if !seen {
				continue
			}
			break
		}
		if strings.HasPrefix(line, ":") {
			// comment / keepalive
			continue
		}
		seen = true

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			block.name = value
		case "data":
			if block.hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			block.hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				block.id = value
				block.hasID = true
			}
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				block.retry = time.Duration(ms) * time.Millisecond
			}
		}
	}

	if block.hasData {
		block.data = data.Bytes()
	}
	return block, nil
}
