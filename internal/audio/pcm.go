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

package audio

import "encoding/binary"

// Wire format of outbound microphone audio.
const (
	CaptureSampleRate = 16000
	CaptureChannels   = 1
	CaptureFrameSize  = 4096
)

// EncodePCM16 converts float samples in [-1,1] to signed 16-bit little-endian
// PCM. Out-of-range samples are clipped; the negative side is scaled by 32768
// and the positive side by 32767, so -1 maps to -32768 and +1 to 32767.
func EncodePCM16(samples []float32) []byte {
	data := make([]byte, len(samples)*2)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(floatToInt16(sample)))
	}
	return data
}

func floatToInt16(sample float32) int16 {
	s := float64(sample)
	// NaN compares false against both bounds; treat it as silence.
	if s != s {
		return 0
	}
	if s < -1 {
		s = -1
	} else if s > 1 {
		s = 1
	}
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}

// DecodePCM16 converts signed 16-bit little-endian PCM back to floats using
// the same asymmetric scale as EncodePCM16. A trailing odd byte is ignored.
func DecodePCM16(data []byte) []float32 {
	samples := make([]float32, len(data)/2)
	for i := range samples {
		samples[i] = int16ToFloat(int16(binary.LittleEndian.Uint16(data[i*2:])))
	}
	return samples
}

func int16ToFloat(v int16) float32 {
	if v < 0 {
		return float32(v) / 32768
	}
	return float32(v) / 32767
}

func int16sToFloats(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = int16ToFloat(v)
	}
	return out
}
