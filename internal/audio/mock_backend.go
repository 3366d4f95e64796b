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

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

var errMockStreamClosed = errors.New("mock stream closed")

// MockAudioBackend implements AudioBackend for testing without hardware dependencies
type MockAudioBackend struct {
	mu                 sync.Mutex
	initialized        bool
	streams            map[string]*MockStream
	streamCounter      int
	initError          error
	inputError         error
	outputError        error
	openGate           <-chan struct{}
	generator          func([]float32)
	simulateRealTiming bool
	terminateCalls     int
	recordedAudioData  [][]float32
	playbackAudioData  [][]float32
}

// NewMockAudioBackend creates a new mock audio backend
func NewMockAudioBackend() *MockAudioBackend {
	return &MockAudioBackend{
		streams:            make(map[string]*MockStream),
		simulateRealTiming: true,
	}
}

// SetInitError configures the backend to return an error on Initialize()
func (m *MockAudioBackend) SetInitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initError = err
}

// SetInputError makes CreateInputStream fail, e.g. with ErrPermissionDenied.
func (m *MockAudioBackend) SetInputError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputError = err
}

// SetOutputError makes CreateOutputStream fail.
func (m *MockAudioBackend) SetOutputError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputError = err
}

// SetOpenGate makes CreateInputStream block until gate is closed, standing in
// for a permission prompt the user has not answered yet.
func (m *MockAudioBackend) SetOpenGate(gate <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openGate = gate
}

// SetAudioDataGenerator sets the function that fills every captured buffer.
func (m *MockAudioBackend) SetAudioDataGenerator(generator func([]float32)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generator = generator
}

// SetSimulateRealTiming controls whether reads and writes block for the
// duration of the audio they carry.
func (m *MockAudioBackend) SetSimulateRealTiming(simulate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.simulateRealTiming = simulate
}

// GetRecordedAudioData returns every buffer handed out by input streams
func (m *MockAudioBackend) GetRecordedAudioData() [][]float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([][]float32, len(m.recordedAudioData))
	copy(result, m.recordedAudioData)
	return result
}

// GetPlaybackAudioData returns every buffer written to output streams
func (m *MockAudioBackend) GetPlaybackAudioData() [][]float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([][]float32, len(m.playbackAudioData))
	copy(result, m.playbackAudioData)
	return result
}

// OpenStreams returns the number of streams not yet closed.
func (m *MockAudioBackend) OpenStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// TerminateCalls returns how many times Terminate ran.
func (m *MockAudioBackend) TerminateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminateCalls
}

// Initialize initializes the mock audio subsystem
func (m *MockAudioBackend) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initError != nil {
		return m.initError
	}

	m.initialized = true
	return nil
}

// Terminate closes any stream left open and marks the backend uninitialized.
func (m *MockAudioBackend) Terminate() error {
	m.mu.Lock()
	streams := make([]*MockStream, 0, len(m.streams))
	for _, stream := range m.streams {
		streams = append(streams, stream)
	}
	m.terminateCalls++
	m.mu.Unlock()

	for _, stream := range streams {
		_ = stream.Stop()
		_ = stream.Close()
	}

	m.mu.Lock()
	m.initialized = false
	m.mu.Unlock()
	return nil
}

// CreateInputStream creates a mock input stream
func (m *MockAudioBackend) CreateInputStream(sampleRate float64, channels, bufferSize int) (StreamInterface, error) {
	m.mu.Lock()
	gate := m.openGate
	m.mu.Unlock()

	if gate != nil {
		<-gate
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, fmt.Errorf("mock audio backend not initialized")
	}
	if m.inputError != nil {
		return nil, m.inputError
	}

	return m.newStream("input", sampleRate, channels, bufferSize, true), nil
}

// CreateOutputStream creates a mock output stream
func (m *MockAudioBackend) CreateOutputStream(sampleRate float64, channels, bufferSize int) (StreamInterface, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, fmt.Errorf("mock audio backend not initialized")
	}
	if m.outputError != nil {
		return nil, m.outputError
	}

	return m.newStream("output", sampleRate, channels, bufferSize, false), nil
}

// newStream must be called with m.mu held.
func (m *MockAudioBackend) newStream(kind string, sampleRate float64, channels, bufferSize int, isInput bool) *MockStream {
	streamID := fmt.Sprintf("%s_%d", kind, m.streamCounter)
	m.streamCounter++

	stream := &MockStream{
		id:                 streamID,
		backend:            m,
		sampleRate:         sampleRate,
		channels:           channels,
		bufferSize:         bufferSize,
		isInput:            isInput,
		isOpen:             true,
		simulateRealTiming: m.simulateRealTiming,
		generator:          m.generator,
		closed:             make(chan struct{}),
	}
	m.streams[streamID] = stream
	return stream
}

func (m *MockAudioBackend) forget(id string) {
	m.mu.Lock()
	delete(m.streams, id)
	m.mu.Unlock()
}

// MockStream implements StreamInterface for testing
type MockStream struct {
	mu                 sync.Mutex
	id                 string
	backend            *MockAudioBackend
	sampleRate         float64
	channels           int
	bufferSize         int
	isInput            bool
	isOpen             bool
	isActive           bool
	simulateRealTiming bool
	generator          func([]float32)
	phase              float64
	closed             chan struct{}
	startError         error
	writeError         error
	readError          error
}

// SetStartError configures the stream to return an error on Start()
func (m *MockStream) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startError = err
}

// SetWriteError configures the stream to return an error on Write()
func (m *MockStream) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeError = err
}

// SetReadError configures the stream to return an error on Read()
func (m *MockStream) SetReadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readError = err
}

// Start starts the mock stream
func (m *MockStream) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startError != nil {
		return m.startError
	}
	if !m.isOpen {
		return errMockStreamClosed
	}
	if m.isActive {
		return fmt.Errorf("stream already active")
	}

	m.isActive = true
	return nil
}

// Stop stops the mock stream. Stopping twice is a no-op.
func (m *MockStream) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isActive = false
	return nil
}

// Close closes the mock stream and unblocks any pending Read or Write.
func (m *MockStream) Close() error {
	m.mu.Lock()
	if !m.isOpen {
		m.mu.Unlock()
		return nil
	}
	m.isOpen = false
	m.isActive = false
	close(m.closed)
	m.mu.Unlock()

	m.backend.forget(m.id)
	return nil
}

// Write records data as played and blocks for its duration when real timing
// is simulated.
func (m *MockStream) Write(data []float32) error {
	m.mu.Lock()
	if m.writeError != nil {
		m.mu.Unlock()
		return m.writeError
	}
	if !m.isOpen {
		m.mu.Unlock()
		return errMockStreamClosed
	}
	if m.isInput {
		m.mu.Unlock()
		return fmt.Errorf("cannot write to input stream")
	}
	realTime := m.simulateRealTiming
	m.mu.Unlock()

	dataCopy := make([]float32, len(data))
	copy(dataCopy, data)

	m.backend.mu.Lock()
	m.backend.playbackAudioData = append(m.backend.playbackAudioData, dataCopy)
	m.backend.mu.Unlock()

	if realTime {
		return m.wait(len(data))
	}
	return nil
}

// Read fills data from the configured generator, or a quiet 440 Hz tone, and
// blocks for the duration of one buffer when real timing is simulated.
func (m *MockStream) Read(data []float32) error {
	m.mu.Lock()
	if m.readError != nil {
		m.mu.Unlock()
		return m.readError
	}
	if !m.isOpen {
		m.mu.Unlock()
		return errMockStreamClosed
	}
	if !m.isInput {
		m.mu.Unlock()
		return fmt.Errorf("cannot read from output stream")
	}
	realTime := m.simulateRealTiming

	if m.generator != nil {
		m.generator(data)
	} else {
		step := 2 * math.Pi * 440 / m.sampleRate
		for i := range data {
			data[i] = float32(0.1 * math.Sin(m.phase))
			m.phase += step
		}
	}
	m.mu.Unlock()

	dataCopy := make([]float32, len(data))
	copy(dataCopy, data)

	m.backend.mu.Lock()
	m.backend.recordedAudioData = append(m.backend.recordedAudioData, dataCopy)
	m.backend.mu.Unlock()

	if realTime {
		return m.wait(len(data))
	}
	return nil
}

func (m *MockStream) wait(samples int) error {
	frames := samples / max(m.channels, 1)
	duration := time.Duration(float64(frames) / m.sampleRate * float64(time.Second))
	select {
	case <-time.After(duration):
		return nil
	case <-m.closed:
		return errMockStreamClosed
	}
}

// IsActive returns true if the mock stream is active
func (m *MockStream) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isActive
}

// Compile-time interface assertions.
var (
	_ AudioBackend    = (*MockAudioBackend)(nil)
	_ StreamInterface = (*MockStream)(nil)
	_ AudioBackend    = (*PortAudioBackend)(nil)
	_ StreamInterface = (*PortAudioStream)(nil)
)
