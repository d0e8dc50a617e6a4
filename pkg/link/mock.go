package link

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// ErrPortClosed is returned by a closed MockPort
var ErrPortClosed = errors.New("port closed")

// MockPort implements Port in memory. Every Write is passed to the handler
// and whatever the handler returns becomes readable, which makes it usable
// both for scripted tests and as the transport of a simulated device.
type MockPort struct {
	mu          sync.Mutex
	handler     func(p []byte) []byte
	pending     []byte
	written     bytes.Buffer
	writes      [][]byte
	readTimeout time.Duration
	notify      chan struct{}
	closed      bool

	// ReadErr and WriteErr, when set, are returned by the next Read/Write
	ReadErr  error
	WriteErr error
}

// NewMockPort creates a mock port. handler may be nil for a silent device.
func NewMockPort(handler func(p []byte) []byte) *MockPort {
	return &MockPort{
		handler:     handler,
		readTimeout: readChunk,
		notify:      make(chan struct{}, 1),
	}
}

// SetHandler replaces the response handler
func (m *MockPort) SetHandler(handler func(p []byte) []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// Read returns pending bytes, or waits up to the read timeout and returns
// 0, nil like a real serial port does.
func (m *MockPort) Read(p []byte) (int, error) {
	for attempt := 0; attempt < 2; attempt++ {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return 0, ErrPortClosed
		}
		if m.ReadErr != nil {
			err := m.ReadErr
			m.ReadErr = nil
			m.mu.Unlock()
			return 0, err
		}
		if len(m.pending) > 0 {
			n := copy(p, m.pending)
			m.pending = m.pending[n:]
			m.mu.Unlock()
			return n, nil
		}
		timeout := m.readTimeout
		m.mu.Unlock()

		if attempt == 0 {
			select {
			case <-m.notify:
			case <-time.After(timeout):
				return 0, nil
			}
		}
	}
	return 0, nil
}

// Write records p and feeds it to the handler
func (m *MockPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrPortClosed
	}
	if m.WriteErr != nil {
		err := m.WriteErr
		m.WriteErr = nil
		m.mu.Unlock()
		return 0, err
	}
	data := append([]byte(nil), p...)
	m.written.Write(data)
	m.writes = append(m.writes, data)
	handler := m.handler
	m.mu.Unlock()

	if handler != nil {
		if resp := handler(data); len(resp) > 0 {
			m.Inject(resp)
		}
	}
	return len(p), nil
}

// Inject makes data readable as if the device had sent it unprompted
func (m *MockPort) Inject(data []byte) {
	m.mu.Lock()
	m.pending = append(m.pending, data...)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Written returns every byte written so far
func (m *MockPort) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.written.Bytes()...)
}

// Writes returns the individual Write calls in order
func (m *MockPort) Writes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.writes))
	for i, w := range m.writes {
		out[i] = string(w)
	}
	return out
}

// CountWrites returns how many Write calls exactly equal s
func (m *MockPort) CountWrites(s string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, w := range m.writes {
		if string(w) == s {
			n++
		}
	}
	return n
}

// SetReadTimeout implements Port
func (m *MockPort) SetReadTimeout(t time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readTimeout = t
	return nil
}

// ResetInputBuffer discards unread bytes
func (m *MockPort) ResetInputBuffer() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = nil
	return nil
}

// Close implements Port
func (m *MockPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called
func (m *MockPort) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// ScriptedHandler answers each written frame with the next scripted
// response. An empty string in the script means "no answer".
func ScriptedHandler(responses ...string) func(p []byte) []byte {
	var mu sync.Mutex
	return func(p []byte) []byte {
		mu.Lock()
		defer mu.Unlock()
		if len(responses) == 0 {
			return nil
		}
		r := responses[0]
		responses = responses[1:]
		return []byte(r)
	}
}
