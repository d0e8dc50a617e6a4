package link

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/verbose"
)

// ErrTimeout is returned when no complete frame arrives in time
var ErrTimeout = errors.New("read timeout")

// ErrClosed is returned by operations on a closed link
var ErrClosed = errors.New("link closed")

// readChunk bounds each blocking port read so a cancelled context is
// noticed promptly.
const readChunk = 20 * time.Millisecond

// drainQuiet is how long the input must stay silent before Drain returns
const drainQuiet = 10 * time.Millisecond

// drainLimit caps the time Drain will spend discarding input
const drainLimit = 100 * time.Millisecond

// TransportError reports an open, write or read failure of the port itself.
// It is fatal to the device session.
type TransportError struct {
	Op   string
	Port string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Port, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Link is a byte channel to one device. It is not safe for concurrent use;
// the owning driver serializes access.
type Link struct {
	name string
	port Port
	buf  []byte
}

// Open opens path through factory and prepares it for chunked reads
func Open(factory PortFactory, path string, baudRate int) (*Link, error) {
	if factory == nil {
		factory = OpenSerial
	}
	port, err := factory(path, Mode(baudRate))
	if err != nil {
		return nil, &TransportError{Op: "open", Port: path, Err: err}
	}
	return New(path, port)
}

// New wraps an already open port
func New(name string, port Port) (*Link, error) {
	if err := port.SetReadTimeout(readChunk); err != nil {
		_ = port.Close()
		return nil, &TransportError{Op: "configure", Port: name, Err: err}
	}
	return &Link{name: name, port: port}, nil
}

// Name returns the port path
func (l *Link) Name() string {
	return l.name
}

// Write sends data in full
func (l *Link) Write(ctx context.Context, data []byte) error {
	if l.port == nil {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	verbose.Printf("%s TX %q", l.name, data)
	for len(data) > 0 {
		n, err := l.port.Write(data)
		if err != nil {
			return &TransportError{Op: "write", Port: l.name, Err: err}
		}
		data = data[n:]
	}
	return nil
}

// ReadFrame reads up to and including the next terminator byte. Bytes past
// the terminator are kept for the next call.
func (l *Link) ReadFrame(ctx context.Context, term byte, timeout time.Duration) ([]byte, error) {
	if l.port == nil {
		return nil, ErrClosed
	}

	deadline := time.Now().Add(timeout)
	chunk := make([]byte, 64)
	for {
		if i := bytes.IndexByte(l.buf, term); i >= 0 {
			frame := append([]byte(nil), l.buf[:i+1]...)
			l.buf = l.buf[i+1:]
			verbose.Printf("%s RX %q", l.name, frame)
			return frame, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !time.Now().Before(deadline) {
			verbose.Printf("%s RX <timeout> partial=%q", l.name, l.buf)
			return nil, ErrTimeout
		}

		n, err := l.port.Read(chunk)
		if err != nil {
			return nil, &TransportError{Op: "read", Port: l.name, Err: err}
		}
		l.buf = append(l.buf, chunk[:n]...)
	}
}

// Drain discards buffered and pending input until the line goes quiet
func (l *Link) Drain(ctx context.Context) error {
	if l.port == nil {
		return ErrClosed
	}
	l.buf = l.buf[:0]
	if err := l.port.ResetInputBuffer(); err != nil {
		return &TransportError{Op: "drain", Port: l.name, Err: err}
	}

	limit := time.Now().Add(drainLimit)
	quietSince := time.Now()
	chunk := make([]byte, 64)
	for time.Now().Before(limit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := l.port.Read(chunk)
		if err != nil {
			return &TransportError{Op: "drain", Port: l.name, Err: err}
		}
		if n > 0 {
			verbose.Printf("%s drained %q", l.name, chunk[:n])
			quietSince = time.Now()
			continue
		}
		if time.Since(quietSince) >= drainQuiet {
			return nil
		}
	}
	return nil
}

// Close releases the port. It is safe to call more than once.
func (l *Link) Close() error {
	if l.port == nil {
		return nil
	}
	err := l.port.Close()
	l.port = nil
	l.buf = nil
	if err != nil {
		return &TransportError{Op: "close", Port: l.name, Err: err}
	}
	return nil
}
