package comm

import (
	"bytes"
	"errors"
	"time"

	"go.bug.st/serial"
)

var (
	// ErrClosed is returned by Transport methods once the underlying
	// port is gone.
	ErrClosed = errors.New("transport closed")
	// ErrWriteTimeout marks a write that did not complete in time. The
	// sender retries such a write exactly once.
	ErrWriteTimeout = errors.New("write timeout")
)

// Transport is the byte-oriented serial contract the session drives. Two
// implementations share it: a real serial port and the virtual printer.
// ReadLine returns one newline-terminated line, "" on a read timeout, or
// ErrClosed when the port is gone.
type Transport interface {
	ReadLine() (string, error)
	Write(p []byte) (int, error)
	SetBaudrate(baud int) error
	SetReadTimeout(d time.Duration) error
	Close() error
}

type serialTransport struct {
	port    serial.Port
	pending []byte
}

// OpenSerial opens dev at the requested baudrate with the given read
// timeout. The returned transport is owned exclusively by the session.
func OpenSerial(dev string, baud int, readTimeout time.Duration) (Transport, error) {
	port, err := serial.Open(dev, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, err
	}
	return &serialTransport{port: port}, nil
}

func (t *serialTransport) ReadLine() (string, error) {
	// A timed-out read may leave a partial line behind; keep it pending
	// so the next call can finish it.
	for {
		if idx := bytes.IndexByte(t.pending, '\n'); idx >= 0 {
			line := string(t.pending[:idx+1])
			t.pending = t.pending[idx+1:]
			return line, nil
		}
		buf := make([]byte, 128)
		n, err := t.port.Read(buf)
		if err != nil {
			return "", ErrClosed
		}
		if n == 0 {
			// Read timeout.
			return "", nil
		}
		t.pending = append(t.pending, buf[:n]...)
	}
}

func (t *serialTransport) Write(p []byte) (int, error) {
	return t.port.Write(p)
}

func (t *serialTransport) SetBaudrate(baud int) error {
	return t.port.SetMode(&serial.Mode{BaudRate: baud})
}

func (t *serialTransport) SetReadTimeout(d time.Duration) error {
	return t.port.SetReadTimeout(d)
}

func (t *serialTransport) Close() error {
	return t.port.Close()
}
