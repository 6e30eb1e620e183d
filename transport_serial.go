package smp

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/tarm/serial"
)

var _ Transport = (*SerialTransport)(nil)

// SerialTransport speaks SMP over a UART console, the other link named in
// §1 alongside BLE: one newline-terminated, base64-encoded line per frame
// in both directions. It makes no attempt to multiplex or reassemble
// fragments — callers on a real device console should pick a baud rate and
// chunk size that keep a single frame within one line.
type SerialTransport struct {
	port   io.ReadWriteCloser
	frames chan []byte

	mu     sync.Mutex
	err    error
	closed bool

	writeMu sync.Mutex
}

// NewSerialTransport opens the named serial port and starts its read loop.
func NewSerialTransport(cfg serial.Config) (*SerialTransport, error) {
	port, err := serial.OpenPort(&cfg)
	if err != nil {
		return nil, fmt.Errorf("open serial port: %w", err)
	}

	t := &SerialTransport{
		port:   port,
		frames: make(chan []byte, 16),
	}

	go t.readLoop()

	return t, nil
}

// SendFrame implements Transport: it base64-encodes frame onto a single
// newline-terminated line.
func (t *SerialTransport) SendFrame(ctx context.Context, frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	line := base64.StdEncoding.EncodeToString(frame) + "\n"
	if _, err := t.port.Write([]byte(line)); err != nil {
		return fmt.Errorf("write serial line: %w", err)
	}

	return nil
}

// Frames implements Transport.
func (t *SerialTransport) Frames() <-chan []byte { return t.frames }

// Err implements Transport.
func (t *SerialTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close implements Transport.
func (t *SerialTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	return t.port.Close()
}

func (t *SerialTransport) readLoop() {
	defer close(t.frames)

	reader := bufio.NewReader(t.port)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.mu.Lock()
			if !t.closed {
				t.err = fmt.Errorf("serial read: %w", err)
			}
			t.mu.Unlock()
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		decoded, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			continue
		}

		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}

		select {
		case t.frames <- decoded:
		default:
		}
	}
}
