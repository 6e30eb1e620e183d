package smp

import (
	"context"
	"sync"
)

// memTransport is an in-memory Transport fake. It hands every encoded
// frame written via SendFrame to handle, which may synthesize a response
// frame (pushed onto frames) or an error. This is the in-memory transport
// the design notes require (§9): it satisfies the same Transport contract
// a real BLE/serial link does.
type memTransport struct {
	mu      sync.Mutex
	closed  bool
	frames  chan []byte
	err     error
	handle  func(ctx context.Context, raw []byte) ([]byte, error)
}

func newMemTransport(handle func(ctx context.Context, raw []byte) ([]byte, error)) *memTransport {
	return &memTransport{
		frames: make(chan []byte, 16),
		handle: handle,
	}
}

func (t *memTransport) SendFrame(ctx context.Context, frame []byte) error {
	resp, err := t.handle(ctx, frame)
	if err != nil {
		return err
	}
	if resp == nil {
		return nil
	}

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil
	}

	t.frames <- resp
	return nil
}

func (t *memTransport) Frames() <-chan []byte { return t.frames }

func (t *memTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *memTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	close(t.frames)
	return nil
}

// failWith makes a subsequent Frames() close report err, simulating a
// fatal transport failure rather than a clean Close.
func (t *memTransport) failWith(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.err = err
	t.mu.Unlock()

	close(t.frames)
}
