package smp

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const maxOutstanding = 256

type frameOrErr struct {
	frame Frame
	err   error
}

type pendingEntry struct {
	result chan frameOrErr
}

// Router pairs outbound requests with inbound responses by (group, id,
// sequence), across a full-duplex transport that may reorder, drop, or
// coalesce frames (§4.C). It owns the pending-request table and the
// sequence counter; both are mutated only while holding mu.
type Router struct {
	transport Transport
	logger    *slog.Logger

	mu      sync.Mutex
	nextSeq uint8
	used    map[uint8]bool
	pending map[key]*pendingEntry
	closed  bool

	recvDone chan struct{}
}

// NewRouter starts the receive loop and returns a ready Router. Closing the
// Router stops the loop and fails every pending request.
func NewRouter(transport Transport, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Router{
		transport: transport,
		logger:    logger,
		used:      make(map[uint8]bool),
		pending:   make(map[key]*pendingEntry),
		recvDone:  make(chan struct{}),
	}

	go r.receiveLoop()

	return r
}

func (r *Router) receiveLoop() {
	defer close(r.recvDone)

	for raw := range r.transport.Frames() {
		frame, err := DecodeFrame(raw)
		if err != nil {
			r.logger.Debug("discarding unparseable frame", "err", err)
			continue
		}
		r.dispatch(frame)
	}

	// The frame source closed. If it closed due to a transport failure
	// (rather than an explicit Close), fail everything still pending.
	if err := r.transport.Err(); err != nil {
		r.failAll(&TransportError{Cause: err})
	}
}

func (r *Router) dispatch(frame Frame) {
	k := frame.key()

	r.mu.Lock()
	entry, ok := r.pending[k]
	if ok {
		delete(r.pending, k)
		delete(r.used, k.Sequence)
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("discarding unmatched frame", "group", k.Group, "id", k.ID, "seq", k.Sequence)
		return
	}

	entry.result <- frameOrErr{frame: frame}
}

// Execute assigns a sequence number, writes the frame, and blocks until a
// matching response arrives, the deadline elapses, the caller's context is
// cancelled, or the router is shut down.
func (r *Router) Execute(ctx context.Context, op uint8, group uint16, id uint8, payload any, timeout time.Duration) (Frame, error) {
	corrID := uuid.New().String()

	seq, err := r.reserveSequence()
	if err != nil {
		return Frame{}, err
	}

	k := key{Group: group, ID: id, Sequence: seq}
	entry := &pendingEntry{result: make(chan frameOrErr, 1)}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.releaseSequence(seq)
		return Frame{}, &ClosedError{}
	}
	r.pending[k] = entry
	r.mu.Unlock()

	// The deadline is measured from registration, not from when the send
	// completes (§5) — a slow or blocking transport write must count
	// against the caller's timeout, not extend it.
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	raw, err := EncodeFrame(Header{Op: op, Group: group, ID: id, Sequence: seq}, payload)
	if err != nil {
		r.remove(k)
		return Frame{}, err
	}

	r.logger.Debug("sending request", "op", corrID, "group", group, "id", id, "seq", seq)

	if err := r.transport.SendFrame(ctx, raw); err != nil {
		r.remove(k)
		return Frame{}, &TransportError{Cause: err}
	}

	select {
	case res := <-entry.result:
		return res.frame, res.err
	case <-timer.C:
		r.remove(k)
		return Frame{}, &TimeoutError{Group: group, ID: id, Sequence: seq}
	case <-ctx.Done():
		r.remove(k)
		return Frame{}, ctx.Err()
	}
}

func (r *Router) reserveSequence() (uint8, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, &ClosedError{}
	}

	if len(r.used) >= maxOutstanding {
		return 0, &OverloadedError{}
	}

	seq := r.nextSeq
	for r.used[seq] {
		seq++
	}

	r.used[seq] = true
	r.nextSeq = seq + 1

	return seq, nil
}

func (r *Router) releaseSequence(seq uint8) {
	r.mu.Lock()
	delete(r.used, seq)
	r.mu.Unlock()
}

// remove drops a pending entry, e.g. after a timeout or cancellation. A
// later matching frame is silently discarded by dispatch.
func (r *Router) remove(k key) {
	r.mu.Lock()
	delete(r.pending, k)
	delete(r.used, k.Sequence)
	r.mu.Unlock()
}

func (r *Router) failAll(err error) {
	r.mu.Lock()
	r.closed = true
	pending := r.pending
	r.pending = make(map[key]*pendingEntry)
	r.used = make(map[uint8]bool)
	r.mu.Unlock()

	for _, entry := range pending {
		entry.result <- frameOrErr{err: err}
	}
}

// Close stops the receive loop and fails every outstanding request with
// ClosedError. Idempotent.
func (r *Router) Close() error {
	r.mu.Lock()
	alreadyClosed := r.closed
	r.mu.Unlock()

	if alreadyClosed {
		return nil
	}

	r.failAll(&ClosedError{})

	err := r.transport.Close()

	<-r.recvDone

	return err
}
