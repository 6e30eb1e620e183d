package smp

import (
	"context"
	"time"
)

// chunkBuilder produces the CBOR payload for one chunk request at the
// given offset, carrying data as its data slice. first is used whenever
// offset == 0 (including on re-sends of the leading chunk after a resync);
// cont is used for every other offset (§4.E, §4.F, §9 design note: the
// engine is parameterized over first/continuation payload builders).
type chunkBuilder struct {
	first func(off uint32, data []byte) any
	cont  func(off uint32, data []byte) any
}

func (b chunkBuilder) build(off uint32, data []byte) any {
	if off == 0 {
		return b.first(off, data)
	}
	return b.cont(off, data)
}

// ackResponsePayload is the shared wire shape of an image-upload or
// fs-write-chunk response: a next-offset and an optional rc.
type ackResponsePayload struct {
	Off *uint32 `cbor:"off,omitempty"`
	Rc  *int    `cbor:"rc,omitempty"`
}

type uploadConfig struct {
	window    int
	chunkSize int
	timeout   time.Duration
	onProgress func(float64)
}

// UploadOption tunes a windowed upload (§6 upload_image / upload_data).
type UploadOption func(*uploadConfig)

// WithWindow sets the maximum number of in-flight chunks. Default 1
// (sequential).
func WithWindow(n int) UploadOption {
	return func(c *uploadConfig) {
		if n > 0 {
			c.window = n
		}
	}
}

// WithUploadTimeout overrides the per-chunk request timeout. Default: the
// client's default timeout (5s unless set with WithDefaultTimeout).
func WithUploadTimeout(d time.Duration) UploadOption {
	return func(c *uploadConfig) { c.timeout = d }
}

// WithChunkSize caps each chunk's data size below whatever the MTU budget
// would otherwise allow. Zero (the default) means "use the full budget".
func WithChunkSize(n int) UploadOption {
	return func(c *uploadConfig) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithProgress registers a callback invoked after an acknowledged chunk
// whenever the acknowledged fraction in [0,1] is larger than every value
// reported before, so reported values only increase. Acks that do not
// raise it, and acks for chunks already dropped from the window, are not
// reported.
func WithProgress(fn func(fraction float64)) UploadOption {
	return func(c *uploadConfig) { c.onProgress = fn }
}

// chunk is one in-flight slice of the upload, tracked by the sliding
// window in ascending, non-overlapping order (§4.G invariants).
type chunk struct {
	offset, end uint32
}

type chunkAck struct {
	chunk      chunk
	nextOffset uint32
	err        error
}

// windowedUpload drives the sliding-window chunking engine shared by image
// upload and filesystem upload (§4.G, §9 "shared chunking engine"). execOp
// sends one chunk request and returns the device's next-expected offset.
func windowedUpload(
	ctx context.Context,
	data []byte,
	maxBufSize int,
	builder chunkBuilder,
	cfg uploadConfig,
	execOp func(ctx context.Context, payload any, timeout time.Duration) (uint32, error),
) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dataLen := uint32(len(data))
	acks := make(chan chunkAck, cfg.window)

	var pending []chunk
	var resumeOffset uint32
	var lastProgress float64 = -1

	sliceFor := func(off uint32) ([]byte, error) {
		remaining := data[off:]

		sample := builder.build(off, []byte{})
		overhead, err := cborOverhead(sample)
		if err != nil {
			return nil, err
		}

		budget := maxBufSize - headerSize - 2 - overhead
		if budget <= 0 {
			return nil, &BufferTooSmallError{Overhead: overhead, Budget: budget}
		}

		if cfg.chunkSize > 0 && cfg.chunkSize < budget {
			budget = cfg.chunkSize
		}
		if budget > len(remaining) {
			budget = len(remaining)
		}

		return remaining[:budget], nil
	}

	refill := func() error {
		for len(pending) < cfg.window && resumeOffset < dataLen {
			off := resumeOffset

			slice, err := sliceFor(off)
			if err != nil {
				return err
			}

			c := chunk{offset: off, end: off + uint32(len(slice))}
			pending = append(pending, c)
			resumeOffset = c.end

			payload := builder.build(c.offset, slice)

			go func(c chunk, payload any) {
				next, err := execOp(ctx, payload, cfg.timeout)
				select {
				case acks <- chunkAck{chunk: c, nextOffset: next, err: err}:
				case <-ctx.Done():
				}
			}(c, payload)
		}
		return nil
	}

	abort := func() {
		pending = nil
		cancel()
	}

	if err := refill(); err != nil {
		abort()
		return err
	}

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			abort()
			return ctx.Err()

		case res := <-acks:
			if res.err != nil {
				abort()
				return res.err
			}

			idx := -1
			for i, c := range pending {
				if c == res.chunk {
					idx = i
					break
				}
			}
			if idx == -1 {
				// Already abandoned by an earlier ack's cascade; ignore.
				continue
			}

			// Cumulative ack: drop every chunk at or before idx.
			pending = pending[idx+1:]

			// Resync: the device's expected offset diverged from our
			// queue head — its bytes were not received, drop and re-send.
			for len(pending) > 0 && pending[0].offset != res.nextOffset {
				pending = pending[1:]
			}

			if len(pending) > 0 {
				resumeOffset = pending[len(pending)-1].end
			} else {
				resumeOffset = res.nextOffset
			}

			if err := refill(); err != nil {
				abort()
				return err
			}

			fraction := float64(res.nextOffset) / float64(dataLen)
			if fraction > lastProgress {
				lastProgress = fraction
				if cfg.onProgress != nil {
					cfg.onProgress(fraction)
				}
			}

			if res.nextOffset == dataLen && len(pending) == 0 {
				return nil
			}
		}
	}

	return nil
}
