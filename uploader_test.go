package smp

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fsServer is a synthetic FS-upload device: it tracks the highest
// contiguous offset it has accepted and replies with that as `off`. Tests
// drive its ack behavior through ackFn to simulate drops/resync.
type fsServer struct {
	mu       sync.Mutex
	received []byte
	ackFn    func(off uint32, data []byte, naturalNext uint32) uint32
}

func (s *fsServer) handle(ctx context.Context, raw []byte) ([]byte, error) {
	frame, err := DecodeFrame(raw)
	if err != nil {
		return nil, err
	}

	var off uint32
	var data []byte

	var cont fsWriteContChunk
	if err := DecodeCBOR(frame.Payload, &cont); err == nil && cont.Off != 0 {
		off = cont.Off
		data = cont.Data
	} else {
		var first fsWriteFirstChunk
		if err := DecodeCBOR(frame.Payload, &first); err != nil {
			return nil, err
		}
		off = first.Off
		data = first.Data
	}

	s.mu.Lock()
	if int(off) <= len(s.received) {
		needed := int(off) + len(data)
		if needed > len(s.received) {
			grown := make([]byte, needed)
			copy(grown, s.received)
			s.received = grown
		}
		copy(s.received[off:], data)
	}
	naturalNext := uint32(len(s.received))
	s.mu.Unlock()

	next := naturalNext
	if s.ackFn != nil {
		next = s.ackFn(off, data, naturalNext)
	}

	resp, err := EncodeFrame(Header{
		Op: OpWriteResp, Group: frame.Header.Group, ID: frame.Header.ID, Sequence: frame.Header.Sequence,
	}, ackResponsePayload{Off: &next})
	if err != nil {
		return nil, err
	}

	return resp, nil
}

func TestWindowedUploadBasic(t *testing.T) {
	data := make([]byte, 1024)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("gen data: %s", err)
	}

	srv := &fsServer{}
	tr := newMemTransport(srv.handle)
	client := Open(tr)
	defer client.Close()

	var progress []float64
	var progressMu sync.Mutex

	err := client.UploadData(context.Background(), UploadDataParams{
		DevicePath: "/lfs/img.bin",
		Data:       data,
		MaxBuffer:  256 + 64, // leaves 273 data bytes in the first chunk, 278 in later ones
		Options: []UploadOption{
			WithWindow(3),
			WithProgress(func(f float64) {
				progressMu.Lock()
				progress = append(progress, f)
				progressMu.Unlock()
			}),
		},
	})
	if err != nil {
		t.Fatalf("upload: %s", err)
	}

	srv.mu.Lock()
	got := srv.received
	srv.mu.Unlock()

	if !bytes.Equal(got, data) {
		t.Fatalf("uploaded data mismatch: got %d bytes, want %d", len(got), len(data))
	}

	progressMu.Lock()
	defer progressMu.Unlock()
	if len(progress) == 0 {
		t.Fatal("expected at least one progress callback")
	}
	last := -1.0
	for _, f := range progress {
		if f < last {
			t.Fatalf("progress went backwards: %v", progress)
		}
		last = f
	}
	if progress[len(progress)-1] != 1.0 {
		t.Fatalf("final progress %v, want 1.0", progress[len(progress)-1])
	}
}

func TestWindowedUploadResyncOnSkippedAck(t *testing.T) {
	data := make([]byte, 1024)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("gen data: %s", err)
	}

	var acked atomic.Int32

	srv := &fsServer{
		ackFn: func(off uint32, chunkData []byte, naturalNext uint32) uint32 {
			n := acked.Add(1)
			if n == 2 {
				// Report an offset that is not the end of any chunk
				// in flight (chunk boundaries are 0, 273, 551, 829):
				// the device's expected offset diverges from the
				// uploader's queue, which must drop queued chunks and
				// re-send from 512.
				return 512
			}
			return naturalNext
		},
	}
	tr := newMemTransport(srv.handle)
	client := Open(tr)
	defer client.Close()

	err := client.UploadData(context.Background(), UploadDataParams{
		DevicePath: "/lfs/img.bin",
		Data:       data,
		MaxBuffer:  256 + 64,
		Options:    []UploadOption{WithWindow(3)},
	})
	if err != nil {
		t.Fatalf("upload: %s", err)
	}
}

func TestWindowedUploadBufferTooSmall(t *testing.T) {
	data := []byte("some data")

	tr := newMemTransport(func(ctx context.Context, raw []byte) ([]byte, error) {
		t.Fatal("should never send a request when the buffer is too small")
		return nil, nil
	})
	client := Open(tr)
	defer client.Close()

	err := client.UploadData(context.Background(), UploadDataParams{
		DevicePath: "/lfs/img.bin",
		Data:       data,
		MaxBuffer:  8, // smaller than header + map framing + field overhead
	})

	var tooSmall *BufferTooSmallError
	if !errors.As(err, &tooSmall) {
		t.Fatalf("expected BufferTooSmallError, got %v", err)
	}
}

func TestWindowedUploadAbortsOnChunkError(t *testing.T) {
	data := make([]byte, 512)

	var calls atomic.Int32
	failErr := errors.New("device rejected chunk")

	tr := newMemTransport(func(ctx context.Context, raw []byte) ([]byte, error) {
		if calls.Add(1) == 2 {
			return nil, failErr
		}

		frame, _ := DecodeFrame(raw)
		var first fsWriteFirstChunk
		_ = DecodeCBOR(frame.Payload, &first)
		next := uint32(len(first.Data))
		resp, _ := EncodeFrame(Header{Op: OpWriteResp, Group: frame.Header.Group, ID: frame.Header.ID, Sequence: frame.Header.Sequence}, ackResponsePayload{Off: &next})
		return resp, nil
	})
	client := Open(tr)
	defer client.Close()

	err := client.UploadData(context.Background(), UploadDataParams{
		DevicePath: "/lfs/img.bin",
		Data:       data,
		MaxBuffer:  64,
		Options:    []UploadOption{WithWindow(4)},
	})
	if err == nil {
		t.Fatal("expected upload to fail")
	}
}

func TestWindowedUploadRespectsWindowBound(t *testing.T) {
	data := make([]byte, 2048)

	var inFlight atomic.Int32
	var maxSeen atomic.Int32
	release := make(chan struct{})

	tr := newMemTransport(func(ctx context.Context, raw []byte) ([]byte, error) {
		n := inFlight.Add(1)
		for {
			cur := maxSeen.Load()
			if n <= cur || maxSeen.CompareAndSwap(cur, n) {
				break
			}
		}

		<-release

		frame, _ := DecodeFrame(raw)
		var off uint32
		var dataLen int
		var first fsWriteFirstChunk
		if err := DecodeCBOR(frame.Payload, &first); err == nil && first.Len > 0 {
			off, dataLen = first.Off, len(first.Data)
		} else {
			var cont fsWriteContChunk
			_ = DecodeCBOR(frame.Payload, &cont)
			off, dataLen = cont.Off, len(cont.Data)
		}

		inFlight.Add(-1)

		next := off + uint32(dataLen)
		resp, _ := EncodeFrame(Header{Op: OpWriteResp, Group: frame.Header.Group, ID: frame.Header.ID, Sequence: frame.Header.Sequence}, ackResponsePayload{Off: &next})
		return resp, nil
	})
	client := Open(tr)
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		done <- client.UploadData(context.Background(), UploadDataParams{
			DevicePath: "/lfs/img.bin",
			Data:       data,
			MaxBuffer:  64,
			Options:    []UploadOption{WithWindow(4)},
		})
	}()

	time.Sleep(100 * time.Millisecond)
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("upload: %s", err)
	}

	if maxSeen.Load() > 4 {
		t.Fatalf("observed %d in-flight chunks, want <= 4", maxSeen.Load())
	}
}

func TestWindowedUploadChunkSizeCap(t *testing.T) {
	data := make([]byte, 300)

	var maxChunk int
	var maxMu sync.Mutex

	tr := newMemTransport(func(ctx context.Context, raw []byte) ([]byte, error) {
		frame, err := DecodeFrame(raw)
		if err != nil {
			return nil, err
		}

		var off uint32
		var chunkData []byte

		var first fsWriteFirstChunk
		if err := DecodeCBOR(frame.Payload, &first); err == nil && first.Len > 0 {
			off, chunkData = first.Off, first.Data
		} else {
			var cont fsWriteContChunk
			if err := DecodeCBOR(frame.Payload, &cont); err != nil {
				return nil, err
			}
			off, chunkData = cont.Off, cont.Data
		}

		maxMu.Lock()
		if len(chunkData) > maxChunk {
			maxChunk = len(chunkData)
		}
		maxMu.Unlock()

		next := off + uint32(len(chunkData))
		return EncodeFrame(Header{Op: OpWriteResp, Group: frame.Header.Group, ID: frame.Header.ID, Sequence: frame.Header.Sequence}, ackResponsePayload{Off: &next})
	})

	client := Open(tr)
	defer client.Close()

	// MaxBuffer alone would allow a much larger slice than 32 bytes; the
	// explicit chunk size cap must win.
	err := client.UploadData(context.Background(), UploadDataParams{
		DevicePath: "/lfs/img.bin",
		Data:       data,
		MaxBuffer:  256,
		Options:    []UploadOption{WithChunkSize(32)},
	})
	if err != nil {
		t.Fatalf("upload: %s", err)
	}

	maxMu.Lock()
	defer maxMu.Unlock()
	if maxChunk > 32 {
		t.Fatalf("observed chunk of %d bytes, want <= 32 (WithChunkSize cap)", maxChunk)
	}
}

func TestWindowedUploadRespectsUploadTimeout(t *testing.T) {
	data := make([]byte, 64)

	tr := newMemTransport(func(ctx context.Context, raw []byte) ([]byte, error) {
		return nil, nil // never respond
	})

	client := Open(tr)
	defer client.Close()

	start := time.Now()
	err := client.UploadData(context.Background(), UploadDataParams{
		DevicePath: "/lfs/img.bin",
		Data:       data,
		MaxBuffer:  64,
		Options:    []UploadOption{WithUploadTimeout(20 * time.Millisecond)},
	})
	elapsed := time.Since(start)

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if elapsed > time.Second {
		t.Fatalf("upload took %s, want close to the 20ms WithUploadTimeout", elapsed)
	}
}
