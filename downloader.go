package smp

import (
	"context"
	"io"
	"time"
)

// DownloadFileParams configures DownloadFile.
type DownloadFileParams struct {
	DevicePath string
	Sink       io.Writer
	Timeout    time.Duration
	OnProgress func(fraction float64)
}

// DownloadFile sequentially reads a device file in chunks (window of 1,
// §4.H). The first response carries the total length; the download
// completes when cumulative received bytes equal it exactly, or fails with
// Overrun if a chunk would push the total past it. There is no
// inter-chunk retry: a single chunk timeout fails the whole download.
func (c *Client) DownloadFile(ctx context.Context, p DownloadFileParams) error {
	timeout := c.timeoutOrDefault(p.Timeout)

	var off uint32
	var total uint32
	var haveTotal bool
	var received int

	for {
		frame, err := c.Execute(ctx, Message{
			Op:      OpReadRequest,
			Group:   GroupFS,
			ID:      fsCommandID,
			Payload: fsReadChunkRequest{Off: off, Name: p.DevicePath},
		}, timeout)
		if err != nil {
			return err
		}

		var resp fsReadChunkResponse
		if err := DecodeCBOR(frame.Payload, &resp); err != nil {
			return &MalformedFrameError{Reason: err.Error()}
		}
		if err := rcError(resp.Rc); err != nil {
			return err
		}

		if !haveTotal {
			if resp.Len == nil {
				return &UnexpectedPayloadError{Field: "len"}
			}
			total = *resp.Len
			haveTotal = true
		}

		if received+len(resp.Data) > int(total) {
			return &OverrunError{Received: received + len(resp.Data), Advertised: int(total)}
		}

		if _, err := p.Sink.Write(resp.Data); err != nil {
			return err
		}

		received += len(resp.Data)
		off += uint32(len(resp.Data))

		if p.OnProgress != nil && total > 0 {
			p.OnProgress(float64(received) / float64(total))
		}

		if received == int(total) {
			return nil
		}
	}
}
