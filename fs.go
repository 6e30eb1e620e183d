package smp

import (
	"context"
	"time"
)

const fsCommandID uint8 = 0

// UploadDataParams configures UploadData.
type UploadDataParams struct {
	DevicePath string
	Data       []byte
	MaxBuffer  int
	Options    []UploadOption
}

// UploadData drives the windowed uploader against the filesystem group's
// write-chunk command (§4.F, §4.G). It shares its sliding-window engine
// with UploadImage.
func (c *Client) UploadData(ctx context.Context, p UploadDataParams) error {
	cfg := uploadConfig{window: 1, timeout: c.defaultTimeout}
	for _, opt := range p.Options {
		opt(&cfg)
	}

	builder := chunkBuilder{
		first: func(off uint32, data []byte) any {
			return fsWriteFirstChunk{Name: p.DevicePath, Data: data, Len: uint32(len(p.Data)), Off: 0}
		},
		cont: func(off uint32, data []byte) any {
			return fsWriteContChunk{Name: p.DevicePath, Data: data, Off: off}
		},
	}

	maxBuf := p.MaxBuffer
	if maxBuf <= 0 {
		maxBuf = DefaultBufferParams.BufSize
	}

	return windowedUpload(ctx, p.Data, maxBuf, builder, cfg, func(ctx context.Context, payload any, timeout time.Duration) (uint32, error) {
		frame, err := c.Execute(ctx, Message{Op: OpWriteRequest, Group: GroupFS, ID: fsCommandID, Payload: payload}, timeout)
		if err != nil {
			return 0, err
		}

		var resp ackResponsePayload
		if err := DecodeCBOR(frame.Payload, &resp); err != nil {
			return 0, &MalformedFrameError{Reason: err.Error()}
		}
		if err := rcError(resp.Rc); err != nil {
			return 0, err
		}
		if resp.Off == nil {
			return 0, &UnexpectedPayloadError{Field: "off"}
		}

		return *resp.Off, nil
	})
}
