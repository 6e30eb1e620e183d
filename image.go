package smp

import (
	"context"
	"crypto/sha256"
	"time"
)

// ReadImageState reads the device's image-slot table (§4.E).
func (c *Client) ReadImageState(ctx context.Context, timeout time.Duration) (ImageState, error) {
	frame, err := c.Execute(ctx, Message{
		Op:      OpReadRequest,
		Group:   GroupImage,
		ID:      0,
		Payload: imageStateRequest{},
	}, timeout)
	if err != nil {
		return ImageState{}, err
	}

	var resp imageStateResponse
	if err := DecodeCBOR(frame.Payload, &resp); err != nil {
		return ImageState{}, &MalformedFrameError{Reason: err.Error()}
	}
	if err := rcError(resp.Rc); err != nil {
		return ImageState{}, err
	}

	return resp.toImageState(), nil
}

// SetPendingImage marks the image matching hash as pending (to be booted
// next). An empty hash means "the currently booted image" (§4.E).
func (c *Client) SetPendingImage(ctx context.Context, hash []byte, confirm bool, timeout time.Duration) (ImageState, error) {
	frame, err := c.Execute(ctx, Message{
		Op:      OpWriteRequest,
		Group:   GroupImage,
		ID:      0,
		Payload: setPendingImageRequest{Hash: hash, Confirm: confirm},
	}, timeout)
	if err != nil {
		return ImageState{}, err
	}

	var resp imageStateResponse
	if err := DecodeCBOR(frame.Payload, &resp); err != nil {
		return ImageState{}, &MalformedFrameError{Reason: err.Error()}
	}
	if err := rcError(resp.Rc); err != nil {
		return ImageState{}, err
	}

	return resp.toImageState(), nil
}

// ConfirmImageState confirms the currently booted image, i.e.
// SetPendingImage(nil, true) (§4.E).
func (c *Client) ConfirmImageState(ctx context.Context, timeout time.Duration) (ImageState, error) {
	return c.SetPendingImage(ctx, nil, true, timeout)
}

// EraseImage erases the inactive image slot (§4.E).
func (c *Client) EraseImage(ctx context.Context, timeout time.Duration) error {
	frame, err := c.Execute(ctx, Message{
		Op:      OpWriteRequest,
		Group:   GroupImage,
		ID:      5,
		Payload: imageEraseRequest{},
	}, timeout)
	if err != nil {
		return err
	}

	var resp imageEraseResponse
	if err := DecodeCBOR(frame.Payload, &resp); err != nil {
		return &MalformedFrameError{Reason: err.Error()}
	}

	return rcError(resp.Rc)
}

// UploadImageParams configures UploadImage.
type UploadImageParams struct {
	Image     uint32
	Data      []byte
	// SHA, when nil, defaults to sha256(Data) as the spec's upload `sha`
	// field (used by the device to detect an already-matching image).
	SHA       []byte
	MaxBuffer int
	Options   []UploadOption
}

// UploadImage drives the windowed uploader against the image group's
// upload command (group=1, id=1).
func (c *Client) UploadImage(ctx context.Context, p UploadImageParams) error {
	sha := p.SHA
	if sha == nil {
		sum := sha256.Sum256(p.Data)
		sha = sum[:]
	}

	cfg := uploadConfig{window: 1, timeout: c.defaultTimeout}
	for _, opt := range p.Options {
		opt(&cfg)
	}

	builder := chunkBuilder{
		first: func(off uint32, data []byte) any {
			return imageUploadFirstChunk{Image: p.Image, Len: uint32(len(p.Data)), Off: 0, SHA: sha, Data: data}
		},
		cont: func(off uint32, data []byte) any {
			return imageUploadContChunk{Off: off, Data: data}
		},
	}

	maxBuf := p.MaxBuffer
	if maxBuf <= 0 {
		maxBuf = DefaultBufferParams.BufSize
	}

	return windowedUpload(ctx, p.Data, maxBuf, builder, cfg, func(ctx context.Context, payload any, timeout time.Duration) (uint32, error) {
		frame, err := c.Execute(ctx, Message{Op: OpWriteRequest, Group: GroupImage, ID: imageUploadCommandID, Payload: payload}, timeout)
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

// imageUploadCommandID is the image group's upload chunk command id.
const imageUploadCommandID uint8 = 1
