package smp

import (
	"context"
	"errors"
	"time"
)

// Echo sends msgStr to the device's OS echo command and returns whatever
// the device echoes back (§4.D).
func (c *Client) Echo(ctx context.Context, msgStr string, timeout time.Duration) (string, error) {
	frame, err := c.Execute(ctx, Message{
		Op:      OpWriteRequest,
		Group:   GroupOS,
		ID:      0,
		Payload: echoRequest{D: msgStr},
	}, timeout)
	if err != nil {
		return "", err
	}

	var resp echoResponse
	if err := DecodeCBOR(frame.Payload, &resp); err != nil {
		return "", &MalformedFrameError{Reason: err.Error()}
	}
	if err := rcError(resp.Rc); err != nil {
		return "", err
	}

	return resp.R, nil
}

// Reset asks the device to reboot. The device commonly disconnects before
// sending a response; the router surfaces that as TransportError, which
// callers of Reset should treat as expected rather than fatal (§4.D, §7).
func (c *Client) Reset(ctx context.Context, timeout time.Duration) error {
	frame, err := c.Execute(ctx, Message{
		Op:      OpWriteRequest,
		Group:   GroupOS,
		ID:      5,
		Payload: resetRequest{},
	}, timeout)

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return err
	}
	if err != nil {
		return err
	}

	var resp resetResponse
	if err := DecodeCBOR(frame.Payload, &resp); err != nil {
		return &MalformedFrameError{Reason: err.Error()}
	}

	return rcError(resp.Rc)
}

// Params reads the device's MCUmgr buffer parameters. Devices that don't
// implement this command respond with a non-zero rc; callers should treat
// that failure by falling back to DefaultBufferParams (§4.D, scenario S2).
func (c *Client) Params(ctx context.Context, timeout time.Duration) (BufferParams, error) {
	frame, err := c.Execute(ctx, Message{
		Op:    OpReadRequest,
		Group: GroupOS,
		ID:    6,
	}, timeout)
	if err != nil {
		return BufferParams{}, err
	}

	var resp paramsResponse
	if err := DecodeCBOR(frame.Payload, &resp); err != nil {
		return BufferParams{}, &MalformedFrameError{Reason: err.Error()}
	}
	if err := rcError(resp.Rc); err != nil {
		return BufferParams{}, err
	}

	return BufferParams{BufSize: resp.BufSize, BufCount: resp.BufCount}, nil
}
