package smp

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode does not sort map keys on encode: struct payloads are written in
// field declaration order, Go map payloads in map iteration order. The
// device does not require canonical CBOR, only that decode tolerate any
// order (§4.A).
var encMode, _ = cbor.EncOptions{Sort: cbor.SortNone}.EncMode()

// decMode decodes CBOR maps held in an interface value as map[string]any,
// so string-keyed maps nested inside a payload decode to the same type
// they were encoded from.
var decMode, _ = cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()

// EncodeCBOR encodes a Go value (typically a struct with `cbor` tags, or a
// map[string]any) into its canonical-enough CBOR map representation.
func EncodeCBOR(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode cbor: %w", err)
	}
	return b, nil
}

// DecodeCBOR decodes a CBOR payload into v.
func DecodeCBOR(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode cbor: %w", err)
	}
	return nil
}

// EncodeFrame builds the wire bytes for one SMP frame: the 8-byte header
// followed by the CBOR encoding of payload. length is always set to the
// exact encoded payload size (§4.A invariant).
func EncodeFrame(h Header, payload any) ([]byte, error) {
	body, err := EncodeCBOR(payload)
	if err != nil {
		return nil, err
	}

	h.Length = uint16(len(body))

	out := make([]byte, 0, headerSize+len(body))
	out = append(out, encodeHeader(h)...)
	out = append(out, body...)

	return out, nil
}

// DecodeFrame parses raw wire bytes into a Frame. It rejects frames whose
// declared header length does not match the tail size.
func DecodeFrame(raw []byte) (Frame, error) {
	if len(raw) < headerSize {
		return Frame{}, &MalformedFrameError{Reason: fmt.Sprintf("frame too short: %d bytes", len(raw))}
	}

	h := decodeHeader(raw[:headerSize])
	tail := raw[headerSize:]

	if int(h.Length) != len(tail) {
		return Frame{}, &MalformedFrameError{
			Reason: fmt.Sprintf("declared length %d does not match payload size %d", h.Length, len(tail)),
		}
	}

	return Frame{Header: h, Payload: tail}, nil
}

// cborOverhead returns the byte size of the CBOR encoding of payload. It is
// used by the windowed uploader to compute how much of the MTU budget is
// left for the `data` slice once every other field of a chunk has been
// accounted for (§4.G dynamic payload sizing).
func cborOverhead(payload any) (int, error) {
	b, err := EncodeCBOR(payload)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}
