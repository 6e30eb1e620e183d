package smp

import "encoding/binary"

// Operation codes for the 8-bit op header field.
const (
	OpReadRequest  uint8 = 0
	OpReadResponse uint8 = 1
	OpWriteRequest uint8 = 2
	OpWriteResp    uint8 = 3
)

// Group IDs dispatched by this client.
const (
	GroupOS    uint16 = 0
	GroupImage uint16 = 1
	GroupFS    uint16 = 8
)

const headerSize = 8

// Header is the 8-byte SMP frame header: op, flags, payload length, group,
// sequence, and command id, all big-endian on the wire.
type Header struct {
	Op       uint8
	Flags    uint8
	Length   uint16
	Group    uint16
	Sequence uint8
	ID       uint8
}

// Frame is one SMP datagram: a header plus its raw CBOR payload bytes.
type Frame struct {
	Header  Header
	Payload []byte
}

// key identifies a pending request and matches it against an inbound frame.
type key struct {
	Group    uint16
	ID       uint8
	Sequence uint8
}

func (f Frame) key() key {
	return key{Group: f.Header.Group, ID: f.Header.ID, Sequence: f.Header.Sequence}
}

// encodeHeader packs h into the 8-byte wire layout described in the data
// model: op, flags, length, group, sequence, id.
func encodeHeader(h Header) []byte {
	b := make([]byte, headerSize)
	b[0] = h.Op
	b[1] = h.Flags
	binary.BigEndian.PutUint16(b[2:4], h.Length)
	binary.BigEndian.PutUint16(b[4:6], h.Group)
	b[6] = h.Sequence
	b[7] = h.ID
	return b
}

func decodeHeader(b []byte) Header {
	return Header{
		Op:       b[0],
		Flags:    b[1],
		Length:   binary.BigEndian.Uint16(b[2:4]),
		Group:    binary.BigEndian.Uint16(b[4:6]),
		Sequence: b[6],
		ID:       b[7],
	}
}
