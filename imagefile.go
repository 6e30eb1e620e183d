package smp

import (
	"encoding/binary"
	"fmt"
)

const (
	imageMagic        uint32 = 0x96F3B83D
	tlvMagicUnprot    uint16 = 0x6907
	tlvMagicProt      uint16 = 0x6908
	tlvTypeSHA256     uint8  = 0x10
	imageFileHdrSize         = 32
	tlvAreaPreambleSz        = 4
)

// ImageHeader is the 32-byte MCUboot image header (§3, all fields
// little-endian).
type ImageHeader struct {
	LoadAddr   uint32
	HeaderSize uint16
	ImageSize  uint32
	Flags      uint32
	VersMajor  uint8
	VersMinor  uint8
	VersRev    uint16
	VersBuild  uint32
}

// String renders the header's version quad as "major.minor.rev+build".
func (h ImageHeader) String() string {
	return fmt.Sprintf("%d.%d.%d+%d", h.VersMajor, h.VersMinor, h.VersRev, h.VersBuild)
}

// DecodedImage is the value object returned by DecodeImage and per-entry by
// DecodeZIPPackage (§4.I).
type DecodedImage struct {
	Header  ImageHeader
	Content []byte // the raw image payload (header..header+imageSize)
	Hash    []byte // 32-byte SHA-256 from the unprotected TLV entry type=0x10
}

type tlvEntry struct {
	Type      uint8
	ValueSize uint16
	Value     []byte
}

// DecodeImage parses an MCUboot image: the 32-byte header, then one or
// more concatenated TLV areas starting at headerSize+imageSize. It fails
// with FormatError on a bad magic or a missing unprotected hash entry
// (§3 invariant, §4.I, §8 property 7).
func DecodeImage(raw []byte) (DecodedImage, error) {
	if len(raw) < imageFileHdrSize {
		return DecodedImage{}, &FormatError{What: "image shorter than header"}
	}

	magic := binary.LittleEndian.Uint32(raw[0:4])
	if magic != imageMagic {
		return DecodedImage{}, &FormatError{What: "bad image magic"}
	}

	hdr := ImageHeader{
		LoadAddr:   binary.LittleEndian.Uint32(raw[4:8]),
		HeaderSize: binary.LittleEndian.Uint16(raw[8:10]),
		// raw[10:12] reserved
		ImageSize: binary.LittleEndian.Uint32(raw[12:16]),
		Flags:     binary.LittleEndian.Uint32(raw[16:20]),
		VersMajor: raw[20],
		VersMinor: raw[21],
		VersRev:   binary.LittleEndian.Uint16(raw[22:24]),
		VersBuild: binary.LittleEndian.Uint32(raw[24:28]),
		// raw[28:32] trailing reserved
	}

	tlvStart := int(hdr.HeaderSize) + int(hdr.ImageSize)
	if tlvStart > len(raw) {
		return DecodedImage{}, &FormatError{What: "tlv offset past end of buffer"}
	}

	hash, err := findHashTLV(raw[tlvStart:])
	if err != nil {
		return DecodedImage{}, err
	}

	content := raw[:tlvStart]
	if int(hdr.HeaderSize) <= len(content) {
		content = raw[hdr.HeaderSize:tlvStart]
	}

	return DecodedImage{Header: hdr, Content: content, Hash: hash}, nil
}

// findHashTLV walks one or more concatenated TLV areas and returns the
// value of the unprotected area's type=0x10 entry. At least one
// unprotected area with a 32-byte hash is required.
func findHashTLV(buf []byte) ([]byte, error) {
	var hash []byte
	var sawUnprotected bool

	for len(buf) >= tlvAreaPreambleSz {
		magic := binary.LittleEndian.Uint16(buf[0:2])
		areaLen := binary.LittleEndian.Uint16(buf[2:4])

		if magic != tlvMagicUnprot && magic != tlvMagicProt {
			break
		}
		if int(areaLen) > len(buf) || areaLen < tlvAreaPreambleSz {
			return nil, &FormatError{What: "invalid tlv area length"}
		}

		area := buf[tlvAreaPreambleSz:areaLen]
		entries, err := parseTLVEntries(area)
		if err != nil {
			return nil, err
		}

		if magic == tlvMagicUnprot {
			sawUnprotected = true
			for _, e := range entries {
				if e.Type == tlvTypeSHA256 && len(e.Value) == 32 {
					hash = e.Value
				}
			}
		}

		buf = buf[areaLen:]
	}

	if !sawUnprotected || hash == nil {
		return nil, &FormatError{What: "missing unprotected sha-256 tlv entry"}
	}

	return hash, nil
}

func parseTLVEntries(buf []byte) ([]tlvEntry, error) {
	var entries []tlvEntry

	for len(buf) >= 4 {
		typ := buf[0]
		// buf[1] reserved
		length := binary.LittleEndian.Uint16(buf[2:4])

		end := 4 + int(length)
		if end > len(buf) {
			return nil, &FormatError{What: "tlv entry length exceeds area"}
		}

		entries = append(entries, tlvEntry{Type: typ, ValueSize: length, Value: buf[4:end]})
		buf = buf[end:]
	}

	return entries, nil
}
