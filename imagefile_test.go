package smp

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"testing"
)

// buildTestImage assembles a minimal, valid MCUboot image: a 32-byte
// header, imageSize bytes of content, and a single unprotected TLV area
// holding the content's SHA-256 (§3).
func buildTestImage(t *testing.T, content []byte, versMajor, versMinor uint8, versRev uint16, versBuild uint32) []byte {
	t.Helper()

	const headerSize = 32
	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(hdr[0:4], imageMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], 0) // load addr
	binary.LittleEndian.PutUint16(hdr[8:10], headerSize)
	// hdr[10:12] reserved
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(content)))
	binary.LittleEndian.PutUint32(hdr[16:20], 0) // flags
	hdr[20] = versMajor
	hdr[21] = versMinor
	binary.LittleEndian.PutUint16(hdr[22:24], versRev)
	binary.LittleEndian.PutUint32(hdr[24:28], versBuild)
	// hdr[28:32] reserved

	sum := sha256.Sum256(content)

	// One TLV entry: type=0x10 (sha256), reserved byte, 2-byte length, value.
	entry := make([]byte, 4+len(sum))
	entry[0] = tlvTypeSHA256
	binary.LittleEndian.PutUint16(entry[2:4], uint16(len(sum)))
	copy(entry[4:], sum[:])

	areaLen := uint16(tlvAreaPreambleSz + len(entry))
	area := make([]byte, tlvAreaPreambleSz)
	binary.LittleEndian.PutUint16(area[0:2], tlvMagicUnprot)
	binary.LittleEndian.PutUint16(area[2:4], areaLen)
	area = append(area, entry...)

	out := make([]byte, 0, len(hdr)+len(content)+len(area))
	out = append(out, hdr...)
	out = append(out, content...)
	out = append(out, area...)
	return out
}

func TestDecodeImageRoundTrip(t *testing.T) {
	content := bytes.Repeat([]byte{0x42}, 256)
	raw := buildTestImage(t, content, 1, 2, 3, 4)

	got, err := DecodeImage(raw)
	if err != nil {
		t.Fatalf("decode: %s", err)
	}

	if got.Header.String() != "1.2.3+4" {
		t.Fatalf("version string %q, want 1.2.3+4", got.Header.String())
	}
	if !bytes.Equal(got.Content, content) {
		t.Fatalf("content mismatch: got %d bytes, want %d", len(got.Content), len(content))
	}

	sum := sha256.Sum256(content)
	if !bytes.Equal(got.Hash, sum[:]) {
		t.Fatal("hash mismatch")
	}
}

func TestDecodeImageRejectsBadMagic(t *testing.T) {
	raw := buildTestImage(t, []byte("x"), 0, 0, 0, 0)
	raw[0] = 0

	_, err := DecodeImage(raw)

	var formatErr *FormatError
	if !errors.As(err, &formatErr) {
		t.Fatalf("expected FormatError, got %v", err)
	}
}

func TestDecodeImageRejectsMissingHashTLV(t *testing.T) {
	content := []byte("firmware bytes")
	raw := buildTestImage(t, content, 0, 0, 0, 0)

	// Truncate right after the header+content, dropping the TLV area entirely.
	truncated := raw[:32+len(content)]

	_, err := DecodeImage(truncated)

	var formatErr *FormatError
	if !errors.As(err, &formatErr) {
		t.Fatalf("expected FormatError, got %v", err)
	}
}

func TestDecodeImageRejectsShortBuffer(t *testing.T) {
	_, err := DecodeImage([]byte{1, 2, 3})

	var formatErr *FormatError
	if !errors.As(err, &formatErr) {
		t.Fatalf("expected FormatError, got %v", err)
	}
}

func TestDecodeImageRejectsTruncatedTLVEntry(t *testing.T) {
	content := []byte("abc")
	raw := buildTestImage(t, content, 0, 0, 0, 0)

	// Chop off the last byte of the TLV value, leaving a length field that
	// promises more than is actually present.
	raw = raw[:len(raw)-1]

	_, err := DecodeImage(raw)

	var formatErr *FormatError
	if !errors.As(err, &formatErr) {
		t.Fatalf("expected FormatError, got %v", err)
	}
}
