package smp

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"strconv"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// ManifestFirmwareRevision names one base firmware's revision string.
type ManifestFirmwareRevision struct {
	Revision string `json:"revision"`
}

// ManifestFirmware names the base firmware revisions a DFU package was
// built against.
type ManifestFirmware struct {
	Zephyr *ManifestFirmwareRevision `json:"zephyr,omitempty"`
	Nrf    *ManifestFirmwareRevision `json:"nrf,omitempty"`
}

// ManifestFileEntry is one `files[]` entry of manifest.json (§3 ZIP
// package).
type ManifestFileEntry struct {
	Type               string `json:"type"`
	Board              string `json:"board"`
	Soc                string `json:"soc"`
	LoadAddress        uint32 `json:"load_address"`
	ImageIndex         string `json:"image_index"`
	SlotIndexPrimary   int    `json:"slot_index_primary"`
	SlotIndexSecondary int    `json:"slot_index_secondary"`
	VersionMCUBoot     string `json:"version_MCUBOOT"`
	Size               int    `json:"size"`
	File               string `json:"file"`
	ModTime            string `json:"modtime"`
	Version            string `json:"version"`
}

// Manifest is the top-level shape of a ZIP DFU package's manifest.json.
type Manifest struct {
	FormatVersion int                `json:"format-version"`
	Time          int64              `json:"time"`
	Name          string             `json:"name"`
	Firmware      ManifestFirmware   `json:"firmware"`
	Files         []ManifestFileEntry `json:"files"`
}

// PackageImage is one decoded binary from a ZIP DFU package, carrying its
// manifest metadata alongside the decoded MCUboot image.
type PackageImage struct {
	DecodedImage
	Name  string
	Index int
	SHA   []byte // sha256 of the full binary file, used as the upload `sha`
	Entry ManifestFileEntry
}

// DecodeZIPPackage reads a ZIP DFU package: its manifest.json and, for
// every files[] entry, the named member decoded as an MCUboot image plus
// the SHA-256 of the whole binary (§3, §4.I decode_zip).
func DecodeZIPPackage(raw []byte) ([]PackageImage, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, &FormatError{What: fmt.Sprintf("not a zip archive: %s", err)}
	}

	byName := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		byName[f.Name] = f
	}

	manifestFile, ok := byName["manifest.json"]
	if !ok {
		return nil, &FormatError{What: "missing manifest.json"}
	}

	manifestBytes, err := readZipMember(manifestFile)
	if err != nil {
		return nil, &FormatError{What: fmt.Sprintf("unreadable manifest.json: %s", err)}
	}

	var manifest Manifest
	if err := jsonAPI.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, &FormatError{What: fmt.Sprintf("invalid manifest.json: %s", err)}
	}

	images := make([]PackageImage, 0, len(manifest.Files))

	for _, entry := range manifest.Files {
		member, ok := byName[entry.File]
		if !ok {
			return nil, &FormatError{What: fmt.Sprintf("missing archive member %q", entry.File)}
		}

		binData, err := readZipMember(member)
		if err != nil {
			return nil, &FormatError{What: fmt.Sprintf("unreadable member %q: %s", entry.File, err)}
		}

		decoded, err := DecodeImage(binData)
		if err != nil {
			return nil, err
		}

		sum := sha256.Sum256(binData)

		index, err := strconv.Atoi(entry.ImageIndex)
		if err != nil {
			return nil, &FormatError{What: fmt.Sprintf("invalid image_index %q", entry.ImageIndex)}
		}

		images = append(images, PackageImage{
			DecodedImage: decoded,
			Name:         manifest.Name,
			Index:        index,
			SHA:          sum[:],
			Entry:        entry,
		})
	}

	return images, nil
}

func readZipMember(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return io.ReadAll(rc)
}
