package smp

// Payload shapes for the OS (group 0), Image (group 1), and FS (group 8)
// commands this client speaks. Field names follow the CBOR map keys named
// in the data model: data, off, len, sha, image, hash, confirm, name, r, d,
// rc, buf_size, buf_count, images, splitStatus, slot, version, bootable,
// pending, confirmed, active, permanent.

func rcError(rc *int) error {
	if rc == nil || *rc == 0 {
		return nil
	}
	return &DeviceError{Rc: *rc}
}

// --- OS group (0) ---

type echoRequest struct {
	D string `cbor:"d"`
}

type echoResponse struct {
	R  string `cbor:"r"`
	Rc *int   `cbor:"rc,omitempty"`
}

type resetRequest struct{}

type resetResponse struct {
	Rc *int `cbor:"rc,omitempty"`
}

type paramsResponse struct {
	BufSize  int  `cbor:"buf_size,omitempty"`
	BufCount int  `cbor:"buf_count,omitempty"`
	Rc       *int `cbor:"rc,omitempty"`
}

// BufferParams describes the device's negotiated MCUmgr buffer. When a
// device doesn't implement the params query, callers fall back to
// DefaultBufferParams.
type BufferParams struct {
	BufSize  int
	BufCount int
}

// DefaultBufferParams is used when Client.Params fails (§4.D).
var DefaultBufferParams = BufferParams{BufSize: 20, BufCount: 1}

// --- Image group (1) ---

// ImageInfo is one entry of the device's image-slot table.
type ImageInfo struct {
	Slot      int    `cbor:"slot"`
	Version   string `cbor:"version"`
	Hash      []byte `cbor:"hash,omitempty"`
	Bootable  *bool  `cbor:"bootable,omitempty"`
	Pending   *bool  `cbor:"pending,omitempty"`
	Confirmed *bool  `cbor:"confirmed,omitempty"`
	Active    *bool  `cbor:"active,omitempty"`
	Permanent *bool  `cbor:"permanent,omitempty"`
}

// ImageState is the decoded response of readImageState/setPendingImage.
type ImageState struct {
	SplitStatus int
	Images      []ImageInfo
}

type imageStateRequest struct{}

type imageStateResponse struct {
	Images      []ImageInfo `cbor:"images"`
	SplitStatus int         `cbor:"splitStatus,omitempty"`
	Rc          *int        `cbor:"rc,omitempty"`
}

func (r imageStateResponse) toImageState() ImageState {
	return ImageState{SplitStatus: r.SplitStatus, Images: r.Images}
}

type setPendingImageRequest struct {
	Hash    []byte `cbor:"hash,omitempty"`
	Confirm bool   `cbor:"confirm"`
}

type imageEraseRequest struct{}

type imageEraseResponse struct {
	Rc *int `cbor:"rc,omitempty"`
}

// imageUploadFirstChunk is the payload of the first image-upload frame,
// which carries the whole-image metadata in addition to the first slice of
// data (§4.E).
type imageUploadFirstChunk struct {
	Image uint32 `cbor:"image"`
	Len   uint32 `cbor:"len"`
	Off   uint32 `cbor:"off"`
	SHA   []byte `cbor:"sha"`
	Data  []byte `cbor:"data"`
}

// imageUploadContChunk is the payload of every subsequent image-upload
// frame.
type imageUploadContChunk struct {
	Off  uint32 `cbor:"off"`
	Data []byte `cbor:"data"`
}

// --- FS group (8) ---

type fsReadChunkRequest struct {
	Off  uint32 `cbor:"off"`
	Name string `cbor:"name"`
}

type fsReadChunkResponse struct {
	Off  uint32  `cbor:"off"`
	Data []byte  `cbor:"data"`
	Len  *uint32 `cbor:"len,omitempty"`
	Rc   *int    `cbor:"rc,omitempty"`
}

type fsWriteFirstChunk struct {
	Name string `cbor:"name"`
	Data []byte `cbor:"data"`
	Len  uint32 `cbor:"len"`
	Off  uint32 `cbor:"off"`
}

type fsWriteContChunk struct {
	Name string `cbor:"name"`
	Data []byte `cbor:"data"`
	Off  uint32 `cbor:"off"`
}

