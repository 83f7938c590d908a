// Package wire implements the multiplexed binary transport of spec.md
// §6.2: a request/response protocol over HTTP/2, one logical operation per
// request stream, msgpack-encoded frames. It is the custom wire protocol
// the core speaks — not the connectrpc/gRPC stack the teacher's log
// ingestion front-end uses, which has no role inside the backup engine
// (spec.md §1 scopes the REST/RPC front-end out as an external
// collaborator).
package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ConnectionWindowSize is the HTTP/2 connection-level flow control window,
// set near the protocol maximum so bulk chunk uploads don't stall on
// head-of-line blocking behind small metadata requests (spec.md §6.2).
const ConnectionWindowSize = 1<<31 - 1 - 1

// StreamWindowSize is the per-stream flow control window.
const StreamWindowSize = 1 << 24

// KeepAlivePeriod matches spec.md §6.2's "Keepalive: 120s".
const KeepAlivePeriod = 120

// Op names one logical operation of the session protocols (spec.md §4.8,
// §4.9). The string form is carried as the HTTP/2 request path.
type Op string

const (
	OpPrevious          Op = "previous"
	OpCreateDynamicIdx  Op = "create_dynamic_index"
	OpCreateFixedIdx    Op = "create_fixed_index"
	OpUploadChunk       Op = "upload_chunk"
	OpKnownChunk        Op = "known_chunk"
	OpDynamicAppend     Op = "dynamic_append"
	OpFixedAppend       Op = "fixed_append"
	OpCloseIndex        Op = "close_index"
	OpUploadBlob        Op = "upload_blob"
	OpFinish            Op = "finish"
	OpDownloadBlob      Op = "download_blob"
	OpDownloadIndex     Op = "download_index"
	OpDownloadChunk     Op = "download_chunk"
)

// Path renders an Op as the request path for a given session id.
func Path(sessionID string, op Op) string {
	return "/session/" + sessionID + "/" + string(op)
}

// Header carries the small, fixed-shape metadata of a request or response;
// anything bulk (chunk bytes, blob bytes) travels as the raw request or
// response body instead of being msgpack-wrapped, so large payloads are
// never fully buffered before framing.
type Header struct {
	// Digest is the chunk identity for known_chunk, dynamic_append,
	// fixed_append and download_chunk.
	Digest *[32]byte `msgpack:"digest,omitempty"`
	// Archive names the index/blob archive file for create_*_index,
	// *_append, close_index, upload_blob, download_blob, download_index.
	Archive string `msgpack:"archive,omitempty"`
	// Offset is the chunk end-offset for dynamic_append, or the chunk size
	// for create_fixed_index.
	Offset uint64 `msgpack:"offset,omitempty"`
	// Position is the fixed-index slot for fixed_append.
	Position int `msgpack:"position,omitempty"`
	// Size is the total image size for create_fixed_index.
	Size uint64 `msgpack:"size,omitempty"`
	// Csum is the caller-computed running checksum for close_index.
	Csum *[32]byte `msgpack:"csum,omitempty"`
	// Count is the chunk count for close_index.
	Count uint64 `msgpack:"count,omitempty"`
}

// Status is the wire-visible outcome of one operation, carried in the
// response trailer. Code is empty on success.
type Status struct {
	Code    string `msgpack:"code,omitempty"`
	Message string `msgpack:"message,omitempty"`
}

// OK reports whether the status represents success.
func (s Status) OK() bool { return s.Code == "" }

// EncodeHeader serializes a Header to msgpack bytes for a header-only
// frame (the wire representation of X-Pbackup-Header style metadata).
func EncodeHeader(h Header) ([]byte, error) {
	data, err := msgpack.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("wire: encode header: %w", err)
	}
	return data, nil
}

// DecodeHeader parses a msgpack-encoded Header.
func DecodeHeader(data []byte) (Header, error) {
	var h Header
	if err := msgpack.Unmarshal(data, &h); err != nil {
		return Header{}, fmt.Errorf("wire: decode header: %w", err)
	}
	return h, nil
}

// EncodeStatus serializes a Status to msgpack bytes.
func EncodeStatus(s Status) ([]byte, error) {
	data, err := msgpack.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("wire: encode status: %w", err)
	}
	return data, nil
}

// DecodeStatus parses a msgpack-encoded Status.
func DecodeStatus(data []byte) (Status, error) {
	var s Status
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return Status{}, fmt.Errorf("wire: decode status: %w", err)
	}
	return s, nil
}
