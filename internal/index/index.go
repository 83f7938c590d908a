// Package index implements the two index-file shapes of spec.md §4.5: a
// DynamicIndex (chunker-cut, variable-size chunks keyed by end offset) and a
// FixedIndex (fixed chunk size, used for block-device images). Both share
// the Index interface so GC and restore can walk either shape without
// knowing which one they have — the concrete type is still a tagged
// variant, not type-erased, because callers that need Digest(i) need it
// cheap and without an allocation per call (spec.md §9).
package index

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"time"

	"gastrolog/internal/backuperr"
)

// DigestSize is the width, in bytes, of every chunk digest and key
// fingerprint referenced by an index.
const DigestSize = 32

// Magic values for the two index shapes, fixed by spec.md §6.1.
var (
	MagicDynamic = [8]byte{0x1C, 0x91, 0x4E, 0xA5, 0x19, 0xBA, 0xB3, 0xCD}
	MagicFixed   = [8]byte{0x2F, 0x7F, 0x41, 0xED, 0x91, 0xFD, 0x0F, 0xCD}
)

// Index is the shared read interface over a DynamicIndex or FixedIndex.
type Index interface {
	// Count returns the number of chunks in the index.
	Count() int
	// Digest returns the chunk digest at position i.
	Digest(i int) [DigestSize]byte
	// Bytes returns the total plaintext size represented by the index.
	Bytes() uint64
	// ChunkFromOffset maps a byte offset into (chunk index, offset within
	// that chunk). ok is false if offset is past the end of the stream.
	ChunkFromOffset(offset uint64) (chunkIndex int, offsetInChunk uint64, ok bool)
	// ComputeCsum recomputes the running checksum over every record exactly
	// as it would have been computed at write time, returning the digest
	// and the total byte count covered. indexKey must be the same key (or
	// nil, for an unencrypted datastore) used when the index was written.
	ComputeCsum(indexKey *[32]byte) (csum [32]byte, bytes uint64)
	// CreatedAt returns the index's recorded creation time.
	CreatedAt() time.Time
	// KeyFingerprint returns the fingerprint of the key a consumer needs to
	// decode referenced chunks, or the zero value if chunks are unencrypted.
	KeyFingerprint() [32]byte
}

// csumHasher returns a running hash.Hash for the index checksum: HMAC-SHA256
// keyed by indexKey when one is supplied (an encrypted datastore), or plain
// unkeyed SHA-256 otherwise — matching spec.md §4.5 exactly.
func csumHasher(indexKey *[32]byte) hash.Hash {
	if indexKey == nil {
		return sha256.New()
	}
	return hmac.New(sha256.New, indexKey[:])
}

// writeRecord feeds one (end_offset, digest) pair into h in the same byte
// order used on disk: 8 bytes little-endian end_offset, then the 32-byte
// digest.
func writeRecord(h hash.Hash, endOffset uint64, digest [DigestSize]byte) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], endOffset)
	h.Write(buf[:])
	h.Write(digest[:])
}

// verifyOrder checks that successive dynamic-index end offsets are strictly
// increasing. FixedIndex does not use it: its slots may be filled in any
// order.
func verifyOrder(prev, next uint64) error {
	if next <= prev {
		return backuperr.ErrBadOrder
	}
	return nil
}
