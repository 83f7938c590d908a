package index

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"gastrolog/internal/backuperr"
)

// fixedHeaderSize is magic(8) + ctime(8) + size(8) + chunkSize(8) +
// csum(32) + fingerprint(32) + reserved(8), per spec.md §4.5.
const fixedHeaderSize = 8 + 8 + 8 + 8 + 32 + 32 + 8

// FixedIndex describes a fixed-chunk-size image: total size and chunk size
// are declared once in the header, and the body is simply the ordered list
// of digests.
type FixedIndex struct {
	created     time.Time
	fingerprint [32]byte
	size        uint64
	chunkSize   uint64
	digests     [][DigestSize]byte
}

var _ Index = (*FixedIndex)(nil)

// NewFixedIndex allocates a FixedIndex for an image of the given size and
// chunk size. The digest slots start zeroed; callers fill them with
// SetDigest in any position order (the server accepts out-of-order
// fixed_append calls, unlike dynamic_append).
func NewFixedIndex(created time.Time, fingerprint [32]byte, size, chunkSize uint64) *FixedIndex {
	count := int((size + chunkSize - 1) / chunkSize)
	if size == 0 {
		count = 0
	}
	return &FixedIndex{
		created:     created,
		fingerprint: fingerprint,
		size:        size,
		chunkSize:   chunkSize,
		digests:     make([][DigestSize]byte, count),
	}
}

// SetDigest assigns the digest for chunk position pos.
func (f *FixedIndex) SetDigest(pos int, digest [DigestSize]byte) error {
	if pos < 0 || pos >= len(f.digests) {
		return backuperr.ErrOutOfBounds
	}
	f.digests[pos] = digest
	return nil
}

func (f *FixedIndex) Count() int { return len(f.digests) }

func (f *FixedIndex) Digest(i int) [DigestSize]byte { return f.digests[i] }

func (f *FixedIndex) Bytes() uint64 { return f.size }

func (f *FixedIndex) ChunkSize() uint64 { return f.chunkSize }

func (f *FixedIndex) CreatedAt() time.Time { return f.created }

func (f *FixedIndex) KeyFingerprint() [32]byte { return f.fingerprint }

// ChunkFromOffset divides offset by the fixed chunk size, clamping at EOF.
func (f *FixedIndex) ChunkFromOffset(offset uint64) (int, uint64, bool) {
	if offset >= f.size {
		return 0, 0, false
	}
	return int(offset / f.chunkSize), offset % f.chunkSize, true
}

// ComputeCsum recomputes the running checksum the same way a DynamicIndex
// does, over synthetic (end_offset, digest) records derived from the fixed
// chunk size — this keeps close-index verification (spec.md §4.8 invariant
// 5) identical across both index shapes from the caller's point of view.
func (f *FixedIndex) ComputeCsum(indexKey *[32]byte) ([32]byte, uint64) {
	h := csumHasher(indexKey)
	var end uint64
	for _, d := range f.digests {
		end = min(end+f.chunkSize, f.size)
		writeRecord(h, end, d)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, f.size
}

// WriteTo serializes the FixedIndex to w.
func (f *FixedIndex) WriteTo(w io.Writer, indexKey *[32]byte) (int64, error) {
	csum, _ := f.ComputeCsum(indexKey)

	header := make([]byte, fixedHeaderSize)
	copy(header[0:8], MagicFixed[:])
	binary.LittleEndian.PutUint64(header[8:16], uint64(f.created.Unix()))
	binary.LittleEndian.PutUint64(header[16:24], f.size)
	binary.LittleEndian.PutUint64(header[24:32], f.chunkSize)
	copy(header[32:64], csum[:])
	copy(header[64:96], f.fingerprint[:])

	n, err := w.Write(header)
	total := int64(n)
	if err != nil {
		return total, err
	}

	buf := make([]byte, DigestSize*len(f.digests))
	for i, d := range f.digests {
		copy(buf[i*DigestSize:], d[:])
	}
	n, err = w.Write(buf)
	total += int64(n)
	return total, err
}

// ReadFixedIndex parses a FixedIndex previously written by WriteTo. If
// indexKey is non-nil, the on-disk checksum is verified against the keyed
// recomputation; otherwise it is verified unkeyed.
func ReadFixedIndex(r io.Reader, indexKey *[32]byte) (*FixedIndex, error) {
	f, storedCsum, err := parseFixedIndex(r)
	if err != nil {
		return nil, err
	}
	got, _ := f.ComputeCsum(indexKey)
	if got != storedCsum {
		return nil, backuperr.ErrBadCsum
	}
	return f, nil
}

// ReadFixedIndexUnverified parses a FixedIndex without checking its on-disk
// checksum against any key, for the same reasons ReadDynamicIndexUnverified
// exists: GC's mark phase and a reader session's download_index
// authorization both need the digest set independent of key material
// (spec.md §8 scenario S4).
func ReadFixedIndexUnverified(r io.Reader) (*FixedIndex, error) {
	f, _, err := parseFixedIndex(r)
	return f, err
}

func parseFixedIndex(r io.Reader) (*FixedIndex, [32]byte, error) {
	var storedCsum [32]byte
	header := make([]byte, fixedHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, storedCsum, fmt.Errorf("fixed index: read header: %w", err)
	}
	if string(header[0:8]) != string(MagicFixed[:]) {
		return nil, storedCsum, backuperr.ErrBadMagic
	}
	created := time.Unix(int64(binary.LittleEndian.Uint64(header[8:16])), 0).UTC()
	size := binary.LittleEndian.Uint64(header[16:24])
	chunkSize := binary.LittleEndian.Uint64(header[24:32])
	var fingerprint [32]byte
	copy(storedCsum[:], header[32:64])
	copy(fingerprint[:], header[64:96])

	f := NewFixedIndex(created, fingerprint, size, chunkSize)

	buf := make([]byte, DigestSize*len(f.digests))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, storedCsum, fmt.Errorf("fixed index: read digests: %w", err)
	}
	for i := range f.digests {
		copy(f.digests[i][:], buf[i*DigestSize:])
	}
	return f, storedCsum, nil
}
