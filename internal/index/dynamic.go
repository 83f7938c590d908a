package index

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"time"

	"gastrolog/internal/backuperr"
)

// dynamicHeaderSize is magic(8) + ctime(8) + csum(32) + fingerprint(32) +
// reserved(8), matching spec.md §4.5.
const dynamicHeaderSize = 8 + 8 + 32 + 32 + 8

// dynamicRecordSize is end_offset(8) + digest(32).
const dynamicRecordSize = 8 + DigestSize

// DynamicRecord is one (end_offset, digest) entry of a DynamicIndex.
type DynamicRecord struct {
	EndOffset uint64
	Digest    [DigestSize]byte
}

// DynamicIndex is the ordered chunk sequence of a chunker-cut stream.
type DynamicIndex struct {
	created     time.Time
	fingerprint [32]byte
	records     []DynamicRecord
}

var _ Index = (*DynamicIndex)(nil)

// NewDynamicIndexBuilder starts an empty DynamicIndex under construction.
// created is recorded verbatim; fingerprint should be the zero value for an
// unencrypted datastore.
func NewDynamicIndexBuilder(created time.Time, fingerprint [32]byte) *DynamicIndex {
	return &DynamicIndex{created: created, fingerprint: fingerprint}
}

// Append adds one record. end offsets must be strictly increasing, per
// spec.md §4.5 and the dynamic_append invariant of §4.8.
func (d *DynamicIndex) Append(endOffset uint64, digest [DigestSize]byte) error {
	if len(d.records) > 0 {
		if err := verifyOrder(d.records[len(d.records)-1].EndOffset, endOffset); err != nil {
			return err
		}
	}
	d.records = append(d.records, DynamicRecord{EndOffset: endOffset, Digest: digest})
	return nil
}

func (d *DynamicIndex) Count() int { return len(d.records) }

func (d *DynamicIndex) Digest(i int) [DigestSize]byte { return d.records[i].Digest }

func (d *DynamicIndex) Bytes() uint64 {
	if len(d.records) == 0 {
		return 0
	}
	return d.records[len(d.records)-1].EndOffset
}

func (d *DynamicIndex) CreatedAt() time.Time { return d.created }

func (d *DynamicIndex) KeyFingerprint() [32]byte { return d.fingerprint }

// ChunkFromOffset binary-searches the end-offset table.
func (d *DynamicIndex) ChunkFromOffset(offset uint64) (int, uint64, bool) {
	if offset >= d.Bytes() {
		return 0, 0, false
	}
	i := sort.Search(len(d.records), func(i int) bool {
		return d.records[i].EndOffset > offset
	})
	var start uint64
	if i > 0 {
		start = d.records[i-1].EndOffset
	}
	return i, offset - start, true
}

// ComputeCsum recomputes the running HMAC/SHA-256 over every record, using
// indexKey if the index is associated with an encrypted datastore.
func (d *DynamicIndex) ComputeCsum(indexKey *[32]byte) ([32]byte, uint64) {
	return computeCsumRecords(d.records, indexKey)
}

func computeCsumRecords(records []DynamicRecord, indexKey *[32]byte) ([32]byte, uint64) {
	h := csumHasher(indexKey)
	for _, r := range records {
		writeRecord(h, r.EndOffset, r.Digest)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	var total uint64
	if len(records) > 0 {
		total = records[len(records)-1].EndOffset
	}
	return out, total
}

// WriteTo serializes the DynamicIndex to w in on-disk order.
func (d *DynamicIndex) WriteTo(w io.Writer, indexKey *[32]byte) (int64, error) {
	csum, _ := computeCsumRecords(d.records, indexKey)

	header := make([]byte, dynamicHeaderSize)
	copy(header[0:8], MagicDynamic[:])
	binary.LittleEndian.PutUint64(header[8:16], uint64(d.created.Unix()))
	copy(header[16:48], csum[:])
	copy(header[48:80], d.fingerprint[:])

	n, err := w.Write(header)
	total := int64(n)
	if err != nil {
		return total, err
	}

	buf := make([]byte, dynamicRecordSize)
	for _, r := range d.records {
		binary.LittleEndian.PutUint64(buf[0:8], r.EndOffset)
		copy(buf[8:], r.Digest[:])
		n, err := w.Write(buf)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ReadDynamicIndex parses a DynamicIndex previously written by WriteTo. If
// indexKey is non-nil, the on-disk checksum is verified against the keyed
// recomputation; otherwise it is verified unkeyed.
func ReadDynamicIndex(r io.Reader, indexKey *[32]byte) (*DynamicIndex, error) {
	d, storedCsum, err := parseDynamicIndex(r)
	if err != nil {
		return nil, err
	}
	got, _ := computeCsumRecords(d.records, indexKey)
	if got != storedCsum {
		return nil, backuperr.ErrBadCsum
	}
	return d, nil
}

// ReadDynamicIndexUnverified parses a DynamicIndex without checking its
// on-disk checksum against any key. Digests and offsets are still validated
// for structural well-formedness (magic, strictly increasing offsets); only
// the keyed-HMAC cross-check is skipped. This is for callers that need the
// referenced digest set regardless of which key (if any) produced it: GC's
// mark phase, which has no per-caller key at all, and a reader session's
// download_index authorization, which must not let a key mismatch hide a
// snapshot's chunks from a later download_chunk decode failure (spec.md §8
// scenario S4).
func ReadDynamicIndexUnverified(r io.Reader) (*DynamicIndex, error) {
	d, _, err := parseDynamicIndex(r)
	return d, err
}

func parseDynamicIndex(r io.Reader) (*DynamicIndex, [32]byte, error) {
	var storedCsum [32]byte
	header := make([]byte, dynamicHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, storedCsum, fmt.Errorf("dynamic index: read header: %w", err)
	}
	if string(header[0:8]) != string(MagicDynamic[:]) {
		return nil, storedCsum, backuperr.ErrBadMagic
	}
	created := time.Unix(int64(binary.LittleEndian.Uint64(header[8:16])), 0).UTC()
	var fingerprint [32]byte
	copy(storedCsum[:], header[16:48])
	copy(fingerprint[:], header[48:80])

	d := &DynamicIndex{created: created, fingerprint: fingerprint}

	buf := make([]byte, dynamicRecordSize)
	for {
		_, err := io.ReadFull(r, buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, storedCsum, fmt.Errorf("dynamic index: read record: %w", err)
		}
		var rec DynamicRecord
		rec.EndOffset = binary.LittleEndian.Uint64(buf[0:8])
		copy(rec.Digest[:], buf[8:])
		if len(d.records) > 0 && rec.EndOffset <= d.records[len(d.records)-1].EndOffset {
			return nil, storedCsum, backuperr.ErrBadOrder
		}
		d.records = append(d.records, rec)
	}
	return d, storedCsum, nil
}
