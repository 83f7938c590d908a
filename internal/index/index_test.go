package index

import (
	"bytes"
	"testing"
	"time"
)

func digestOf(b byte) [DigestSize]byte {
	var d [DigestSize]byte
	d[0] = b
	return d
}

func TestDynamicIndexRoundTrip(t *testing.T) {
	idx := NewDynamicIndexBuilder(time.Unix(1700000000, 0), [32]byte{})
	offsets := []uint64{100, 250, 400}
	for i, off := range offsets {
		if err := idx.Append(off, digestOf(byte(i+1))); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	if _, err := idx.WriteTo(&buf, nil); err != nil {
		t.Fatal(err)
	}

	got, err := ReadDynamicIndex(&buf, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.Count() != 3 || got.Bytes() != 400 {
		t.Fatalf("unexpected index: count=%d bytes=%d", got.Count(), got.Bytes())
	}
	for i := range offsets {
		if got.Digest(i) != digestOf(byte(i+1)) {
			t.Fatalf("digest %d mismatch", i)
		}
	}
}

func TestDynamicIndexBadOrder(t *testing.T) {
	idx := NewDynamicIndexBuilder(time.Now(), [32]byte{})
	if err := idx.Append(100, digestOf(1)); err != nil {
		t.Fatal(err)
	}
	if err := idx.Append(100, digestOf(2)); err == nil {
		t.Fatal("expected BadOrder for non-increasing end offset")
	}
}

func TestDynamicIndexEmpty(t *testing.T) {
	idx := NewDynamicIndexBuilder(time.Unix(0, 0), [32]byte{})
	var buf bytes.Buffer
	if _, err := idx.WriteTo(&buf, nil); err != nil {
		t.Fatal(err)
	}
	got, err := ReadDynamicIndex(&buf, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.Count() != 0 {
		t.Fatalf("expected empty index, got count=%d", got.Count())
	}
}

func TestDynamicIndexTamperedCsum(t *testing.T) {
	idx := NewDynamicIndexBuilder(time.Now(), [32]byte{})
	_ = idx.Append(10, digestOf(1))

	var buf bytes.Buffer
	if _, err := idx.WriteTo(&buf, nil); err != nil {
		t.Fatal(err)
	}
	data := buf.Bytes()
	data[20] ^= 0xFF // inside the stored csum field

	if _, err := ReadDynamicIndex(bytes.NewReader(data), nil); err == nil {
		t.Fatal("expected csum verification failure")
	}
}

func TestDynamicIndexChunkFromOffset(t *testing.T) {
	idx := NewDynamicIndexBuilder(time.Now(), [32]byte{})
	_ = idx.Append(100, digestOf(1))
	_ = idx.Append(250, digestOf(2))
	_ = idx.Append(400, digestOf(3))

	cases := []struct {
		offset  uint64
		wantIdx int
		wantOff uint64
		wantOK  bool
	}{
		{0, 0, 0, true},
		{99, 0, 99, true},
		{100, 1, 0, true},
		{399, 2, 149, true},
		{400, 0, 0, false},
		{1000, 0, 0, false},
	}
	for _, c := range cases {
		gotIdx, gotOff, ok := idx.ChunkFromOffset(c.offset)
		if ok != c.wantOK || (ok && (gotIdx != c.wantIdx || gotOff != c.wantOff)) {
			t.Fatalf("offset %d: got (%d,%d,%v) want (%d,%d,%v)", c.offset, gotIdx, gotOff, ok, c.wantIdx, c.wantOff, c.wantOK)
		}
	}
}

func TestFixedIndexRoundTrip(t *testing.T) {
	const size = 5 << 20
	const chunkSize = 1 << 20
	idx := NewFixedIndex(time.Unix(1700000000, 0), [32]byte{}, size, chunkSize)
	if idx.Count() != 5 {
		t.Fatalf("expected 5 chunks, got %d", idx.Count())
	}
	for i := 0; i < idx.Count(); i++ {
		if err := idx.SetDigest(i, digestOf(byte(i+1))); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	if _, err := idx.WriteTo(&buf, nil); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFixedIndex(&buf, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.Count() != 5 || got.Bytes() != size {
		t.Fatalf("unexpected round trip: count=%d bytes=%d", got.Count(), got.Bytes())
	}

	ci, off, ok := got.ChunkFromOffset(3 * (1 << 20))
	if !ok || ci != 3 || off != 0 {
		t.Fatalf("chunk from offset: got (%d,%d,%v)", ci, off, ok)
	}
}

func TestFixedIndexTrailingShortChunk(t *testing.T) {
	const size = 5<<20 + 123
	const chunkSize = 1 << 20
	idx := NewFixedIndex(time.Now(), [32]byte{}, size, chunkSize)
	if idx.Count() != 6 {
		t.Fatalf("expected 6 chunks (5 full + short), got %d", idx.Count())
	}
}
