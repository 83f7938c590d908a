package chunker

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		t.Fatal(err)
	}
	return buf
}

func cutOffsets(t *testing.T, data []byte, opts Options, feedSize int) []uint64 {
	t.Helper()
	c := New(opts)
	var cuts []uint64
	start := 0
	for start < len(data) {
		end := start + feedSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[start:end]
		pos := 0
		for {
			cut := c.Scan(chunk[pos:])
			if cut == 0 {
				break
			}
			cuts = append(cuts, uint64(start+pos+cut))
			pos += cut
		}
		start = end
	}
	return cuts
}

func TestScanIsDeterministicAcrossBufferSplits(t *testing.T) {
	data := randomBytes(t, 2<<20)
	opts := Options{AvgChunkSize: 64 << 10}

	whole := cutOffsets(t, data, opts, len(data))
	byteAtATime := cutOffsets(t, data, opts, 1)
	oddSplits := cutOffsets(t, data, opts, 4097)

	if !equalUint64(whole, byteAtATime) {
		t.Fatalf("cut sequence differs between whole-buffer and byte-at-a-time scans")
	}
	if !equalUint64(whole, oddSplits) {
		t.Fatalf("cut sequence differs between whole-buffer and odd-sized-buffer scans")
	}
}

func equalUint64(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSplitRespectsSizeBounds(t *testing.T) {
	data := randomBytes(t, 4<<20)
	opts := Options{AvgChunkSize: 64 << 10}
	_, min, max, _ := opts.resolve()

	chunks, err := Split(bytes.NewReader(data), opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks from %d bytes, got %d", len(data), len(chunks))
	}

	var offset uint64
	for i, c := range chunks {
		size := len(c.Data)
		last := i == len(chunks)-1
		if size < min && !last {
			t.Fatalf("chunk %d size %d below min %d (not the final chunk)", i, size, min)
		}
		if size > max {
			t.Fatalf("chunk %d size %d exceeds max %d", i, size, max)
		}
		if c.EndOffset != offset+uint64(size) {
			t.Fatalf("chunk %d end offset %d does not follow from previous offset %d + size %d", i, c.EndOffset, offset, size)
		}
		offset = c.EndOffset
	}
	if offset != uint64(len(data)) {
		t.Fatalf("chunk end offsets sum to %d, want %d", offset, len(data))
	}
}

func TestSplitEmptyInputYieldsNoChunks(t *testing.T) {
	chunks, err := Split(bytes.NewReader(nil), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 0 {
		t.Fatalf("expected no chunks for empty input, got %d", len(chunks))
	}
}

func TestSameContentProducesSameCuts(t *testing.T) {
	data := randomBytes(t, 1<<20)
	opts := Options{AvgChunkSize: 32 << 10}

	a, err := Split(bytes.NewReader(data), opts)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Split(bytes.NewReader(append([]byte(nil), data...)), opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != len(b) {
		t.Fatalf("chunk count differs for identical input: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].EndOffset != b[i].EndOffset || !bytes.Equal(a[i].Data, b[i].Data) {
			t.Fatalf("chunk %d differs between two identical runs", i)
		}
	}
}
