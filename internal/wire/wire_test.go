package wire

import (
	"net/http"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	var digest [32]byte
	digest[0] = 0xAB
	h := Header{Digest: &digest, Archive: "drive-root.didx", Offset: 4096, Size: 65536}

	encoded, err := EncodeHeader(h)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeHeader(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Archive != h.Archive || decoded.Offset != h.Offset || decoded.Size != h.Size {
		t.Fatalf("round trip mismatch: %+v vs %+v", decoded, h)
	}
	if decoded.Digest == nil || *decoded.Digest != digest {
		t.Fatalf("digest not preserved: %+v", decoded.Digest)
	}
}

func TestStatusOK(t *testing.T) {
	ok := Status{}
	if !ok.OK() {
		t.Fatal("zero-value status should report OK")
	}
	failed := Status{Code: "state", Message: "unknown chunk"}
	if failed.OK() {
		t.Fatal("non-empty code should not report OK")
	}
}

func TestHeaderFieldRoundTripThroughHTTPHeader(t *testing.T) {
	var digest [32]byte
	digest[5] = 0x42
	want := Header{Digest: &digest, Position: 3}

	h := make(http.Header)
	if err := WriteHeaderField(h, want); err != nil {
		t.Fatal(err)
	}
	got, err := ReadHeaderField(h)
	if err != nil {
		t.Fatal(err)
	}
	if got.Position != want.Position || got.Digest == nil || *got.Digest != digest {
		t.Fatalf("mismatch: %+v vs %+v", got, want)
	}
}

func TestReadHeaderFieldMissingIsZeroValue(t *testing.T) {
	h := make(http.Header)
	got, err := ReadHeaderField(h)
	if err != nil {
		t.Fatal(err)
	}
	if got != (Header{}) {
		t.Fatalf("expected zero value, got %+v", got)
	}
}

func TestPathFormat(t *testing.T) {
	p := Path("sess-1", OpUploadChunk)
	if p != "/session/sess-1/upload_chunk" {
		t.Fatalf("unexpected path: %q", p)
	}
}
