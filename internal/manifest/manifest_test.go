package manifest

import (
	"testing"
	"time"

	"gastrolog/internal/index"
)

func testCsum(b byte) [32]byte {
	var c [32]byte
	c[0] = b
	return c
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	var key [32]byte
	key[0] = 0x42

	m := New("host", "myhost", time.Unix(1700000000, 0))
	m.AddFile("a.didx", 400, testCsum(1))
	if err := m.Sign(key); err != nil {
		t.Fatal(err)
	}

	data, err := Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := got.Verify(&key, true); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestVerifyTamperedCsumFails(t *testing.T) {
	var key [32]byte
	key[0] = 0x42

	m := New("host", "myhost", time.Unix(1700000000, 0))
	m.AddFile("a.didx", 400, testCsum(1))
	if err := m.Sign(key); err != nil {
		t.Fatal(err)
	}

	data, err := Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	got.Files[0].Csum[5] ^= 0xFF

	if err := got.Verify(&key, true); err == nil {
		t.Fatal("expected signature verification to fail after csum tamper")
	}
}

func TestVerifyWrongKeyFails(t *testing.T) {
	var key, other [32]byte
	key[0] = 0x42
	other[0] = 0x43

	m := New("vm", "100", time.Now())
	m.AddFile("drive.fidx", 1024, testCsum(2))
	if err := m.Sign(key); err != nil {
		t.Fatal(err)
	}
	if err := m.Verify(&other, true); err == nil {
		t.Fatal("expected wrong-key verification to fail")
	}
}

func TestUnsignedRejectedWhenRequired(t *testing.T) {
	m := New("ct", "200", time.Now())
	m.AddFile("root.fidx", 10, testCsum(3))
	if err := m.Verify(nil, true); err == nil {
		t.Fatal("expected unsigned manifest to be rejected when signature required")
	}
	if err := m.Verify(nil, false); err != nil {
		t.Fatalf("unsigned manifest should be accepted when not required: %v", err)
	}
}

func TestCrossCheckIndexesDetectsMismatch(t *testing.T) {
	idx := index.NewDynamicIndexBuilder(time.Now(), [32]byte{})
	var d [32]byte
	d[0] = 9
	if err := idx.Append(100, d); err != nil {
		t.Fatal(err)
	}
	csum, bytes := idx.ComputeCsum(nil)

	m := New("host", "h", time.Now())
	m.AddFile("a.didx", bytes, csum)
	if err := m.CrossCheckIndexes(map[string]index.Index{"a.didx": idx}, nil); err != nil {
		t.Fatalf("expected matching cross-check to pass: %v", err)
	}

	m2 := New("host", "h", time.Now())
	m2.AddFile("a.didx", bytes+1, csum)
	if err := m2.CrossCheckIndexes(map[string]index.Index{"a.didx": idx}, nil); err == nil {
		t.Fatal("expected size mismatch to fail cross-check")
	}

	m3 := New("host", "h", time.Now())
	m3.AddFile("missing.didx", bytes, csum)
	if err := m3.CrossCheckIndexes(map[string]index.Index{"a.didx": idx}, nil); err == nil {
		t.Fatal("expected missing index to fail cross-check")
	}
}
