package blob

import (
	"bytes"
	"crypto/rand"
	"testing"

	"gastrolog/internal/backuperr"
	"gastrolog/internal/cryptoconf"
)

func testCrypt(t *testing.T) *cryptoconf.Config {
	t.Helper()
	cfg, _, err := cryptoconf.Generate()
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestRoundTrip(t *testing.T) {
	crypt := testCrypt(t)
	sizes := []int{0, 1, 100, 4096, 1 << 20}

	for _, compress := range []bool{false, true} {
		for _, encrypt := range []bool{false, true} {
			for _, size := range sizes {
				data := make([]byte, size)
				if _, err := rand.Read(data); err != nil {
					t.Fatal(err)
				}

				opts := EncodeOptions{Compress: compress}
				if encrypt {
					opts.Crypt = crypt
				}
				encoded, err := Encode(data, opts)
				if err != nil {
					t.Fatalf("encode (compress=%v encrypt=%v size=%d): %v", compress, encrypt, size, err)
				}

				decOpts := DecodeOptions{}
				if encrypt {
					decOpts.Crypt = crypt
				}
				decoded, err := Decode(encoded, decOpts)
				if err != nil {
					t.Fatalf("decode (compress=%v encrypt=%v size=%d): %v", compress, encrypt, size, err)
				}
				if !bytes.Equal(decoded, data) {
					t.Fatalf("round trip mismatch (compress=%v encrypt=%v size=%d)", compress, encrypt, size)
				}
			}
		}
	}
}

func TestCorruptionDetected(t *testing.T) {
	crypt := testCrypt(t)
	data := bytes.Repeat([]byte{0xAB}, 1000)

	for _, encrypt := range []bool{false, true} {
		opts := EncodeOptions{}
		if encrypt {
			opts.Crypt = crypt
		}
		encoded, err := Encode(data, opts)
		if err != nil {
			t.Fatal(err)
		}

		corrupted := append([]byte(nil), encoded...)
		corrupted[len(corrupted)-1] ^= 0xFF

		decOpts := DecodeOptions{}
		if encrypt {
			decOpts.Crypt = crypt
		}
		_, err = Decode(corrupted, decOpts)
		if err == nil {
			t.Fatal("expected an error decoding corrupted blob")
		}
		if encrypt {
			if err != backuperr.ErrAuthFailed && err != backuperr.ErrCorrupt {
				t.Fatalf("expected AuthFailed or Corrupt, got %v", err)
			}
		} else if err != backuperr.ErrCorrupt {
			t.Fatalf("expected Corrupt, got %v", err)
		}
	}
}

func TestNeedKey(t *testing.T) {
	crypt := testCrypt(t)
	encoded, err := Encode([]byte("secret"), EncodeOptions{Crypt: crypt})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(encoded, DecodeOptions{}); err != backuperr.ErrNeedKey {
		t.Fatalf("expected NeedKey, got %v", err)
	}
}

func TestWrongKeyFailsAuth(t *testing.T) {
	crypt1 := testCrypt(t)
	crypt2 := testCrypt(t)
	encoded, err := Encode([]byte("secret"), EncodeOptions{Crypt: crypt1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(encoded, DecodeOptions{Crypt: crypt2}); err != backuperr.ErrAuthFailed {
		t.Fatalf("expected AuthFailed, got %v", err)
	}
}

func TestDigestMismatch(t *testing.T) {
	encoded, err := Encode([]byte("hello"), EncodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	wrong := cryptoconf.ComputeDigest([]byte("not hello"))
	if _, err := Decode(encoded, DecodeOptions{ExpectedDigest: &wrong}); err != backuperr.ErrDigestMismatch {
		t.Fatalf("expected DigestMismatch, got %v", err)
	}
}

func TestBlobTooLarge(t *testing.T) {
	data := make([]byte, MaxBlobSize+1)
	if _, err := Encode(data, EncodeOptions{}); err != backuperr.ErrBlobTooLarge {
		t.Fatalf("expected BlobTooLarge, got %v", err)
	}
}
