// Package cryptoconf holds the single symmetric key of a datastore or
// client and derives, deterministically, every sub-key the storage engine
// needs from it: chunk digests are never secret, but encrypted blobs, the
// index checksum HMAC, and the manifest signature all run off keys derived
// from here.
package cryptoconf

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"gastrolog/internal/backuperr"
)

// KeyLen is the size, in bytes, of the primary key and every derived
// sub-key.
const KeyLen = 32

// IVLen and TagLen are the AEAD nonce and authentication tag sizes carried
// by every encrypted DataBlob (spec.md §3). AES-256-GCM is the fixed AEAD
// choice (spec.md §4.2 leaves ChaCha20-Poly1305 vs AES-256-GCM to the
// implementation); it is used here with a 16-byte nonce, matching the
// on-disk IV width exactly, via a standard-library cipher.AEAD rather than
// a third-party GCM implementation — stdlib's constant-time, hardware
// accelerated AES-GCM is the idiomatic choice for this primitive and no
// library in the corpus improves on it.
const (
	IVLen  = 16
	TagLen = 16
)

// HKDF info strings scope each derived sub-key to its purpose so that a
// single master key never produces the same bytes for two different roles.
// These strings, together with the HKDF construction itself, are the
// concrete derivation promised (but left unspecified) by spec.md §9 Open
// Question (c); they are pinned here and must never change.
const (
	infoAEAD      = "pbs-go/aead-key/v1"
	infoHMAC      = "pbs-go/hmac-key/v1"
	infoIndexHMAC = "pbs-go/index-hmac-key/v1"
)

// Config holds one primary key and its derived sub-keys. It is immutable
// after construction and safe for concurrent use by many sessions (spec.md
// §9: "shared ownership of CryptConfig").
type Config struct {
	fingerprint [32]byte
	aeadKey     [KeyLen]byte
	hmacKey     [KeyLen]byte
	indexKey    [KeyLen]byte
}

// New derives a Config from a 32-byte primary key.
func New(primary [KeyLen]byte) (*Config, error) {
	c := &Config{fingerprint: sha256.Sum256(primary[:])}
	if err := derive(primary, infoAEAD, c.aeadKey[:]); err != nil {
		return nil, err
	}
	if err := derive(primary, infoHMAC, c.hmacKey[:]); err != nil {
		return nil, err
	}
	if err := derive(primary, infoIndexHMAC, c.indexKey[:]); err != nil {
		return nil, err
	}
	return c, nil
}

// Generate creates a Config from a freshly generated random primary key,
// returning the primary key so the caller can persist it (see keyfile.go).
func Generate() (*Config, [KeyLen]byte, error) {
	var primary [KeyLen]byte
	if _, err := rand.Read(primary[:]); err != nil {
		return nil, primary, fmt.Errorf("generate key: %w", err)
	}
	cfg, err := New(primary)
	return cfg, primary, err
}

func derive(primary [KeyLen]byte, info string, out []byte) error {
	r := hkdf.New(sha256.New, primary[:], nil, []byte(info))
	_, err := io.ReadFull(r, out)
	return err
}

// Fingerprint returns the SHA-256 of the primary key material, used to
// identify which key a blob or index was produced with (spec.md §3).
func (c *Config) Fingerprint() [32]byte { return c.fingerprint }

// FingerprintString renders a fingerprint as colon-separated hex pairs; the
// short form keeps only the leading 8 bytes.
func FingerprintString(fp [32]byte, short bool) string {
	n := len(fp)
	if short {
		n = 8
	}
	s := make([]byte, 0, n*3)
	for i := 0; i < n; i++ {
		if i > 0 {
			s = append(s, ':')
		}
		s = append(s, hexDigit(fp[i]>>4), hexDigit(fp[i]&0xf))
	}
	return string(s)
}

func hexDigit(b byte) byte {
	if b < 10 {
		return '0' + b
	}
	return 'a' + (b - 10)
}

// ComputeDigest returns the SHA-256 of plaintext — the sole identity used
// for chunk deduplication (spec.md §3). This never depends on the key.
func ComputeDigest(plaintext []byte) [32]byte {
	return sha256.Sum256(plaintext)
}

// IndexKey returns the HMAC-SHA256 key used to compute a DynamicIndex or
// FixedIndex checksum (spec.md §4.5).
func (c *Config) IndexKey() [KeyLen]byte { return c.indexKey }

// HMACKey returns the key used for sign-only (authenticated, not encrypted)
// blobs and for manifest signatures.
func (c *Config) HMACKey() [KeyLen]byte { return c.hmacKey }

// AEAD returns the AES-256-GCM AEAD cipher for this Config's derived
// encryption key, configured for a 16-byte nonce so every encrypted blob's
// on-disk IV field is exactly IVLen bytes.
func (c *Config) AEAD() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.aeadKey[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, IVLen)
}

// SignOnly computes an HMAC-SHA256 tag over plaintext using the derived
// HMAC key, for the "authenticated but not encrypted" blob variants.
func (c *Config) SignOnly(plaintext []byte) []byte {
	mac := hmac.New(sha256.New, c.hmacKey[:])
	mac.Write(plaintext)
	return mac.Sum(nil)
}

// VerifySignOnly checks a SignOnly tag in constant time.
func (c *Config) VerifySignOnly(plaintext, tag []byte) error {
	want := c.SignOnly(plaintext)
	if subtle.ConstantTimeCompare(want, tag) != 1 {
		return backuperr.ErrAuthFailed
	}
	return nil
}
