package cryptoconf

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// Kdf identifies how a KeyFile's key material is protected at rest. This
// mirrors the Rust source's Kdf enum (key_derivation.rs): a key file is
// either stored in the clear (Kdf == KdfNone, the common case for a
// datastore-resident master key where filesystem permissions are the
// protection boundary) or wrapped with a passphrase for interactive client
// use.
type Kdf string

const (
	KdfNone   Kdf = "none"
	KdfPBKDF2 Kdf = "pbkdf2"
)

const pbkdf2Iterations = 600_000 // OWASP 2023 minimum recommendation for PBKDF2-HMAC-SHA256

// KeyFile is the on-disk representation of a primary key: its own
// fingerprint, creation/modification times, an optional human hint, and
// either the raw key or a passphrase-wrapped form.
type KeyFile struct {
	Kdf         Kdf    `json:"kdf"`
	Created     int64  `json:"created"`
	Modified    int64  `json:"modified"`
	Fingerprint string `json:"fingerprint"`
	Hint        string `json:"hint,omitempty"`

	// Data is the raw key (Kdf == KdfNone) or the XOR-with-PBKDF2-stream
	// wrapped key (Kdf == KdfPBKDF2), hex-encoded.
	Data string `json:"data"`
	Salt string `json:"salt,omitempty"` // present only for KdfPBKDF2
}

// WriteKeyFile serializes primary under the given Kdf. For KdfPBKDF2 a
// fresh random salt is generated and the key is masked with a PBKDF2
// keystream derived from passphrase; unmasking requires the same
// passphrase and salt.
func WriteKeyFile(primary [KeyLen]byte, hint string, kdf Kdf, passphrase string) ([]byte, error) {
	now := time.Now().Unix()
	fp := sha256.Sum256(primary[:])
	kf := KeyFile{
		Kdf:         kdf,
		Created:     now,
		Modified:    now,
		Fingerprint: FingerprintString(fp, false),
		Hint:        hint,
	}

	switch kdf {
	case KdfNone:
		kf.Data = hex.EncodeToString(primary[:])
	case KdfPBKDF2:
		salt := make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("key file: generate salt: %w", err)
		}
		mask := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, KeyLen, sha256.New)
		wrapped := make([]byte, KeyLen)
		for i := range wrapped {
			wrapped[i] = primary[i] ^ mask[i]
		}
		kf.Data = hex.EncodeToString(wrapped)
		kf.Salt = hex.EncodeToString(salt)
	default:
		return nil, fmt.Errorf("key file: unknown kdf %q", kdf)
	}

	return json.MarshalIndent(kf, "", "  ")
}

// LoadKeyFile parses a key file and recovers the 32-byte primary key. For a
// KdfPBKDF2 file, passphrase must match the one used at WriteKeyFile time;
// a wrong passphrase silently yields a wrong key, detected downstream only
// when an AEAD tag or HMAC fails to verify and reported as that failure
// (e.g. backuperr.ErrAuthFailed from blob decoding), not as ErrWrongKey.
func LoadKeyFile(data []byte, passphrase string) (primary [KeyLen]byte, kf KeyFile, err error) {
	if err = json.Unmarshal(data, &kf); err != nil {
		return primary, kf, fmt.Errorf("key file: parse: %w", err)
	}

	raw, err := hex.DecodeString(kf.Data)
	if err != nil || len(raw) != KeyLen {
		return primary, kf, fmt.Errorf("key file: malformed key data")
	}

	switch kf.Kdf {
	case KdfNone, "":
		copy(primary[:], raw)
	case KdfPBKDF2:
		salt, err := hex.DecodeString(kf.Salt)
		if err != nil {
			return primary, kf, fmt.Errorf("key file: malformed salt")
		}
		mask := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, KeyLen, sha256.New)
		for i := range primary {
			primary[i] = raw[i] ^ mask[i]
		}
	default:
		return primary, kf, fmt.Errorf("key file: unknown kdf %q", kf.Kdf)
	}
	return primary, kf, nil
}

