// Package blob implements the DataBlob envelope of spec.md §3/§4.3/§6.1:
// the on-disk framing for a single chunk or small file. Every blob starts
// with an 8-byte magic identifying its variant, followed by a CRC32 over the
// payload, and — for encrypted variants — a random IV and an AEAD tag ahead
// of the payload itself.
package blob

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/klauspost/compress/zstd"

	"gastrolog/internal/backuperr"
	"gastrolog/internal/cryptoconf"
)

// Magic identifies a DataBlob variant. Values are fixed by spec.md §6.1 and
// must never change: they are read back by any reader that has ever
// written a blob.
type Magic [8]byte

var (
	MagicUncompressed        = Magic{0x42, 0xAB, 0x38, 0x07, 0xBE, 0x83, 0x70, 0xA1}
	MagicCompressed          = Magic{0x31, 0xB9, 0x58, 0x42, 0x6F, 0xB6, 0xA3, 0x7F}
	MagicEncrypted           = Magic{0x7B, 0x67, 0x85, 0xBE, 0x22, 0x2D, 0x4C, 0xF0}
	MagicEncryptedCompressed = Magic{0xE6, 0x59, 0x1B, 0xBF, 0x0B, 0xBF, 0xD8, 0x0B}
)

// MaxBlobSize is the hard ceiling on an encoded blob, spec.md §3.
const MaxBlobSize = 16 << 20

// zstdLevel is the fixed compression level for the compressed variants,
// spec.md §4.3.
const zstdLevel = zstd.SpeedFastest // level 1

var (
	encOnce *zstd.Encoder
	decOnce *zstd.Decoder
)

func init() {
	var err error
	encOnce, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel))
	if err != nil {
		panic("blob: init zstd encoder: " + err.Error())
	}
	decOnce, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("blob: init zstd decoder: " + err.Error())
	}
}

// EncodeOptions controls how Encode builds a blob.
type EncodeOptions struct {
	Compress bool
	Crypt    *cryptoconf.Config // nil for an unencrypted blob
}

// Encode frames plaintext into a DataBlob. If opts.Compress is set, zstd
// compression is attempted and kept only if it strictly shrinks the
// encoded size (spec.md §4.3); otherwise the uncompressed form is emitted.
// If opts.Crypt is set, the chosen variant (plain or compressed) is
// additionally AEAD-encrypted with a fresh random IV, and the magic bytes
// are used as AEAD associated data.
func Encode(plaintext []byte, opts EncodeOptions) ([]byte, error) {
	body := plaintext
	magic := MagicUncompressed
	if opts.Compress {
		compressed := encOnce.EncodeAll(plaintext, nil)
		if len(compressed) < len(plaintext) {
			body = compressed
			magic = MagicCompressed
		}
	}

	if opts.Crypt == nil {
		return frameUnencrypted(magic, body)
	}

	encMagic := MagicEncrypted
	if magic == MagicCompressed {
		encMagic = MagicEncryptedCompressed
	}
	return frameEncrypted(encMagic, body, opts.Crypt)
}

func frameUnencrypted(magic Magic, body []byte) ([]byte, error) {
	out := make([]byte, 8+4+len(body))
	copy(out[:8], magic[:])
	binary.LittleEndian.PutUint32(out[8:12], crc32.ChecksumIEEE(body))
	copy(out[12:], body)
	if len(out) > MaxBlobSize {
		return nil, backuperr.ErrBlobTooLarge
	}
	return out, nil
}

func frameEncrypted(magic Magic, body []byte, crypt *cryptoconf.Config) ([]byte, error) {
	aead, err := crypt.AEAD()
	if err != nil {
		return nil, fmt.Errorf("blob: aead init: %w", err)
	}
	iv := make([]byte, cryptoconf.IVLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("blob: generate iv: %w", err)
	}

	ciphertext := aead.Seal(nil, iv, body, magic[:])
	// ciphertext = encrypted payload || tag; AEAD.Seal appends the tag, so
	// split it back out to match the on-disk layout magic|crc|iv|tag|payload.
	tagStart := len(ciphertext) - cryptoconf.TagLen
	payload, tag := ciphertext[:tagStart], ciphertext[tagStart:]

	out := make([]byte, 8+4+cryptoconf.IVLen+cryptoconf.TagLen+len(payload))
	copy(out[:8], magic[:])
	// CRC32 is computed over the ciphertext payload: it is a cheap
	// corruption check that runs before the AEAD tag is verified, per
	// spec.md §4.3.
	binary.LittleEndian.PutUint32(out[8:12], crc32.ChecksumIEEE(payload))
	off := 12
	copy(out[off:], iv)
	off += cryptoconf.IVLen
	copy(out[off:], tag)
	off += cryptoconf.TagLen
	copy(out[off:], payload)

	if len(out) > MaxBlobSize {
		return nil, backuperr.ErrBlobTooLarge
	}
	return out, nil
}

// DecodeOptions controls how Decode interprets a blob.
type DecodeOptions struct {
	Crypt          *cryptoconf.Config // required if the blob is encrypted
	ExpectedDigest *[32]byte          // optional: verify plaintext identity
}

// Decode parses and verifies a DataBlob, returning its plaintext.
func Decode(data []byte, opts DecodeOptions) ([]byte, error) {
	if len(data) < 12 {
		return nil, backuperr.ErrBadMagic
	}
	var magic Magic
	copy(magic[:], data[:8])
	storedCRC := binary.LittleEndian.Uint32(data[8:12])
	rest := data[12:]

	var plaintext []byte
	switch magic {
	case MagicUncompressed, MagicCompressed:
		if crc32.ChecksumIEEE(rest) != storedCRC {
			return nil, backuperr.ErrCorrupt
		}
		var err error
		plaintext, err = maybeDecompress(rest, magic == MagicCompressed)
		if err != nil {
			return nil, err
		}
	case MagicEncrypted, MagicEncryptedCompressed:
		if opts.Crypt == nil {
			return nil, backuperr.ErrNeedKey
		}
		if len(rest) < cryptoconf.IVLen+cryptoconf.TagLen {
			return nil, backuperr.ErrCorrupt
		}
		iv := rest[:cryptoconf.IVLen]
		tag := rest[cryptoconf.IVLen : cryptoconf.IVLen+cryptoconf.TagLen]
		payload := rest[cryptoconf.IVLen+cryptoconf.TagLen:]
		if crc32.ChecksumIEEE(payload) != storedCRC {
			return nil, backuperr.ErrCorrupt
		}
		aead, err := opts.Crypt.AEAD()
		if err != nil {
			return nil, fmt.Errorf("blob: aead init: %w", err)
		}
		ciphertext := append(append([]byte(nil), payload...), tag...)
		out, err := aead.Open(nil, iv, ciphertext, magic[:])
		if err != nil {
			return nil, backuperr.ErrAuthFailed
		}
		plaintext, err = maybeDecompress(out, magic == MagicEncryptedCompressed)
		if err != nil {
			return nil, err
		}
	default:
		return nil, backuperr.ErrBadMagic
	}

	if opts.ExpectedDigest != nil {
		got := cryptoconf.ComputeDigest(plaintext)
		if got != *opts.ExpectedDigest {
			return nil, backuperr.ErrDigestMismatch
		}
	}
	return plaintext, nil
}

func maybeDecompress(body []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return body, nil
	}
	out, err := decOnce.DecodeAll(body, make([]byte, 0, len(body)*2))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backuperr.ErrCorrupt, err)
	}
	if len(out) > MaxBlobSize {
		return nil, backuperr.ErrBlobTooLarge
	}
	return out, nil
}
