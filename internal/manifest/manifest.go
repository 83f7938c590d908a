// Package manifest implements the signed file list of a snapshot (spec.md
// §4.6): a JSON document in canonical field order, HMAC-SHA256 signed over
// a rendering that omits the signature field itself.
package manifest

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"gastrolog/internal/backuperr"
	"gastrolog/internal/index"
)

// File is one archive entry: its on-disk name within the snapshot
// directory, its plaintext size, and the integrity digest a restoring
// client must recompute to accept it.
type File struct {
	Filename string
	Size     uint64
	Csum     [32]byte
}

// Manifest is the signed file list of one snapshot.
type Manifest struct {
	BackupType string
	BackupID   string
	BackupTime time.Time
	Files      []File

	Signed    bool
	Signature [32]byte
}

// wireFile and wireManifest fix the canonical JSON field order required by
// spec.md §4.6. Signing always marshals wireManifestUnsigned, which has no
// signature field at all, so the signed bytes never depend on whatever
// value happened to be in Signature beforehand.
type wireFile struct {
	Filename string `json:"filename"`
	Size     uint64 `json:"size"`
	Csum     string `json:"csum"`
}

type wireManifestUnsigned struct {
	BackupType string     `json:"backup-type"`
	BackupID   string     `json:"backup-id"`
	BackupTime int64      `json:"backup-time"`
	Files      []wireFile `json:"files"`
}

type wireManifest struct {
	BackupType string     `json:"backup-type"`
	BackupID   string     `json:"backup-id"`
	BackupTime int64      `json:"backup-time"`
	Files      []wireFile `json:"files"`
	Signature  string     `json:"signature"`
}

// New starts an empty Manifest for one snapshot identity.
func New(backupType, backupID string, backupTime time.Time) *Manifest {
	return &Manifest{BackupType: backupType, BackupID: backupID, BackupTime: backupTime}
}

// AddFile appends one archive file entry.
func (m *Manifest) AddFile(filename string, size uint64, csum [32]byte) {
	m.Files = append(m.Files, File{Filename: filename, Size: size, Csum: csum})
}

func toWireFiles(files []File) []wireFile {
	out := make([]wireFile, len(files))
	for i, f := range files {
		out[i] = wireFile{Filename: f.Filename, Size: f.Size, Csum: hex.EncodeToString(f.Csum[:])}
	}
	return out
}

func unsignedPayload(m *Manifest) ([]byte, error) {
	w := wireManifestUnsigned{
		BackupType: m.BackupType,
		BackupID:   m.BackupID,
		BackupTime: m.BackupTime.Unix(),
		Files:      toWireFiles(m.Files),
	}
	return json.Marshal(w)
}

// Sign computes the manifest's HMAC-SHA256 signature over its canonical
// unsigned rendering, using hmacKey (the manifest-signing sub-key derived
// from a CryptConfig, distinct from the AEAD key — spec.md §4.6).
func (m *Manifest) Sign(hmacKey [32]byte) error {
	payload, err := unsignedPayload(m)
	if err != nil {
		return fmt.Errorf("manifest: render for signing: %w", err)
	}
	mac := hmac.New(sha256.New, hmacKey[:])
	mac.Write(payload)
	copy(m.Signature[:], mac.Sum(nil))
	m.Signed = true
	return nil
}

// Verify checks the manifest's signature in constant time. hmacKey is nil
// for an unencrypted datastore; an unsigned manifest is only accepted when
// requireSigned is false — the caller (the datastore/session layer) decides
// whether its configuration demands signed manifests.
func (m *Manifest) Verify(hmacKey *[32]byte, requireSigned bool) error {
	if !m.Signed {
		if requireSigned {
			return backuperr.Wrap(backuperr.CodeState, backuperr.ErrManifestInvalid)
		}
		return nil
	}
	if hmacKey == nil {
		return backuperr.ErrNeedKey
	}
	payload, err := unsignedPayload(m)
	if err != nil {
		return fmt.Errorf("manifest: render for verify: %w", err)
	}
	mac := hmac.New(sha256.New, hmacKey[:])
	mac.Write(payload)
	expected := mac.Sum(nil)
	if subtle.ConstantTimeCompare(expected, m.Signature[:]) != 1 {
		return backuperr.Wrap(backuperr.CodeState, backuperr.ErrManifestInvalid)
	}
	return nil
}

// CrossCheckIndexes verifies that every file entry's recorded size and csum
// match the recomputed checksum of its corresponding index, per the load
// verification order of spec.md §4.6 ("check that every files[i].csum
// matches the corresponding index's compute_csum"). indexes is keyed by
// archive filename; a manifest entry with no matching index is itself an
// invalid-manifest condition (spec.md §4.8 invariant 6: finish() requires
// every named file to have been closed).
func (m *Manifest) CrossCheckIndexes(indexes map[string]index.Index, indexKey *[32]byte) error {
	for _, f := range m.Files {
		idx, ok := indexes[f.Filename]
		if !ok {
			return backuperr.Wrap(backuperr.CodeState, backuperr.ErrMissingFile)
		}
		csum, bytes := idx.ComputeCsum(indexKey)
		if bytes != f.Size || csum != f.Csum {
			return backuperr.Wrap(backuperr.CodeState, backuperr.ErrManifestInvalid)
		}
	}
	return nil
}

// Encode renders the manifest to its canonical JSON form, signature
// included (hex, empty string if unsigned).
func Encode(m *Manifest) ([]byte, error) {
	w := wireManifest{
		BackupType: m.BackupType,
		BackupID:   m.BackupID,
		BackupTime: m.BackupTime.Unix(),
		Files:      toWireFiles(m.Files),
	}
	if m.Signed {
		w.Signature = hex.EncodeToString(m.Signature[:])
	}
	return json.Marshal(w)
}

// Decode parses a manifest previously rendered by Encode. It does not
// verify the signature; call Verify explicitly once the caller has decided
// which key and requireSigned policy apply.
func Decode(data []byte) (*Manifest, error) {
	var w wireManifest
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, backuperr.Wrap(backuperr.CodeState, backuperr.ErrManifestInvalid)
	}
	m := &Manifest{
		BackupType: w.BackupType,
		BackupID:   w.BackupID,
		BackupTime: time.Unix(w.BackupTime, 0).UTC(),
	}
	m.Files = make([]File, len(w.Files))
	for i, wf := range w.Files {
		raw, err := hex.DecodeString(wf.Csum)
		if err != nil || len(raw) != 32 {
			return nil, backuperr.Wrap(backuperr.CodeState, backuperr.ErrManifestInvalid)
		}
		var csum [32]byte
		copy(csum[:], raw)
		m.Files[i] = File{Filename: wf.Filename, Size: wf.Size, Csum: csum}
	}
	if w.Signature != "" {
		raw, err := hex.DecodeString(w.Signature)
		if err != nil || len(raw) != 32 {
			return nil, backuperr.Wrap(backuperr.CodeState, backuperr.ErrManifestInvalid)
		}
		copy(m.Signature[:], raw)
		m.Signed = true
	}
	return m, nil
}
