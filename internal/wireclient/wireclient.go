// Package wireclient is the real network half of the session protocols
// C10/§4.10 describes: it dials a pbackup-server over internal/wire's
// HTTP/2 transport and speaks the same header/trailer framing the server's
// internal/backupapi handler decodes. internal/client's BackupWriter/
// BackupReader pipeline against an in-process *session.BackupSession
// directly; wireclient is the seam that replaces that in-process reference
// with a real connection, for cmd/pbackup.
package wireclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"

	"github.com/vmihailenco/msgpack/v5"

	"gastrolog/internal/wire"
)

// Client dials one pbackup-server over HTTP/2.
type Client struct {
	http    *http.Client
	baseURL string
}

// New builds a Client against baseURL (e.g. "https://store.example:8007"),
// using tlsConfig for the HTTP/2 transport (nil dials cleartext h2c).
func New(baseURL string, tlsConfig *tls.Config) *Client {
	return &Client{
		http:    &http.Client{Transport: wire.NewTransport(tlsConfig)},
		baseURL: baseURL,
	}
}

// StartBackupRequest names the snapshot a backup-session call opens.
type StartBackupRequest struct {
	DataStore string `msgpack:"datastore"`
	Type      string `msgpack:"type"`
	ID        string `msgpack:"id"`
	Namespace string `msgpack:"namespace,omitempty"`
	Time      int64  `msgpack:"time"`
}

// StartReaderRequest names the snapshot a reader-session call opens.
type StartReaderRequest struct {
	DataStore string `msgpack:"datastore"`
	Type      string `msgpack:"type"`
	ID        string `msgpack:"id"`
	Namespace string `msgpack:"namespace,omitempty"`
	Time      int64  `msgpack:"time"`
}

// StartBackupSession opens a BackupSession and returns its remote handle.
func (c *Client) StartBackupSession(ctx context.Context, req StartBackupRequest) (*BackupSession, error) {
	data, err := msgpack.Marshal(req)
	if err != nil {
		return nil, err
	}
	body, err := c.post(ctx, "/backup-session", nil, data)
	if err != nil {
		return nil, err
	}
	return &BackupSession{c: c, id: string(body)}, nil
}

// StartReaderSession opens a ReaderSession and returns its remote handle.
func (c *Client) StartReaderSession(ctx context.Context, req StartReaderRequest) (*ReaderSession, error) {
	data, err := msgpack.Marshal(req)
	if err != nil {
		return nil, err
	}
	body, err := c.post(ctx, "/reader-session", nil, data)
	if err != nil {
		return nil, err
	}
	return &ReaderSession{c: c, id: string(body)}, nil
}

// post issues one wire request and returns the response body, failing on
// a non-OK trailer status.
func (c *Client) post(ctx context.Context, path string, hdr *wire.Header, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if hdr != nil {
		if err := wire.WriteHeaderField(req.Header, *hdr); err != nil {
			return nil, err
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wireclient: %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("wireclient: %s: read body: %w", path, err)
	}
	status, err := wire.ReadTrailerStatus(resp)
	if err != nil {
		return nil, err
	}
	if !status.OK() {
		return nil, fmt.Errorf("wireclient: %s: %s: %s", path, status.Code, status.Message)
	}
	return respBody, nil
}

// op issues one session operation request.
func (c *Client) op(ctx context.Context, sessionID string, op wire.Op, hdr wire.Header, body []byte) ([]byte, error) {
	return c.post(ctx, wire.Path(sessionID, op), &hdr, body)
}

// BackupSession is the remote handle to an open server-side BackupSession.
type BackupSession struct {
	c  *Client
	id string
}

// ID is the server-assigned session identifier.
func (s *BackupSession) ID() string { return s.id }

// CreateDynamicIndex opens a dynamic index archive on the server.
func (s *BackupSession) CreateDynamicIndex(ctx context.Context, archive string) error {
	_, err := s.c.op(ctx, s.id, wire.OpCreateDynamicIdx, wire.Header{Archive: archive}, nil)
	return err
}

// CreateFixedIndex opens a fixed-size index archive on the server.
func (s *BackupSession) CreateFixedIndex(ctx context.Context, archive string, size, chunkSize uint64) error {
	_, err := s.c.op(ctx, s.id, wire.OpCreateFixedIdx, wire.Header{Archive: archive, Size: size, Offset: chunkSize}, nil)
	return err
}

// UploadChunk uploads plaintext and returns its content digest.
func (s *BackupSession) UploadChunk(ctx context.Context, plaintext []byte) ([32]byte, error) {
	var digest [32]byte
	body, err := s.c.op(ctx, s.id, wire.OpUploadChunk, wire.Header{}, plaintext)
	if err != nil {
		return digest, err
	}
	if len(body) != 32 {
		return digest, fmt.Errorf("wireclient: upload_chunk: unexpected digest length %d", len(body))
	}
	copy(digest[:], body)
	return digest, nil
}

// KnownChunk declares digest already present from a previous snapshot.
func (s *BackupSession) KnownChunk(ctx context.Context, digest [32]byte) (bool, error) {
	body, err := s.c.op(ctx, s.id, wire.OpKnownChunk, wire.Header{Digest: &digest}, nil)
	if err != nil {
		return false, err
	}
	return len(body) == 1 && body[0] == 1, nil
}

// DynamicAppend appends digest at endOffset to a dynamic index.
func (s *BackupSession) DynamicAppend(ctx context.Context, archive string, digest [32]byte, endOffset uint64) error {
	_, err := s.c.op(ctx, s.id, wire.OpDynamicAppend, wire.Header{Archive: archive, Digest: &digest, Offset: endOffset}, nil)
	return err
}

// FixedAppend assigns digest to position in a fixed index.
func (s *BackupSession) FixedAppend(ctx context.Context, archive string, position int, digest [32]byte) error {
	_, err := s.c.op(ctx, s.id, wire.OpFixedAppend, wire.Header{Archive: archive, Position: position, Digest: &digest}, nil)
	return err
}

// closeResult mirrors internal/backupapi's close_index response body.
type closeResult struct {
	Csum [32]byte `msgpack:"csum"`
	Size uint64   `msgpack:"size"`
}

// CloseIndex finalizes archive, cross-checking clientCsum against the
// server's own independently-computed running checksum.
func (s *BackupSession) CloseIndex(ctx context.Context, archive string, clientCsum [32]byte) (csum [32]byte, size uint64, err error) {
	body, err := s.c.op(ctx, s.id, wire.OpCloseIndex, wire.Header{Archive: archive, Csum: &clientCsum}, nil)
	if err != nil {
		return csum, 0, err
	}
	var res closeResult
	if err := msgpack.Unmarshal(body, &res); err != nil {
		return csum, 0, err
	}
	return res.Csum, res.Size, nil
}

// UploadBlob writes a small inline file and returns its digest.
func (s *BackupSession) UploadBlob(ctx context.Context, name string, plaintext []byte) ([32]byte, error) {
	var digest [32]byte
	body, err := s.c.op(ctx, s.id, wire.OpUploadBlob, wire.Header{Archive: name}, plaintext)
	if err != nil {
		return digest, err
	}
	if len(body) != 32 {
		return digest, fmt.Errorf("wireclient: upload_blob: unexpected digest length %d", len(body))
	}
	copy(digest[:], body)
	return digest, nil
}

// Previous fetches the previous snapshot's index, in its native encoded
// form, ready for index.ReadDynamicIndex/ReadFixedIndex.
func (s *BackupSession) Previous(ctx context.Context, archive string) ([]byte, error) {
	return s.c.op(ctx, s.id, wire.OpPrevious, wire.Header{Archive: archive}, nil)
}

// Finish uploads the encoded manifest and closes the session.
func (s *BackupSession) Finish(ctx context.Context, manifestBytes []byte) error {
	_, err := s.c.op(ctx, s.id, wire.OpFinish, wire.Header{}, manifestBytes)
	return err
}

// ReaderSession is the remote handle to an open server-side ReaderSession.
type ReaderSession struct {
	c  *Client
	id string
}

// ID is the server-assigned session identifier.
func (r *ReaderSession) ID() string { return r.id }

// DownloadBlob fetches a small inline file's plaintext.
func (r *ReaderSession) DownloadBlob(ctx context.Context, name string) ([]byte, error) {
	return r.c.op(ctx, r.id, wire.OpDownloadBlob, wire.Header{Archive: name}, nil)
}

// DownloadIndex fetches an archive's index in its native encoded form.
func (r *ReaderSession) DownloadIndex(ctx context.Context, archive string) ([]byte, error) {
	return r.c.op(ctx, r.id, wire.OpDownloadIndex, wire.Header{Archive: archive}, nil)
}

// DownloadChunk fetches a chunk's raw (encoded) bytes by digest; the
// server rejects any digest not disclosed by a prior download_index or
// download_blob call on this session.
func (r *ReaderSession) DownloadChunk(ctx context.Context, digest [32]byte) ([]byte, error) {
	return r.c.op(ctx, r.id, wire.OpDownloadChunk, wire.Header{Digest: &digest}, nil)
}
