// Package backupapi is the server-side HTTP/2 endpoint for the session
// wire protocol of internal/wire: it opens/closes BackupSession and
// ReaderSession instances and dispatches each subsequent request, keyed by
// session ID and internal/wire.Op, to the matching session method. This is
// the glue the teacher's own internal/server package plays for its
// connectrpc config API, generalized from RPC methods to raw HTTP/2
// streams carrying msgpack headers and trailers (spec.md §6.2).
package backupapi

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"gastrolog/internal/backuperr"
	"gastrolog/internal/blob"
	"gastrolog/internal/datastore"
	"gastrolog/internal/index"
	"gastrolog/internal/logging"
	"gastrolog/internal/manifest"
	"gastrolog/internal/session"
	"gastrolog/internal/wire"
)

// DataStoreLookup resolves a datastore by the name a client names when
// starting a backup or restore (spec.md §6.3's "datastore" section type).
type DataStoreLookup func(name string) (*datastore.DataStore, bool)

// Handler serves the session wire protocol over HTTP/2.
type Handler struct {
	lookup DataStoreLookup
	logger *slog.Logger

	mu      sync.Mutex
	writers map[string]*session.BackupSession
	readers map[string]*session.ReaderSession
}

// New builds a Handler that resolves datastores via lookup.
func New(lookup DataStoreLookup, logger *slog.Logger) *Handler {
	return &Handler{
		lookup:  lookup,
		logger:  logging.Default(logger).With("component", "backupapi"),
		writers: make(map[string]*session.BackupSession),
		readers: make(map[string]*session.ReaderSession),
	}
}

// StartBackupRequest is the msgpack body of POST /backup-session.
type StartBackupRequest struct {
	DataStore string `msgpack:"datastore"`
	Type      string `msgpack:"type"`
	ID        string `msgpack:"id"`
	Namespace string `msgpack:"namespace,omitempty"`
	Time      int64  `msgpack:"time"`
}

// StartReaderRequest is the msgpack body of POST /reader-session.
type StartReaderRequest struct {
	DataStore string `msgpack:"datastore"`
	Type      string `msgpack:"type"`
	ID        string `msgpack:"id"`
	Namespace string `msgpack:"namespace,omitempty"`
	Time      int64  `msgpack:"time"`
}

// ServeHTTP routes /backup-session, /reader-session (session creation) and
// /session/{id}/{op} (spec.md §6.2's per-operation path) requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/backup-session" && r.Method == http.MethodPost:
		h.startBackupSession(w, r)
	case r.URL.Path == "/reader-session" && r.Method == http.MethodPost:
		h.startReaderSession(w, r)
	case strings.HasPrefix(r.URL.Path, "/session/"):
		h.dispatch(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) startBackupSession(w http.ResponseWriter, r *http.Request) {
	var req StartBackupRequest
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := decodeMsgpack(body, &req); err != nil {
		writeError(w, err)
		return
	}

	ds, ok := h.lookup(req.DataStore)
	if !ok {
		writeError(w, backuperr.ErrNotFound)
		return
	}

	ns, err := datastore.ParseNamespace(req.Namespace)
	if err != nil {
		writeError(w, err)
		return
	}
	group := datastore.GroupID{NS: ns, Type: datastore.BackupType(req.Type), ID: req.ID}
	s, err := session.Open(r.Context(), session.Opts{DataStore: ds, Group: group, SnapTime: req.Time, Crypt: ds.Crypt(), Logger: h.logger})
	if err != nil {
		writeError(w, err)
		return
	}

	h.mu.Lock()
	h.writers[s.ID] = s
	h.mu.Unlock()

	writeSessionID(w, s.ID)
}

func (h *Handler) startReaderSession(w http.ResponseWriter, r *http.Request) {
	var req StartReaderRequest
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := decodeMsgpack(body, &req); err != nil {
		writeError(w, err)
		return
	}

	ds, ok := h.lookup(req.DataStore)
	if !ok {
		writeError(w, backuperr.ErrNotFound)
		return
	}

	ns, err := datastore.ParseNamespace(req.Namespace)
	if err != nil {
		writeError(w, err)
		return
	}
	group := datastore.GroupID{NS: ns, Type: datastore.BackupType(req.Type), ID: req.ID}
	snap := datastore.SnapshotID{Group: group, Time: req.Time}
	rs, err := session.OpenReader(r.Context(), session.ReaderOpts{DataStore: ds, Snapshot: snap, Crypt: ds.Crypt(), Logger: h.logger})
	if err != nil {
		writeError(w, err)
		return
	}

	h.mu.Lock()
	h.readers[rs.ID] = rs
	h.mu.Unlock()

	writeSessionID(w, rs.ID)
}

// dispatch routes /session/{id}/{op} to the matching writer or reader
// session, in the order the Op enum names (spec.md §4.8/§4.9).
func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/session/"), "/", 2)
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	sessionID, op := parts[0], wire.Op(parts[1])

	h.mu.Lock()
	ws, isWriter := h.writers[sessionID]
	rs, isReader := h.readers[sessionID]
	h.mu.Unlock()

	hdr, err := wire.ReadHeaderField(r.Header)
	if err != nil {
		writeError(w, err)
		return
	}

	switch {
	case isWriter:
		h.dispatchWriter(w, r, ws, op, hdr)
	case isReader:
		h.dispatchReader(w, r, rs, op, hdr)
	default:
		writeError(w, backuperr.ErrNotFound)
	}
}

func (h *Handler) dispatchWriter(w http.ResponseWriter, r *http.Request, s *session.BackupSession, op wire.Op, hdr wire.Header) {
	switch op {
	case wire.OpPrevious:
		idx, err := s.Previous(hdr.Archive)
		if err != nil {
			writeError(w, err)
			return
		}
		writeIndex(w, idx, s)

	case wire.OpCreateDynamicIdx:
		writeDone(w, s.CreateDynamicIndex(hdr.Archive))

	case wire.OpCreateFixedIdx:
		writeDone(w, s.CreateFixedIndex(hdr.Archive, hdr.Size, hdr.Offset))

	case wire.OpUploadChunk:
		plaintext, err := io.ReadAll(io.LimitReader(r.Body, int64(blob.MaxBlobSize)+1))
		if err != nil {
			writeError(w, err)
			return
		}
		digest, _, _, err := s.UploadChunk(r.Context(), plaintext)
		if err != nil {
			writeError(w, err)
			return
		}
		writeDigest(w, digest)

	case wire.OpKnownChunk:
		if hdr.Digest == nil {
			writeError(w, backuperr.ErrBadName)
			return
		}
		writeBool(w, s.KnownChunk(*hdr.Digest))

	case wire.OpDynamicAppend:
		if hdr.Digest == nil {
			writeError(w, backuperr.ErrBadName)
			return
		}
		writeDone(w, s.DynamicAppend(hdr.Archive, *hdr.Digest, hdr.Offset))

	case wire.OpFixedAppend:
		if hdr.Digest == nil {
			writeError(w, backuperr.ErrBadName)
			return
		}
		writeDone(w, s.FixedAppend(hdr.Archive, hdr.Position, *hdr.Digest))

	case wire.OpCloseIndex:
		var clientCsum [32]byte
		if hdr.Csum != nil {
			clientCsum = *hdr.Csum
		}
		csum, size, err := s.CloseIndex(hdr.Archive, clientCsum)
		if err != nil {
			writeError(w, err)
			return
		}
		writeCloseResult(w, csum, size)

	case wire.OpUploadBlob:
		plaintext, err := io.ReadAll(io.LimitReader(r.Body, int64(blob.MaxBlobSize)+1))
		if err != nil {
			writeError(w, err)
			return
		}
		digest, err := s.UploadBlob(hdr.Archive, plaintext)
		if err != nil {
			writeError(w, err)
			return
		}
		writeDigest(w, digest)

	case wire.OpFinish:
		m, err := readManifest(r)
		if err != nil {
			writeError(w, err)
			return
		}
		err = s.Finish(m)
		if err == nil {
			h.mu.Lock()
			delete(h.writers, s.ID)
			h.mu.Unlock()
		}
		writeDone(w, err)

	default:
		writeError(w, backuperr.ErrBadName)
	}
}

func (h *Handler) dispatchReader(w http.ResponseWriter, r *http.Request, rs *session.ReaderSession, op wire.Op, hdr wire.Header) {
	switch op {
	case wire.OpDownloadBlob:
		data, err := rs.DownloadBlob(hdr.Archive)
		if err != nil {
			writeError(w, err)
			return
		}
		writeBody(w, data)

	case wire.OpDownloadIndex:
		data, err := rs.DownloadIndex(hdr.Archive)
		if err != nil {
			writeError(w, err)
			return
		}
		writeBody(w, data)

	case wire.OpDownloadChunk:
		if hdr.Digest == nil {
			writeError(w, backuperr.ErrBadName)
			return
		}
		data, err := rs.DownloadChunk(*hdr.Digest)
		if err != nil {
			writeError(w, err)
			return
		}
		writeBody(w, data)

	default:
		writeError(w, backuperr.ErrBadName)
	}
}

// CloseReader ends a download connection and forgets its session.
func (h *Handler) CloseReader(sessionID string) {
	h.mu.Lock()
	rs, ok := h.readers[sessionID]
	delete(h.readers, sessionID)
	h.mu.Unlock()
	if ok {
		rs.Close()
	}
}

// AbortWriter aborts an in-progress upload connection (e.g. on client
// disconnect) and forgets its session.
func (h *Handler) AbortWriter(sessionID string, cause error) {
	h.mu.Lock()
	s, ok := h.writers[sessionID]
	delete(h.writers, sessionID)
	h.mu.Unlock()
	if ok {
		s.Abort(cause)
	}
}

// writeIndex serializes a previous-snapshot index to the response body in
// its native on-disk shape, the same bytes download_index would return, so
// the client parses it with the same index.ReadDynamicIndex/ReadFixedIndex
// pair either way.
func writeIndex(w http.ResponseWriter, idx index.Index, s *session.BackupSession) {
	var buf bytes.Buffer
	var err error
	switch v := idx.(type) {
	case *index.DynamicIndex:
		_, err = v.WriteTo(&buf, s.IndexKey())
	case *index.FixedIndex:
		_, err = v.WriteTo(&buf, s.IndexKey())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeBody(w, buf.Bytes())
}

func readManifest(r *http.Request) (*manifest.Manifest, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	return manifest.Decode(body)
}
