package backupapi

import (
	"errors"
	"net/http"

	"github.com/vmihailenco/msgpack/v5"

	"gastrolog/internal/backuperr"
	"gastrolog/internal/wire"
)

// decodeMsgpack unmarshals a request body into v.
func decodeMsgpack(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// statusFromError translates the backuperr taxonomy into the wire-visible
// Status: a *backuperr.StatusError carries its own Code and Message (its
// wrapped error's text when Message is empty); any other error falls back
// to the generic "state" code with its full err.Error() text. For a bare
// sentinel that is the sentinel's own text; for a wrapped error it includes
// the wrapping context, which is sent as is.
func statusFromError(err error) wire.Status {
	if err == nil {
		return wire.Status{}
	}
	var se *backuperr.StatusError
	if errors.As(err, &se) {
		msg := se.Message
		if msg == "" {
			msg = se.Err.Error()
		}
		return wire.Status{Code: string(se.Code), Message: msg}
	}
	return wire.Status{Code: string(backuperr.CodeState), Message: err.Error()}
}

// writeError declares and writes the status trailer for a failed
// operation. The HTTP status itself stays 200: the real outcome travels in
// the trailer, same as every other operation, so a client only has to
// parse one success/failure channel.
func writeError(w http.ResponseWriter, err error) {
	wire.DeclareTrailer(w)
	w.WriteHeader(http.StatusOK)
	_ = wire.WriteTrailerStatus(w, statusFromError(err))
}

// writeDone writes the empty-body success trailer, or delegates to
// writeError if op failed.
func writeDone(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	wire.DeclareTrailer(w)
	w.WriteHeader(http.StatusOK)
	_ = wire.WriteTrailerStatus(w, wire.Status{})
}

// writeBody writes a successful response whose payload is the raw body
// bytes (chunk/blob/index contents, or a bare session id).
func writeBody(w http.ResponseWriter, data []byte) {
	wire.DeclareTrailer(w)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
	_ = wire.WriteTrailerStatus(w, wire.Status{})
}

func writeSessionID(w http.ResponseWriter, id string) {
	writeBody(w, []byte(id))
}

func writeDigest(w http.ResponseWriter, digest [32]byte) {
	writeBody(w, digest[:])
}

func writeBool(w http.ResponseWriter, b bool) {
	if b {
		writeBody(w, []byte{1})
		return
	}
	writeBody(w, []byte{0})
}

// closeResult is the close_index response body: the server-confirmed csum
// and total byte size of the finished index (spec.md §4.8).
type closeResult struct {
	Csum [32]byte `msgpack:"csum"`
	Size uint64   `msgpack:"size"`
}

func writeCloseResult(w http.ResponseWriter, csum [32]byte, size uint64) {
	data, err := msgpack.Marshal(closeResult{Csum: csum, Size: size})
	if err != nil {
		writeError(w, err)
		return
	}
	writeBody(w, data)
}
