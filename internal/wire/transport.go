package wire

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// headerMetadata carries the msgpack-encoded Header as a base64 HTTP
// header, so header-only requests (no chunk/blob body) and bulk requests
// (body is the raw chunk/blob bytes) share one framing convention: the
// request body is always the operation's payload, metadata always rides
// in a header.
const headerMetadata = "X-Pbackup-Header"

// headerStatus carries the msgpack-encoded Status as a response trailer —
// the outcome of a streamed body isn't known until the body is fully
// consumed, so it can't ride in the leading response header.
const headerStatus = "X-Pbackup-Status"

// NewTransport builds an http2.Transport tuned per spec.md §6.2: a near-max
// connection window so bulk uploads don't head-of-line-block behind small
// metadata requests, and a 120s keepalive.
func NewTransport(tlsConfig *tls.Config) *http2.Transport {
	return &http2.Transport{
		TLSClientConfig:            tlsConfig,
		AllowHTTP:                  tlsConfig == nil,
		ReadIdleTimeout:            KeepAlivePeriod * time.Second,
		PingTimeout:                15 * time.Second,
		MaxReadFrameSize:           1 << 20,
		StrictMaxConcurrentStreams: false,
		DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
			if tlsConfig == nil {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			}
			return tls.Dial(network, addr, cfg)
		},
	}
}

// Server wraps an http2.Server with the connection-level window spec.md
// §6.2 calls for, serving plain h2c (cleartext HTTP/2) when tlsConfig is
// nil — matching the teacher's h2c.NewHandler fallback in
// internal/server/server.go for environments without a configured cert.
type Server struct {
	http2Server *http2.Server
	handler     http.Handler
	tlsConfig   *tls.Config
}

// NewServer builds a Server around handler.
func NewServer(handler http.Handler, tlsConfig *tls.Config) *Server {
	return &Server{
		http2Server: &http2.Server{
			MaxReadFrameSize:             1 << 20,
			IdleTimeout:                 KeepAlivePeriod * time.Second,
			MaxUploadBufferPerConnection: ConnectionWindowSize,
			MaxUploadBufferPerStream:     StreamWindowSize,
		},
		handler:   handler,
		tlsConfig: tlsConfig,
	}
}

// Serve accepts connections on ln and serves them as HTTP/2, upgrading
// each via http2.Server.ServeConn (cleartext) or relying on the listener's
// own TLS handshake plus ALPN negotiation when tlsConfig is set.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	if s.tlsConfig != nil {
		tlsConn := tls.Server(conn, s.tlsConfig)
		conn = tlsConn
	}
	s.http2Server.ServeConn(conn, &http2.ServeConnOpts{Handler: s.handler})
}

// WriteHeaderField encodes header and sets it on an outgoing request or
// response.
func WriteHeaderField(h http.Header, header Header) error {
	data, err := EncodeHeader(header)
	if err != nil {
		return err
	}
	h.Set(headerMetadata, base64.StdEncoding.EncodeToString(data))
	return nil
}

// ReadHeaderField decodes the Header carried on an incoming request.
func ReadHeaderField(h http.Header) (Header, error) {
	encoded := h.Get(headerMetadata)
	if encoded == "" {
		return Header{}, nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Header{}, fmt.Errorf("wire: decode header field: %w", err)
	}
	return DecodeHeader(data)
}

// WriteTrailerStatus sets the status trailer once the handler knows the
// operation's final outcome; it does not declare it — callers must declare the trailer
// name via w.Header().Set("Trailer", headerStatus) before writing any
// response body, per net/http's trailer contract.
func WriteTrailerStatus(w http.ResponseWriter, status Status) error {
	data, err := EncodeStatus(status)
	if err != nil {
		return err
	}
	w.Header().Set(headerStatus, base64.StdEncoding.EncodeToString(data))
	return nil
}

// DeclareTrailer registers the status trailer on a response, as required
// before the handler writes its body.
func DeclareTrailer(w http.ResponseWriter) {
	w.Header().Set("Trailer", headerStatus)
}

// ReadTrailerStatus decodes the Status trailer from a completed response.
// The body must be fully read (and ideally closed) first so net/http has
// populated resp.Trailer.
func ReadTrailerStatus(resp *http.Response) (Status, error) {
	encoded := resp.Trailer.Get(headerStatus)
	if encoded == "" {
		return Status{}, nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Status{}, fmt.Errorf("wire: decode trailer status: %w", err)
	}
	return DecodeStatus(data)
}

// DrainAndClose reads body to EOF (populating trailers) and closes it.
func DrainAndClose(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}
