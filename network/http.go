package network

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

const envelopePath = "/v1/envelope"

// HTTPBus is the HTTP transport. Each node runs a server accepting
// envelopes from its peers and posts its own broadcasts to every peer
// address. TLS with a pinned self-signed certificate is used when the
// bus is built with certificates.
type HTTPBus struct {
	log     *slog.Logger
	self    string
	peers   []string
	server  *http.Server
	client  *http.Client
	handler *envelopeHandler
	timeout time.Duration
}

type envelopeHandler struct {
	mu sync.RWMutex
	fn Handler
}

func (h *envelopeHandler) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost || req.URL.Path != envelopePath {
		rw.WriteHeader(http.StatusNotFound)
		return
	}
	raw, err := io.ReadAll(req.Body)
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
	e, err := UnmarshalEnvelope(raw)
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}
	h.mu.RLock()
	fn := h.fn
	h.mu.RUnlock()
	if fn == nil {
		rw.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	fn(e)
	rw.WriteHeader(http.StatusAccepted)
}

// HTTPOption configures an HTTPBus.
type HTTPOption func(*HTTPBus)

// WithRequestTimeout bounds each outbound post.
func WithRequestTimeout(d time.Duration) HTTPOption {
	return func(b *HTTPBus) { b.timeout = d }
}

// WithLogger sets the bus logger.
func WithLogger(log *slog.Logger) HTTPOption {
	return func(b *HTTPBus) { b.log = log }
}

// WithTLS serves and dials with the given certificate, trusting only
// the pinned peer certificates in peerCertsPEM.
func WithTLS(cert tls.Certificate, peerCertsPEM [][]byte) HTTPOption {
	return func(b *HTTPBus) {
		pool := x509.NewCertPool()
		for _, pem := range peerCertsPEM {
			pool.AppendCertsFromPEM(pem)
		}
		b.server.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		b.client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool},
		}
	}
}

// NewHTTPBus starts a bus serving on l and broadcasting to peers. The
// peer list holds the other nodes' addresses, not this node's own.
func NewHTTPBus(l net.Listener, peers []string, opts ...HTTPOption) *HTTPBus {
	h := &envelopeHandler{}
	b := &HTTPBus{
		log:     slog.Default(),
		self:    l.Addr().String(),
		peers:   append([]string(nil), peers...),
		server:  &http.Server{Handler: h},
		client:  &http.Client{},
		handler: h,
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.client.Timeout = b.timeout

	go func() {
		var err error
		if b.server.TLSConfig != nil {
			err = b.server.ServeTLS(l, "", "")
		} else {
			err = b.server.Serve(l)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.log.Error("bus server stopped", "err", err)
		}
	}()
	return b
}

func (b *HTTPBus) scheme() string {
	if b.server.TLSConfig != nil {
		return "https"
	}
	return "http"
}

// Broadcast posts the envelope to every peer. A peer that cannot be
// reached is logged and skipped; the protocol tolerates lossy delivery
// and the first unreachable peer must not starve the rest.
func (b *HTTPBus) Broadcast(ctx context.Context, e Envelope) error {
	raw, err := e.Marshal()
	if err != nil {
		return err
	}
	var firstErr error
	for _, addr := range b.peers {
		url := fmt.Sprintf("%s://%s%s", b.scheme(), addr, envelopePath)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
		if err != nil {
			return err
		}
		resp, err := b.client.Do(req)
		if err != nil {
			b.log.Debug("peer unreachable", "peer", addr, "kind", e.Kind.String(), "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			b.log.Debug("peer rejected envelope", "peer", addr, "status", resp.StatusCode)
		}
	}
	return firstErr
}

// Subscribe registers the inbound handler. Only one handler is active;
// a later call replaces it.
func (b *HTTPBus) Subscribe(h Handler) (cancel func()) {
	b.handler.mu.Lock()
	b.handler.fn = h
	b.handler.mu.Unlock()
	return func() {
		b.handler.mu.Lock()
		b.handler.fn = nil
		b.handler.mu.Unlock()
	}
}

// Close shuts the server down.
func (b *HTTPBus) Close() error {
	return b.server.Shutdown(context.Background())
}

// CreateListeners opens n loopback TCP listeners, returning them with
// their addresses. Used by tests and the local demo.
func CreateListeners(n int) ([]net.Listener, []string, error) {
	listeners := make([]net.Listener, n)
	addresses := make([]string, n)
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", "localhost:0")
		if err != nil {
			for j := 0; j < i; j++ {
				listeners[j].Close()
			}
			return nil, nil, err
		}
		listeners[i] = l
		addresses[i] = l.Addr().String()
	}
	return listeners, addresses, nil
}
