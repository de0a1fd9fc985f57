// Package discovery finds other nodes on the local machine by scanning
// a well-known port range. Each node serves its own announcement and
// probes the other ports; every hit is delivered on the Entries channel.
//
// Discovery is best effort and unauthenticated: an announcement only
// tells a node where to dial. Identity is established by the signed
// protocol messages themselves, never by discovery.
package discovery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Entry is one discovered node: its participant id in hex and the
// address its message bus listens on.
type Entry struct {
	ID   string
	Addr string
}

// New announces on the given port and scans only that port's range.
func New(ann Entry, port uint16) (*Discover, error) {
	return NewWithOptions(ann,
		WithPortRange(port, port),
		WithAttempts(2),
	)
}

type handler struct {
	ann Entry
}

func (h handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "%s %s", h.ann.ID, h.ann.Addr)
}

func (d *Discover) search(ctx context.Context) {
	for port := d.startPort; port <= d.endPort; port++ {
		if port == d.port {
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("http://localhost:%d", port), nil)
		if err != nil {
			continue
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			continue
		}
		buf, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			continue
		}
		id, addr, ok := strings.Cut(string(buf), " ")
		if !ok {
			continue
		}
		select {
		case d.Entries <- Entry{ID: id, Addr: addr}:
		case <-ctx.Done():
			return
		}
	}
}

// Close stops announcing and scanning.
func (d *Discover) Close() error {
	d.cancel()
	return d.server.Shutdown(context.Background())
}
