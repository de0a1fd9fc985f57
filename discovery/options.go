package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Discover runs one node's announce server and port scan.
type Discover struct {
	Entries   chan Entry
	port      uint16
	startPort uint16
	endPort   uint16
	server    *http.Server
	cancel    context.CancelFunc
	attempts  uint
}

type option func(Discover) Discover

// NewWithOptions announces ann on the first free port of the configured
// range and scans the rest of the range in the background.
func NewWithOptions(ann Entry, opts ...option) (*Discover, error) {
	d := Discover{
		Entries:   make(chan Entry),
		startPort: 9000,
		endPort:   9010,
		attempts:  1,
	}
	for _, opt := range opts {
		d = opt(d)
	}

	var l net.Listener
	var err error
	var port uint16
	for port = d.startPort; port <= d.endPort; port++ {
		l, err = net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
		if err == nil {
			d.port = port
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("no free port in [%d,%d]: %w", d.startPort, d.endPort, err)
	}
	d.server = &http.Server{
		Addr:    fmt.Sprintf("localhost:%d", port),
		Handler: handler{ann: ann},
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go func() {
		if err := d.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			panic(err)
		}
	}()
	go func() {
		for range d.attempts {
			d.search(ctx)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
		}
	}()
	return &d, nil
}

// WithPortRange sets the scanned port range.
func WithPortRange(startPort, endPort uint16) option {
	return func(d Discover) Discover {
		d.startPort = startPort
		d.endPort = endPort
		return d
	}
}

// WithPort pins announce and scan to a single port.
func WithPort(port uint16) option {
	return WithPortRange(port, port)
}

// WithAttempts sets how many scan passes run, one second apart.
func WithAttempts(attempts uint) option {
	return func(d Discover) Discover {
		d.attempts = attempts
		return d
	}
}
