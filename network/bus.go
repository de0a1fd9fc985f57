package network

import (
	"context"

	"github.com/sasha-s/go-deadlock"
)

// Handler consumes one inbound envelope. Handlers must not block; slow
// work belongs on the node's own queue.
type Handler func(Envelope)

// Bus is the transport a node speaks. Implementations deliver a
// broadcast envelope to every other endpoint on the bus, never back to
// the sender.
type Bus interface {
	Broadcast(ctx context.Context, e Envelope) error
	Subscribe(h Handler) (cancel func())
	Close() error
}

// Loopback is an in-process bus. Delivery is asynchronous through a
// per-subscriber queue, so a node's handler never runs on another
// node's goroutine.
type Loopback struct {
	mu     deadlock.Mutex
	nextID int
	subs   map[int]chan Envelope
	done   chan struct{}
	closed bool
}

const loopbackQueueDepth = 256

// NewLoopback creates an empty in-process bus.
func NewLoopback() *Loopback {
	return &Loopback{
		subs: make(map[int]chan Envelope),
		done: make(chan struct{}),
	}
}

// Endpoint returns a Bus view for one node. Broadcasts from an endpoint
// are delivered to every other endpoint but not echoed back.
func (l *Loopback) Endpoint() Bus {
	return &loopbackEndpoint{bus: l}
}

func (l *Loopback) subscribe(h Handler) (id int, cancel func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id = l.nextID
	l.nextID++
	ch := make(chan Envelope, loopbackQueueDepth)
	l.subs[id] = ch

	go func() {
		for {
			select {
			case e, ok := <-ch:
				if !ok {
					return
				}
				h(e)
			case <-l.done:
				return
			}
		}
	}()

	return id, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if ch, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(ch)
		}
	}
}

func (l *Loopback) broadcast(from int, e Envelope) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	for id, ch := range l.subs {
		if id == from {
			continue
		}
		select {
		case ch <- e:
		default:
			// A full queue means the subscriber stopped draining;
			// dropping mirrors a lossy network, which the protocol
			// already tolerates.
		}
	}
}

// Close shuts the bus down; pending queues are abandoned.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
	return nil
}

type loopbackEndpoint struct {
	bus *Loopback
	mu  deadlock.Mutex
	id  int
	sub bool
}

func (ep *loopbackEndpoint) Broadcast(ctx context.Context, e Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ep.mu.Lock()
	from := -1
	if ep.sub {
		from = ep.id
	}
	ep.mu.Unlock()
	ep.bus.broadcast(from, e)
	return nil
}

func (ep *loopbackEndpoint) Subscribe(h Handler) (cancel func()) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	id, cancel := ep.bus.subscribe(h)
	ep.id = id
	ep.sub = true
	return cancel
}

func (ep *loopbackEndpoint) Close() error { return nil }
