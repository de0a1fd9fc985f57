package network

import (
	"context"
	"testing"
	"time"
)

func collect(t *testing.T, ch <-chan Envelope, want int) []Envelope {
	t.Helper()
	var out []Envelope
	deadline := time.After(2 * time.Second)
	for len(out) < want {
		select {
		case e := <-ch:
			out = append(out, e)
		case <-deadline:
			t.Fatalf("received %d envelopes, want %d", len(out), want)
		}
	}
	return out
}

func TestLoopbackFanOut(t *testing.T) {
	bus := NewLoopback()
	defer bus.Close()

	sender := bus.Endpoint()
	senderInbox := make(chan Envelope, 16)
	cancel := sender.Subscribe(func(e Envelope) { senderInbox <- e })
	defer cancel()

	inboxes := make([]chan Envelope, 3)
	for i := range inboxes {
		inboxes[i] = make(chan Envelope, 16)
		ch := inboxes[i]
		c := bus.Endpoint().Subscribe(func(e Envelope) { ch <- e })
		defer c()
	}

	e := Envelope{Kind: KindProposal, Round: 1, Sender: testSender(t), Payload: []byte("hello")}
	if err := sender.Broadcast(context.Background(), e); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	for i, ch := range inboxes {
		got := collect(t, ch, 1)
		if got[0].Kind != KindProposal || string(got[0].Payload) != "hello" {
			t.Fatalf("subscriber %d received mangled envelope", i)
		}
	}

	// The sender must not hear its own broadcast.
	select {
	case <-senderInbox:
		t.Fatal("broadcast echoed back to the sender")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLoopbackCancelStopsDelivery(t *testing.T) {
	bus := NewLoopback()
	defer bus.Close()

	sender := bus.Endpoint()
	inbox := make(chan Envelope, 16)
	cancel := bus.Endpoint().Subscribe(func(e Envelope) { inbox <- e })

	e := Envelope{Kind: KindVote, Round: 1, Sender: testSender(t), Payload: []byte("x")}
	if err := sender.Broadcast(context.Background(), e); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	collect(t, inbox, 1)

	cancel()
	if err := sender.Broadcast(context.Background(), e); err != nil {
		t.Fatalf("broadcast after cancel: %v", err)
	}
	select {
	case <-inbox:
		t.Fatal("delivery after cancel")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLoopbackHonorsContext(t *testing.T) {
	bus := NewLoopback()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := Envelope{Kind: KindVote, Round: 1, Sender: testSender(t)}
	if err := bus.Endpoint().Broadcast(ctx, e); err == nil {
		t.Fatal("broadcast succeeded with a cancelled context")
	}
}
