// Package network carries consensus messages between nodes.
//
// # Core Components
//
// Envelope: The single wire frame. Every protocol message (proposal,
// vote, commitment, reveal, VRF output, dispute evidence) travels as a
// typed payload inside an envelope.
//
// Bus: The transport abstraction the node speaks. Broadcast delivers an
// envelope to every peer; Subscribe registers the inbound handler.
//
// Loopback: An in-process bus connecting nodes in one process, used by
// tests and local games.
//
// HTTPBus: An HTTP transport where each node runs a small server and
// posts envelopes to its peers, optionally over TLS with a self-signed
// certificate.
//
// The consensus layer never assumes ordered or reliable delivery; every
// payload carries its own signature and is re-verified on receipt.
package network
