package negotiation

import (
	"github.com/opd-ai/relaydrop/transport"
)

// Peer is the local end of a direct connection. PionPeer is the production
// implementation.
type Peer interface {
	// CreateOffer creates an offer, applies it locally and returns it.
	CreateOffer(iceRestart bool) (transport.Description, error)
	// CreateAnswer creates an answer to the applied remote offer, applies
	// it locally and returns it.
	CreateAnswer() (transport.Description, error)
	// SetRemoteDescription applies the peer's offer or answer.
	SetRemoteDescription(desc transport.Description) error
	// AddICECandidate applies one remote candidate.
	AddICECandidate(c transport.Candidate) error
	// HasRemoteDescription reports whether a remote description is applied.
	HasRemoteDescription() bool
	// AwaitingAnswer reports whether a local offer is waiting for an answer.
	AwaitingAnswer() bool
	// OnICECandidate registers the callback for locally discovered candidates.
	OnICECandidate(fn func(transport.Candidate))
	// OnConnectionStateChange registers the callback for connection state changes.
	OnConnectionStateChange(fn func(ConnectionState))
	// Close tears the connection down.
	Close() error
}

// Signaler carries negotiation messages to the remote peer, normally over the
// relay connection.
type Signaler interface {
	SendMessage(msg *transport.Message) error
}
