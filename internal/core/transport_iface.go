package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// TransportState collapses the underlying peer-connection states into
// what the signaling core reacts to.
type TransportState int

const (
	TransportNew TransportState = iota
	TransportConnecting
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportNew:
		return "new"
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	}
	return "unknown"
}

// Terminal reports whether the state drives an automatic session close.
func (s TransportState) Terminal() bool {
	return s == TransportDisconnected || s == TransportFailed || s == TransportClosed
}

// StreamHandle is the consumer-facing view of a remote media stream.
type StreamHandle interface {
	ID() string
	TrackCount() int
}

// PeerTransport is a generic offer/answer/ICE capability. The core
// treats it as opaque; the production implementation wraps a pion
// PeerConnection.
type PeerTransport interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// CreateAndSetOffer builds the local offer and installs it as the
	// local description.
	CreateAndSetOffer(ctx context.Context) (*webrtc.SessionDescription, error)
	// ApplyOfferAndCreateAnswer sets the remote offer, builds the
	// answer and installs it locally.
	ApplyOfferAndCreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	// ApplyAnswer sets the remote description on the offering side.
	// It must be applied at most once per transport instance.
	ApplyAnswer(answer webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// AddLocalTrack attaches one acquired local track for sending.
	AddLocalTrack(track LocalTrack) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnStateChange sets a callback for connectivity transitions.
	OnStateChange(func(TransportState))
	// OnRemoteStream sets a callback invoked once when the first remote
	// track of a stream arrives; the handle keeps counting later tracks.
	OnRemoteStream(func(StreamHandle))
	// Close should stop all underlying transport resources.
	Close() error
	IsClosed() bool
}

// TransportFactory builds one transport per negotiation attempt.
type TransportFactory interface {
	NewTransport() (PeerTransport, error)
}
