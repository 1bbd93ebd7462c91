package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Duet/internal/domain"
)

// MediaConnection is the negotiation engine's view of one peer-to-peer media
// transport under negotiation. The description payloads stay opaque to the
// engine; it only moves them between the wire and this handle.
type MediaConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close must be idempotent and release all underlying media resources.
	Close()
	IsClosed() bool

	// CreateAndSetOffer produces and applies the local offer description.
	CreateAndSetOffer() (*webrtc.SessionDescription, error)
	// ApplyOfferAndCreateAnswer applies a remote offer and produces the local answer.
	ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	// ApplyAnswer applies the remote answer to a previously sent offer.
	ApplyAnswer(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// AddLocalTrack attaches a local static RTP track to the underlying PeerConnection.
	AddLocalTrack(track *webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error)

	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	// OnConnected sets a callback for the transport reporting itself established.
	OnConnected(func())
	// OnClosed sets a callback for the transport failing or closing.
	OnClosed(func())
}

// MediaFactory mints one MediaConnection per session from the traversal
// configuration current at session creation time.
type MediaFactory func(servers []domain.ICEServer) (MediaConnection, error)
