package engine

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
)

// State is one session's place in the negotiation lifecycle.
type State int

const (
	// StateOfferSent: local offer sent, awaiting the remote answer.
	StateOfferSent State = iota + 1
	// StateAnswering: remote offer received, local answer in flight.
	StateAnswering
	// StateActive: the media engine reported the transport established.
	StateActive
)

func (s State) String() string {
	switch s {
	case StateOfferSent:
		return "offer_sent"
	case StateAnswering:
		return "answering"
	case StateActive:
		return "active"
	}
	return "none"
}

// session pairs one remote identity with one media handle under negotiation.
type session struct {
	remote domain.Identity
	media  core.MediaConnection
	state  State
}

// owns reports whether a media-engine event belongs to this session's handle.
// A session abandoned during glare resolution still has callbacks in flight;
// those must not touch its replacement.
func (s *session) owns(media core.MediaConnection) bool {
	return s != nil && s.media == media
}

// newSession creates the media handle for a remote, attaches local tracks,
// and wires its callbacks back into the event loop. The caller decides the
// initial state and drives the description exchange.
func (e *Engine) newSession(ctx context.Context, remote domain.Identity, state State) (*session, error) {
	media, err := e.newMedia(e.iceServers)
	if err != nil {
		return nil, err
	}

	s := &session{remote: remote, media: media, state: state}

	media.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		e.post(localCandidateEvent{remote: remote, media: media, cand: ci})
	})
	media.OnConnected(func() {
		e.post(mediaConnectedEvent{remote: remote, media: media})
	})
	media.OnClosed(func() {
		e.post(mediaClosedEvent{remote: remote, media: media})
	})

	for _, t := range e.tracks {
		if _, err := media.AddLocalTrack(t); err != nil {
			media.Close()
			return nil, err
		}
	}

	if err := media.Start(ctx); err != nil {
		media.Close()
		return nil, err
	}

	e.sessions[remote] = s
	log.Info().Str("module", "engine").Str("remote", remote.String()).
		Str("state", state.String()).Msg("session created")
	return s, nil
}

// closeSession deletes the record and releases the media handle. Idempotent:
// a second close for the same remote is a no-op. sendBye announces the
// teardown to the remote; inbound bye handling passes false.
func (e *Engine) closeSession(remote domain.Identity, sendBye bool) {
	s, ok := e.sessions[remote]
	if !ok {
		return
	}
	delete(e.sessions, remote)
	s.media.Close()
	if sendBye {
		e.send(domain.Bye(remote))
	}
	log.Info().Str("module", "engine").Str("remote", remote.String()).Msg("session closed")
}
