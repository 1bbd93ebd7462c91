package engine

import (
	"context"
	"encoding/json"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/domain"
)

func (e *Engine) handle(ctx context.Context, ev event) {
	switch ev := ev.(type) {
	case frameEvent:
		e.handleFrame(ctx, ev.data)
	case callEvent:
		ev.done <- e.handleCall(ctx, ev.remote)
	case hangupEvent:
		e.handleHangup()
		close(ev.done)
	case localCandidateEvent:
		e.handleLocalCandidate(ev)
	case mediaConnectedEvent:
		e.handleMediaConnected(ev)
	case mediaClosedEvent:
		e.handleMediaClosed(ev)
	}
}

func (e *Engine) handleFrame(ctx context.Context, data []byte) {
	m, err := domain.Parse(data)
	if err != nil {
		// The error kind flows relay-to-sender only, so a bad frame from a
		// peer is dropped here rather than answered.
		log.Warn().Err(err).Str("module", "engine").Msg("bad frame")
		return
	}

	switch m.Type {
	case domain.KindHello:
		// The relay greets exactly once; a hello arriving afterwards came
		// from a peer through the forwarding path and must not rename us.
		if e.Identity() != "" {
			log.Warn().Str("module", "engine").Str("id", m.ID.String()).Msg("identity already assigned, hello ignored")
			return
		}
		e.self.Store(m.ID)
		log.Info().Str("module", "engine").Str("id", m.ID.String()).Msg("identity assigned")
	case domain.KindICEServers:
		// The relay addresses its greeting to us; a forwarded copy carries
		// the sender's identity instead and is not trusted.
		if m.ID != e.Identity() || e.Identity() == "" {
			log.Warn().Str("module", "engine").Str("id", m.ID.String()).Msg("unsolicited traversal config ignored")
			return
		}
		// Applies to sessions created afterward; an in-flight session keeps
		// the configuration it was created with.
		e.iceServers = m.ICEServers
		log.Info().Str("module", "engine").Int("count", len(m.ICEServers)).Msg("traversal config updated")
	case domain.KindOffer:
		e.handleOffer(ctx, m)
	case domain.KindAnswer:
		e.handleAnswer(m)
	case domain.KindCandidate:
		e.handleCandidate(m)
	case domain.KindBye:
		e.closeSession(m.ID, false)
	case domain.KindError:
		log.Warn().Str("module", "engine").Str("msg", m.Msg).Msg("relay error")
	case domain.KindPong:
	default:
		log.Warn().Str("module", "engine").Str("kind", string(m.Type)).Msg("unroutable kind")
	}
}

func (e *Engine) handleCall(ctx context.Context, remote domain.Identity) error {
	if e.Identity() == "" {
		return ErrNoIdentity
	}
	if len(e.sessions) > 0 {
		return ErrBusy
	}

	s, err := e.newSession(ctx, remote, StateOfferSent)
	if err != nil {
		return err
	}
	offer, err := s.media.CreateAndSetOffer()
	if err != nil {
		e.closeSession(remote, false)
		return err
	}
	e.send(domain.Offer(remote, offer.SDP))
	return nil
}

func (e *Engine) handleOffer(ctx context.Context, m *domain.Message) {
	if s, ok := e.sessions[m.ID]; ok {
		if s.state != StateOfferSent {
			// Duplicate offer from a remote we are already negotiating or
			// talking with: idempotently ignored, no reply.
			log.Info().Str("module", "engine").Str("remote", m.ID.String()).Msg("duplicate offer ignored")
			return
		}
		// Glare: both sides sent offers. The lower identity's offer wins;
		// both sides evaluate the same comparison, so they converge.
		if e.Identity() < m.ID {
			log.Info().Str("module", "engine").Str("remote", m.ID.String()).Msg("glare: keeping own offer")
			return
		}
		log.Info().Str("module", "engine").Str("remote", m.ID.String()).Msg("glare: yielding to remote offer")
		e.closeSession(m.ID, false)
	} else if len(e.sessions) > 0 {
		// Single-call policy: the line is busy, decline with bye.
		log.Info().Str("module", "engine").Str("remote", m.ID.String()).Msg("busy, declining offer")
		e.send(domain.Bye(m.ID))
		return
	}

	s, err := e.newSession(ctx, m.ID, StateAnswering)
	if err != nil {
		log.Error().Err(err).Str("module", "engine").Str("remote", m.ID.String()).Msg("accept offer")
		return
	}
	answer, err := s.media.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  m.SDP,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "engine").Str("remote", m.ID.String()).Msg("create answer")
		e.closeSession(m.ID, false)
		return
	}
	e.send(domain.Answer(m.ID, answer.SDP))
}

func (e *Engine) handleAnswer(m *domain.Message) {
	s, ok := e.sessions[m.ID]
	if !ok {
		log.Warn().Str("module", "engine").Str("remote", m.ID.String()).Msg("answer for unknown remote")
		return
	}
	if s.state != StateOfferSent {
		log.Warn().Str("module", "engine").Str("remote", m.ID.String()).
			Str("state", s.state.String()).Msg("answer in unexpected state")
		return
	}
	if err := s.media.ApplyAnswer(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  m.SDP,
	}); err != nil {
		log.Error().Err(err).Str("module", "engine").Str("remote", m.ID.String()).Msg("apply answer")
		e.closeSession(m.ID, true)
	}
}

func (e *Engine) handleCandidate(m *domain.Message) {
	s, ok := e.sessions[m.ID]
	if !ok {
		log.Warn().Str("module", "engine").Str("remote", m.ID.String()).Msg("candidate for unknown remote")
		return
	}
	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal(m.Candidate, &ci); err != nil {
		log.Warn().Err(err).Str("module", "engine").Str("remote", m.ID.String()).Msg("bad candidate payload")
		return
	}
	if err := s.media.AddICECandidate(ci); err != nil {
		log.Error().Err(err).Str("module", "engine").Str("remote", m.ID.String()).Msg("add candidate")
	}
}

func (e *Engine) handleHangup() {
	for remote := range e.sessions {
		e.closeSession(remote, true)
	}
}

func (e *Engine) handleLocalCandidate(ev localCandidateEvent) {
	s, ok := e.sessions[ev.remote]
	if !ok || !s.owns(ev.media) {
		return
	}
	raw, err := json.Marshal(ev.cand)
	if err != nil {
		log.Error().Err(err).Str("module", "engine").Msg("encode candidate")
		return
	}
	e.send(domain.Candidate(ev.remote, raw))
}

func (e *Engine) handleMediaConnected(ev mediaConnectedEvent) {
	s, ok := e.sessions[ev.remote]
	if !ok || !s.owns(ev.media) {
		return
	}
	s.state = StateActive
	log.Info().Str("module", "engine").Str("remote", ev.remote.String()).Msg("session active")
}

func (e *Engine) handleMediaClosed(ev mediaClosedEvent) {
	s, ok := e.sessions[ev.remote]
	if !ok || !s.owns(ev.media) {
		return
	}
	e.closeSession(ev.remote, false)
}
