package signal

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/domain"
)

// handleFrame routes one inbound message. The relay never interprets
// negotiation semantics: it checks only that the payload is a JSON object
// with a string id, rewrites the id to the sender's registry identity, and
// forwards. Every fault short of a transport failure is answered to the
// sender; nothing here closes the sender's connection.
func (ctl *SignalWSController) handleFrame(sender domain.Identity, c *WsSignalConn, data []byte) {
	if !ctl.limiter.Allow(sender) {
		log.Warn().Str("module", "signal").Str("id", sender.String()).Msg("rate limited")
		ctl.sendMessage(c, domain.Error("rate limited"))
		return
	}

	// Control messages are answered in place, never routed.
	if domain.PeekKind(data) == domain.KindPing {
		ctl.sendMessage(c, domain.Pong())
		return
	}

	target, out, err := domain.Reroute(data, sender)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("id", sender.String()).Msg("bad message")
		if errors.Is(err, domain.ErrMissingID) {
			ctl.sendMessage(c, domain.Error("missing id field"))
		} else {
			ctl.sendMessage(c, domain.Error("malformed message"))
		}
		return
	}

	peer, ok := ctl.Registry.Get(target)
	if !ok {
		ctl.sendMessage(c, domain.Error(fmt.Sprintf("no peer with id %s", target)))
		return
	}

	// Fire and forget: a full or closing target buffer is the target's
	// problem, not the sender's.
	if err := peer.TrySend(out); err != nil {
		log.Warn().Err(err).Str("module", "signal").
			Str("from", sender.String()).Str("to", target.String()).Msg("forward dropped")
	}
}
