// Package engine runs the client-side negotiation state machine: one
// instance per participant, holding the relay-assigned identity, the current
// traversal configuration, and at most one session system-wide. Every state
// transition - inbound relay frames, local call/hangup commands, and media
// engine callbacks - is funneled through a single event loop, so no two
// transitions for one participant ever run concurrently.
package engine

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
)

var (
	// ErrBusy means the single-call policy is occupied: a participant may
	// hold at most one session at a time, across all remotes.
	ErrBusy = errors.New("already in a call")
	// ErrNoIdentity means the relay has not assigned an identity yet.
	ErrNoIdentity = errors.New("no identity assigned yet")
	ErrClosed     = errors.New("engine closed")
)

type (
	event any

	frameEvent struct{ data core.Frame }

	callEvent struct {
		remote domain.Identity
		done   chan error
	}

	hangupEvent struct{ done chan struct{} }

	// localCandidateEvent carries one locally discovered network path to be
	// relayed to the session's remote.
	localCandidateEvent struct {
		remote domain.Identity
		media  core.MediaConnection
		cand   webrtc.ICECandidateInit
	}

	mediaConnectedEvent struct {
		remote domain.Identity
		media  core.MediaConnection
	}

	mediaClosedEvent struct {
		remote domain.Identity
		media  core.MediaConnection
	}
)

type Engine struct {
	conn     core.SignalConnection
	newMedia core.MediaFactory
	tracks   []*webrtc.TrackLocalStaticRTP

	events chan event
	done   chan struct{}

	// loop-owned; never touched outside run.
	iceServers []domain.ICEServer
	sessions   map[domain.Identity]*session

	self atomic.Value // domain.Identity, written by the loop on hello
}

type Option func(*Engine)

// WithLocalTracks attaches the given tracks to every session's media handle.
func WithLocalTracks(tracks ...*webrtc.TrackLocalStaticRTP) Option {
	return func(e *Engine) { e.tracks = tracks }
}

func NewEngine(conn core.SignalConnection, factory core.MediaFactory, opts ...Option) *Engine {
	e := &Engine{
		conn:     conn,
		newMedia: factory,
		events:   make(chan event, 64),
		done:     make(chan struct{}),
		sessions: make(map[domain.Identity]*session),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Identity reports the relay-assigned identity, or "" before hello arrived.
func (e *Engine) Identity() domain.Identity {
	if v := e.self.Load(); v != nil {
		return v.(domain.Identity)
	}
	return ""
}

// Run drives the event loop until ctx is canceled. On exit every live
// session is torn down with a best-effort bye, even during abrupt shutdown.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)
	defer e.teardown()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.events:
			e.handle(ctx, ev)
		}
	}
}

// HandleFrame feeds one raw relay frame into the loop. Safe for concurrent
// use; ordering is whatever the caller's read loop provides.
func (e *Engine) HandleFrame(data core.Frame) {
	e.post(frameEvent{data: data})
}

// Call initiates a session with the remote identity. It fails with ErrBusy
// when any session already exists, per the single-call policy.
func (e *Engine) Call(ctx context.Context, remote domain.Identity) error {
	ev := callEvent{remote: remote, done: make(chan error, 1)}
	if err := e.postWait(ctx, ev); err != nil {
		return err
	}
	select {
	case err := <-ev.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrClosed
	}
}

// Hangup tears down every live session, sending bye to each remote.
func (e *Engine) Hangup(ctx context.Context) error {
	ev := hangupEvent{done: make(chan struct{})}
	if err := e.postWait(ctx, ev); err != nil {
		return err
	}
	select {
	case <-ev.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return nil
	}
}

func (e *Engine) post(ev event) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

func (e *Engine) postWait(ctx context.Context, ev event) error {
	select {
	case e.events <- ev:
		return nil
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// teardown closes all sessions on loop exit. Bye delivery is best effort:
// the relay connection may already be gone.
func (e *Engine) teardown() {
	for remote := range e.sessions {
		e.closeSession(remote, true)
	}
}

func (e *Engine) send(m domain.Message) {
	b, err := m.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "engine").Msg("encode message")
		return
	}
	if err := e.conn.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "engine").Str("kind", string(m.Type)).Msg("send dropped")
	}
}
