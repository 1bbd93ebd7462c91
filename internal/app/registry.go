// Package app holds the relay's application state: the registry of live
// connections keyed by identity.
package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
)

type connEntry struct {
	Conn   core.SignalConnection
	Cancel context.CancelFunc
}

// Registry maps each live identity to exactly one open transport. An entry
// exists iff the transport is open; only the connect/disconnect path mutates
// it, the routing path only looks entries up.
type Registry struct {
	mu    sync.RWMutex
	conns map[domain.Identity]*connEntry
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[domain.Identity]*connEntry)}
}

func (r *Registry) Bind(id domain.Identity, conn core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[id] = &connEntry{Conn: conn, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("id", id.String()).Msg("bound connection")
}

func (r *Registry) Get(id domain.Identity) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[id]; ok {
		return e.Conn, true
	}
	return nil, false
}

func (r *Registry) Unbind(id domain.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
	log.Info().Str("module", "app.registry").Str("id", id.String()).Msg("unbound connection")
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

type ConnSnap struct {
	ID   domain.Identity
	Conn core.SignalConnection
}

// Others snapshots every live connection except the given identity. The
// caller writes outside the lock.
func (r *Registry) Others(except domain.Identity) []ConnSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnSnap, 0, len(r.conns))
	for id, e := range r.conns {
		if id == except {
			continue
		}
		out = append(out, ConnSnap{ID: id, Conn: e.Conn})
	}
	return out
}

// Cancel fires the stored cancel func, tearing the connection's pumps down.
func (r *Registry) Cancel(id domain.Identity) bool {
	r.mu.RLock()
	e, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("id", id.String()).Msg("canceled connection")
	return true
}
