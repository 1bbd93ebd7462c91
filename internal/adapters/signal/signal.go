// Package signal is the relay side of the wire protocol: it accepts
// websocket endpoints, assigns identities, and routes validated messages
// one-to-one between them.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/app"
	"github.com/dkeye/Duet/internal/config"
	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

type SignalWSController struct {
	Registry *app.Registry

	servers []domain.ICEServer
	limiter *MessageRateLimiter
	cfg     *config.Config
}

func NewSignalWSController(cfg *config.Config, reg *app.Registry) *SignalWSController {
	return &SignalWSController{
		Registry: reg,
		servers:  cfg.ICEServers,
		limiter:  NewMessageRateLimiter(cfg.RateLimit, cfg.RateWindow),
		cfg:      cfg,
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request, mints a fresh identity, registers it,
// and greets the endpoint with hello + iceServers before any routing starts.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.cfg.ReadLimit)

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.cfg.SendBuffer),
	}

	id := domain.NewIdentity()
	log.Info().Str("module", "signal").Str("id", id.String()).Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	ctl.Registry.Bind(id, conn, cancel)

	ctl.sendMessage(conn, domain.Hello(id))
	ctl.sendMessage(conn, domain.ServerList(id, ctl.servers))

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, id, conn)
}

// disconnect runs once per connection when its read pump exits. The departed
// identity is announced as a bye so a counterpart holding a session with it
// can tear down instead of waiting forever.
func (ctl *SignalWSController) disconnect(id domain.Identity, c *WsSignalConn) {
	ctl.Registry.Cancel(id)
	ctl.Registry.Unbind(id)
	ctl.limiter.Forget(id)
	c.Close()

	gone, err := domain.Bye(id).Encode()
	if err != nil {
		return
	}
	for _, snap := range ctl.Registry.Others(id) {
		if err := snap.Conn.TrySend(gone); err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("to", snap.ID.String()).Msg("bye notify dropped")
		}
	}
}

func (ctl *SignalWSController) sendMessage(c *WsSignalConn, m domain.Message) {
	b, err := m.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode message")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("kind", string(m.Type)).Msg("send dropped")
	}
}
