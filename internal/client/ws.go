// Package client dials the relay from the peer side and exposes the
// connection as a core.SignalConnection for the negotiation engine.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

const writeWait = 5 * time.Second

type RelayConn struct {
	conn *websocket.Conn
	send chan core.Frame
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

func Dial(ctx context.Context, rawURL string) (*RelayConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return &RelayConn{
		conn: conn,
		send: make(chan core.Frame, 32),
		done: make(chan struct{}),
	}, nil
}

func (c *RelayConn) TrySend(f core.Frame) error {
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

func (c *RelayConn) Close() {
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

// Done is closed once the read loop has exited, i.e. the relay is gone.
func (c *RelayConn) Done() <-chan struct{} { return c.done }

// Run pumps the connection: outbound frames from TrySend, inbound frames to
// onFrame in receipt order. It blocks until ctx is canceled or the
// connection drops, then closes the transport.
func (c *RelayConn) Run(ctx context.Context, onFrame func(core.Frame)) {
	go c.writePump(ctx)

	defer func() {
		c.Close()
		close(c.done)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Error().Err(err).Str("module", "client").Msg("read error")
				}
				return
			}
			onFrame(data)
		}
	}
}

func (c *RelayConn) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "client").Msg("write error")
				return
			}
		}
	}
}
