// Package signalclient is the client side of the signaling WebSocket.
package signalclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/callsignal/internal/domain"
	"github.com/dkeye/callsignal/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const writeWait = 10 * time.Second

var (
	ErrClosed       = errors.New("signal client closed")
	ErrServerClosed = errors.New("server closed connection")
)

// Handlers receive inbound messages on the Run goroutine, in arrival order.
type Handlers struct {
	OnSignal   func(protocol.Signal)
	OnPresence func(domain.PresenceEvent)
	OnSnapshot func([]domain.Identity)
	OnError    func(string)
}

type Client struct {
	conn   *websocket.Conn
	self   domain.Identity
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// Dial connects to serverURL as username.
func Dial(ctx context.Context, serverURL string, username domain.Identity) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	q.Set("username", string(username))
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signaling server: %w", err)
	}
	return &Client{
		conn:   conn,
		self:   username,
		logger: log.With().Str("module", "signalclient").Str("identity", string(username)).Logger(),
	}, nil
}

func (c *Client) Self() domain.Identity { return c.self }

// Send writes a call signal. From is filled in; the server overwrites it anyway.
func (c *Client) Send(sig protocol.Signal) error {
	sig.From = c.self
	return c.write(sig)
}

func (c *Client) Ping() error {
	return c.write(struct {
		Type protocol.MessageType `json:"type"`
	}{protocol.TypePing})
}

func (c *Client) write(v any) error {
	data, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Run reads until the connection ends or ctx is done. It returns nil after a
// local Close and ErrServerClosed when the server ends the session.
func (c *Client) Run(ctx context.Context, h Handlers) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || c.isClosed() {
				return nil
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return fmt.Errorf("%w: %s", ErrServerClosed, ce.Text)
			}
			return err
		}
		c.dispatch(data, h)
	}
}

func (c *Client) dispatch(data []byte, h Handlers) {
	typ, err := protocol.PeekType(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("bad message")
		return
	}
	switch {
	case typ.IsSignal():
		sig, err := protocol.DecodeSignal(data)
		if err != nil {
			c.logger.Warn().Err(err).Str("type", string(typ)).Msg("bad signal")
			return
		}
		if h.OnSignal != nil {
			h.OnSignal(sig)
		}
	case typ == protocol.TypePresenceChange:
		ev, err := protocol.DecodePresence(data)
		if err == nil && h.OnPresence != nil {
			h.OnPresence(ev)
		}
	case typ == protocol.TypePresenceSnapshot:
		online, err := protocol.DecodeSnapshot(data)
		if err == nil && h.OnSnapshot != nil {
			h.OnSnapshot(online)
		}
	case typ == protocol.TypeError:
		msg, err := protocol.DecodeError(data)
		if err == nil && h.OnError != nil {
			h.OnError(msg)
		}
	default:
		c.logger.Debug().Str("type", string(typ)).Msg("ignored message")
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close sends a close frame and drops the connection. Safe to call twice.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.conn.Close()
}
