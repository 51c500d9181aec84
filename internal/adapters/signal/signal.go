package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/callsignal/internal/app"
	"github.com/dkeye/callsignal/internal/core"
	"github.com/dkeye/callsignal/internal/domain"
	"github.com/dkeye/callsignal/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// IdentityKey is the gin context key holding the verified identity of the
// connecting user. It is set by the HTTP layer before HandleSignal runs.
const IdentityKey = "identity"

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	WriteWait  time.Duration
	SendBuffer int
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32768
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	return o
}

// pongWait is how long the read side waits for any traffic, pongs included.
func (o Options) pongWait() time.Duration { return o.PingPeriod * 10 / 9 }

type SignalWSController struct {
	Orch    *app.Orchestrator
	Limiter *InviteRateLimiter
	Metrics *metrics.Metrics
	opts    Options

	upgrader websocket.Upgrader
}

func NewSignalWSController(orch *app.Orchestrator, limiter *InviteRateLimiter, m *metrics.Metrics, opts Options) *SignalWSController {
	return &SignalWSController{
		Orch:    orch,
		Limiter: limiter,
		Metrics: m,
		opts:    opts.withDefaults(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

type wsSignalConn struct {
	conn      *websocket.Conn
	send      chan core.Frame
	writeWait time.Duration

	mu     sync.RWMutex
	closed bool
}

func (c *wsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnectionClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

// Close sends a close frame carrying reason and tears the socket down.
// Frames still queued are discarded.
func (c *wsSignalConn) Close(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeWait))
	_ = c.conn.Close()
}

// HandleSignal upgrades the request and runs the session until either side
// closes it or ctx is cancelled.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	id := domain.Identity(c.GetString(IdentityKey))
	if id == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "username required"})
		return
	}
	logger := log.With().Str("module", "signal").Str("identity", string(id)).Logger()

	// The upgrader writes its own response, so cookies set by the session
	// middleware have to be handed over explicitly.
	respHeader := http.Header{}
	for _, v := range c.Writer.Header().Values("Set-Cookie") {
		respHeader.Add("Set-Cookie", v)
	}
	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, respHeader)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}

	conn := &wsSignalConn{
		conn:      ws,
		send:      make(chan core.Frame, ctl.opts.SendBuffer),
		writeWait: ctl.opts.WriteWait,
	}
	sess := core.NewSession(id, conn)
	logger.Info().Str("sid", string(sess.ID())).Msg("new WS connection")

	if err := ctl.Orch.Connect(ctx, sess); err != nil {
		logger.Error().Err(err).Msg("connect")
		conn.Close("connect failed")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, sess, conn)
}
