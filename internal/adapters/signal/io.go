package signal

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/callsignal/internal/core"
	"github.com/dkeye/callsignal/internal/metrics"
	"github.com/dkeye/callsignal/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *wsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			c.Close("server shutdown")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				c.Close("write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.opts.WriteWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		}
	}
}

// readPump handles inbound messages in arrival order; relaying is synchronous
// so a sender's signals reach the recipient's queue in the order sent.
func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sess core.Session, c *wsSignalConn) {
	logger := log.With().Str("module", "signal").Str("identity", string(sess.Identity())).Str("sid", string(sess.ID())).Logger()
	defer func() {
		logger.Info().Msg("readPump closing")
		ctl.Orch.Disconnect(context.WithoutCancel(ctx), sess)
		c.Close("bye")
		cancel()
	}()

	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.opts.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.opts.pongWait()))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				logger.Info().Int("code", ce.Code).Str("reason", ce.Text).Msg("peer closed")
			} else {
				logger.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(ctl.opts.pongWait()))
		ctl.handleMessage(sess, c, data)
	}
}

func (ctl *SignalWSController) handleMessage(sess core.Session, c *wsSignalConn, data []byte) {
	typ, err := protocol.PeekType(data)
	if err != nil {
		ctl.Metrics.Inc(metrics.RelayBadMessage)
		log.Warn().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendError(c, "bad_payload")
		return
	}

	switch typ {
	case protocol.TypePing:
		ctl.handlePing(c)
	case protocol.TypeWhoAmI:
		ctl.handleWhoAmI(sess, c)
	case protocol.TypeCallInvite, protocol.TypeCallAccept, protocol.TypeIceCandidate, protocol.TypeHangup:
		ctl.handleCallSignal(sess, c, data)
	default:
		ctl.Metrics.Inc(metrics.RelayBadMessage)
		log.Warn().Str("module", "signal").Str("type", string(typ)).Msg("unknown signal")
		ctl.sendError(c, "unknown_type")
	}
}

func (ctl *SignalWSController) handleCallSignal(sess core.Session, c *wsSignalConn, data []byte) {
	sig, err := protocol.DecodeSignal(data)
	if err != nil {
		ctl.Metrics.Inc(metrics.RelayBadMessage)
		log.Warn().Err(err).Str("module", "signal").Str("identity", string(sess.Identity())).Msg("bad signal payload")
		ctl.sendError(c, "bad_payload")
		return
	}
	if sig.Type == protocol.TypeCallInvite && ctl.Limiter != nil && !ctl.Limiter.Allow(sess.Identity()) {
		ctl.Metrics.Inc(metrics.RelayRateLimited)
		log.Warn().Str("module", "signal").Str("identity", string(sess.Identity())).Msg("invite rate limited")
		ctl.sendError(c, "rate_limited")
		return
	}
	ctl.Orch.OnSignal(sess, sig)
}

func (ctl *SignalWSController) sendError(c *wsSignalConn, msg string) {
	ctl.sendJSON(c, protocol.NewError(msg))
}

func (ctl *SignalWSController) sendJSON(c *wsSignalConn, v any) {
	b, err := protocol.Encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}
