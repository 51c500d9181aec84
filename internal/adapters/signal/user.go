package signal

import (
	"github.com/dkeye/callsignal/internal/core"
	"github.com/dkeye/callsignal/internal/protocol"
)

func (ctl *SignalWSController) handleWhoAmI(sess core.Session, conn *wsSignalConn) {
	ctl.sendJSON(conn, protocol.WhoAmI{
		Type:     protocol.TypeWhoAmI,
		Username: sess.Identity(),
	})
}
