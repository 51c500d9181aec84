package signal

import "github.com/dkeye/callsignal/internal/protocol"

func (ctl *SignalWSController) handlePing(conn *wsSignalConn) {
	ctl.sendJSON(conn, struct {
		Type protocol.MessageType `json:"type"`
	}{Type: protocol.TypePong})
}
