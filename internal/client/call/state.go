package call

import "github.com/dkeye/callsignal/internal/domain"

type Status int

const (
	Idle Status = iota
	Outgoing
	Incoming
	Connected
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Outgoing:
		return "outgoing"
	case Incoming:
		return "incoming"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// Snapshot is a read-only view of the call, published after every change.
// Peer is empty exactly when Status is Idle.
type Snapshot struct {
	Status             Status
	Peer               domain.Identity
	BufferedCandidates int
	HasPeerConnection  bool
	HasLocalMedia      bool
	HasRemoteMedia     bool
}
