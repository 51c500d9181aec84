package app

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/dkeye/callsignal/internal/core"
	"github.com/dkeye/callsignal/internal/protocol"
	"github.com/rs/zerolog/log"
)

// CloseSuperseded is the close reason given to a session replaced by a newer
// connection of the same identity.
const CloseSuperseded = "superseded"

// Orchestrator ties session lifecycle to presence and relays signals.
type Orchestrator struct {
	Registry *Registry
	Presence *PresenceNotifier
	Relay    *Relay

	// Connect and Disconnect of one identity run one at a time, so a late
	// offline fan-out can never land after the online of a reconnect.
	stripes [32]sync.Mutex
}

func (o *Orchestrator) lock(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	mu := &o.stripes[h.Sum32()%uint32(len(o.stripes))]
	mu.Lock()
	return mu.Unlock
}

// Connect registers sess, closes the session it supersedes, announces the
// identity to its contacts and sends sess the contacts already online.
func (o *Orchestrator) Connect(ctx context.Context, sess core.Session) error {
	id := sess.Identity()
	defer o.lock(string(id))()

	prev, err := o.Registry.Register(id, sess)
	if err != nil {
		return err
	}
	if prev != nil {
		prev.Signal().Close(CloseSuperseded)
	}

	online := o.Presence.Online(ctx, id)
	frame, err := protocol.Encode(protocol.NewPresenceSnapshot(online))
	if err != nil {
		return err
	}
	if err := sess.Signal().TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "app.orchestrator").Str("identity", string(id)).Msg("presence snapshot not sent")
	}
	return nil
}

// Disconnect removes sess. Contacts hear about it only if sess still owned
// the identity; a superseded session leaves quietly.
func (o *Orchestrator) Disconnect(ctx context.Context, sess core.Session) {
	defer o.lock(string(sess.Identity()))()

	if !o.Registry.Remove(sess.Identity(), sess) {
		return
	}
	o.Presence.Offline(ctx, sess.Identity())
}

func (o *Orchestrator) OnSignal(from core.Session, sig protocol.Signal) Outcome {
	return o.Relay.Relay(from, sig)
}
