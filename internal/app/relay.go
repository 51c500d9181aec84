package app

import (
	"github.com/dkeye/callsignal/internal/core"
	"github.com/dkeye/callsignal/internal/metrics"
	"github.com/dkeye/callsignal/internal/protocol"
	"github.com/rs/zerolog/log"
)

type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeDropped // recipient offline or addressed to self
	OutcomeFailed  // recipient session could not take the frame
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeDropped:
		return "dropped"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// Relay forwards call signals to the recipient's live session. It keeps no
// state between messages and never tells the sender what happened.
type Relay struct {
	Registry *Registry
	Policy   Policy
	Metrics  *metrics.Metrics
}

// Relay delivers sig from the sending session. From is always rebound to
// the sender's identity; the client-supplied value is not trusted.
func (r *Relay) Relay(from core.Session, sig protocol.Signal) Outcome {
	logger := log.With().
		Str("module", "app.relay").
		Str("type", string(sig.Type)).
		Str("from", string(from.Identity())).
		Str("to", string(sig.To)).
		Logger()

	if sig.From != "" && sig.From != from.Identity() {
		logger.Warn().Str("claimed_from", string(sig.From)).Msg("rebinding spoofed sender")
	}
	sig.From = from.Identity()

	if sig.To == sig.From {
		r.Metrics.Inc(metrics.RelayDroppedOffline)
		logger.Debug().Msg("dropped signal addressed to self")
		return OutcomeDropped
	}

	target, ok := r.Registry.Lookup(sig.To)
	if !ok {
		r.Metrics.Inc(metrics.RelayDroppedOffline)
		logger.Debug().Msg("recipient offline, dropped")
		return OutcomeDropped
	}

	frame, err := protocol.Encode(sig)
	if err != nil {
		r.Metrics.Inc(metrics.RelayFailed)
		logger.Error().Err(err).Msg("encode signal")
		return OutcomeFailed
	}
	if err := target.Signal().TrySend(frame); err != nil {
		r.Metrics.Inc(metrics.RelayFailed)
		logger.Warn().Err(err).Msg("recipient send failed")
		if r.Policy != nil && r.Policy.OnBackPressure(target, err) == KickSession {
			logger.Warn().Str("sid", string(target.ID())).Msg("kicking slow session")
			target.Signal().Close("slow consumer")
		}
		return OutcomeFailed
	}
	r.Metrics.Inc(metrics.RelayDelivered)
	logger.Debug().Msg("relayed")
	return OutcomeDelivered
}
