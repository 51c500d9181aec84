package app

import (
	"context"
	"time"

	"github.com/dkeye/callsignal/internal/core"
	"github.com/dkeye/callsignal/internal/domain"
	"github.com/dkeye/callsignal/internal/metrics"
	"github.com/dkeye/callsignal/internal/protocol"
	"github.com/rs/zerolog/log"
)

const defaultStoreTimeout = 5 * time.Second

// PresenceNotifier pushes online/offline changes to accepted contacts.
// Delivery is best effort: no ack, no retry, no queue for offline contacts.
type PresenceNotifier struct {
	Registry *Registry
	Contacts core.ContactStore
	Metrics  *metrics.Metrics
	Timeout  time.Duration
}

// Online announces id to its online contacts and returns which of them are
// online, for the presence snapshot sent back to the new session.
func (p *PresenceNotifier) Online(ctx context.Context, id domain.Identity) []domain.Identity {
	return p.fanOut(ctx, domain.PresenceEvent{Subject: id, Online: true})
}

func (p *PresenceNotifier) Offline(ctx context.Context, id domain.Identity) {
	p.fanOut(ctx, domain.PresenceEvent{Subject: id, Online: false})
}

// OnlineContacts lists the accepted contacts of id that are connected now,
// without notifying anyone.
func (p *PresenceNotifier) OnlineContacts(ctx context.Context, id domain.Identity) ([]domain.Identity, error) {
	contacts, err := p.accepted(ctx, id)
	if err != nil {
		p.Metrics.Inc(metrics.PresenceStoreErrors)
		return nil, err
	}
	online := make([]domain.Identity, 0, len(contacts))
	for _, c := range contacts {
		if c != id && p.Registry.Online(c) {
			online = append(online, c)
		}
	}
	return online, nil
}

func (p *PresenceNotifier) accepted(ctx context.Context, id domain.Identity) ([]domain.Identity, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Contacts.AcceptedContacts(ctx, id)
}

func (p *PresenceNotifier) fanOut(ctx context.Context, ev domain.PresenceEvent) []domain.Identity {
	logger := log.With().Str("module", "app.presence").Str("subject", string(ev.Subject)).Bool("online", ev.Online).Logger()

	contacts, err := p.accepted(ctx, ev.Subject)
	if err != nil {
		p.Metrics.Inc(metrics.PresenceStoreErrors)
		logger.Error().Err(err).Msg("contact lookup failed, presence not delivered")
		return nil
	}
	// Own copy so a store handing out its internal slice is never mutated or
	// iterated while a push re-enters the registry.
	contacts = append([]domain.Identity(nil), contacts...)

	frame, err := protocol.Encode(protocol.NewPresenceChange(ev))
	if err != nil {
		logger.Error().Err(err).Msg("encode presence")
		return nil
	}

	online := make([]domain.Identity, 0, len(contacts))
	for _, c := range contacts {
		if c == ev.Subject {
			continue
		}
		sess, ok := p.Registry.Lookup(c)
		if !ok {
			continue
		}
		online = append(online, c)
		if err := sess.Signal().TrySend(frame); err != nil {
			p.Metrics.Inc(metrics.PresenceDropped)
			logger.Warn().Err(err).Str("contact", string(c)).Msg("presence push failed")
			continue
		}
		p.Metrics.Inc(metrics.PresenceDelivered)
	}
	logger.Debug().Int("contacts", len(contacts)).Int("online", len(online)).Msg("presence fan-out")
	return online
}
