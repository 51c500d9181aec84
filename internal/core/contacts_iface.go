package core

import (
	"context"

	"github.com/dkeye/callsignal/internal/domain"
)

// ContactStore is the read-only view of the relationship graph.
// AcceptedContacts must never return pending (unaccepted) contacts.
type ContactStore interface {
	AcceptedContacts(ctx context.Context, id domain.Identity) ([]domain.Identity, error)
}
