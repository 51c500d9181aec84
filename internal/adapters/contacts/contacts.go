// Package contacts provides the read-only relationship graph the presence
// notifier consults, backed by memory, SQLite or MongoDB.
package contacts

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/callsignal/internal/config"
	"github.com/dkeye/callsignal/internal/core"
	"github.com/dkeye/callsignal/internal/domain"
)

var ErrUnknownBackend = errors.New("unknown contacts backend")

// Store is a ContactStore that can be seeded at startup and must be closed.
type Store interface {
	core.ContactStore
	Seed(ctx context.Context, edges []config.SeedEdge) error
	Close(ctx context.Context) error
}

// Open builds the backend named in cfg and applies its seed edges.
func Open(ctx context.Context, cfg config.ContactsConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Backend {
	case "", "memory":
		s = NewMemory()
	case "sqlite":
		s, err = OpenSQLite(cfg.SQLitePath)
	case "mongo":
		s, err = OpenMongo(ctx, cfg.MongoURI, cfg.MongoDB)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s contacts: %w", cfg.Backend, err)
	}
	if len(cfg.Seed) > 0 {
		if err := s.Seed(ctx, cfg.Seed); err != nil {
			_ = s.Close(ctx)
			return nil, fmt.Errorf("seed %s contacts: %w", cfg.Backend, err)
		}
	}
	return s, nil
}

func edgeIdentities(e config.SeedEdge) (domain.Identity, domain.Identity, error) {
	owner, err := domain.NewIdentity(e.Owner)
	if err != nil {
		return "", "", fmt.Errorf("seed owner %q: %w", e.Owner, err)
	}
	contact, err := domain.NewIdentity(e.Contact)
	if err != nil {
		return "", "", fmt.Errorf("seed contact %q: %w", e.Contact, err)
	}
	return owner, contact, nil
}
