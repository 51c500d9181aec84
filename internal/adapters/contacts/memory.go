package contacts

import (
	"context"
	"sync"

	"github.com/dkeye/callsignal/internal/config"
	"github.com/dkeye/callsignal/internal/domain"
)

type Memory struct {
	mu    sync.RWMutex
	graph map[domain.Identity][]domain.Contact
}

func NewMemory() *Memory {
	return &Memory{graph: make(map[domain.Identity][]domain.Contact)}
}

// Set records (or updates) the directed relation owner -> contact.
func (m *Memory) Set(owner, contact domain.Identity, accepted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.graph[owner]
	for i := range list {
		if list[i].Identity == contact {
			list[i].Accepted = accepted
			return
		}
	}
	m.graph[owner] = append(list, domain.Contact{Identity: contact, Accepted: accepted})
}

func (m *Memory) AcceptedContacts(_ context.Context, id domain.Identity) ([]domain.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Identity
	for _, c := range m.graph[id] {
		if c.Accepted {
			out = append(out, c.Identity)
		}
	}
	return out, nil
}

func (m *Memory) Seed(_ context.Context, edges []config.SeedEdge) error {
	for _, e := range edges {
		owner, contact, err := edgeIdentities(e)
		if err != nil {
			return err
		}
		m.Set(owner, contact, e.Accepted)
	}
	return nil
}

func (m *Memory) Close(context.Context) error { return nil }
