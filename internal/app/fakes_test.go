package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dkeye/callsignal/internal/core"
	"github.com/dkeye/callsignal/internal/domain"
)

type fakeConn struct {
	mu      sync.Mutex
	frames  [][]byte
	closed  bool
	reason  string
	sendErr error
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnectionClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.frames = append(c.frames, append([]byte(nil), f...))
	return nil
}

func (c *fakeConn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.reason = reason
}

func (c *fakeConn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

// decoded returns every frame sent to c as a generic map.
func (c *fakeConn) decoded(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, f := range c.Frames() {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err != nil {
			t.Fatalf("frame %q is not json: %v", f, err)
		}
		out = append(out, m)
	}
	return out
}

func newTestSession(id string) (core.Session, *fakeConn) {
	c := &fakeConn{}
	return core.NewSession(domain.Identity(id), c), c
}

type fakeContacts struct {
	graph map[domain.Identity][]domain.Contact
	err   error
}

func (f *fakeContacts) AcceptedContacts(_ context.Context, id domain.Identity) ([]domain.Identity, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Identity
	for _, c := range f.graph[id] {
		if c.Accepted {
			out = append(out, c.Identity)
		}
	}
	return out, nil
}

var errStoreDown = errors.New("store down")

// gatedContacts blocks the next lookup of one identity until release is
// closed, after arm is called.
type gatedContacts struct {
	inner   *fakeContacts
	id      domain.Identity
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGatedContacts(inner *fakeContacts, id domain.Identity) *gatedContacts {
	return &gatedContacts{inner: inner, id: id, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedContacts) arm() { g.armed.Store(true) }

func (g *gatedContacts) AcceptedContacts(ctx context.Context, id domain.Identity) ([]domain.Identity, error) {
	if id == g.id && g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return g.inner.AcceptedContacts(ctx, id)
}
