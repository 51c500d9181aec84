package core

import (
	"github.com/dkeye/callsignal/internal/domain"
	"github.com/google/uuid"
)

type SessionID string

// Session is the handle of one live transport connection bound to an identity.
type Session interface {
	ID() SessionID
	Identity() domain.Identity
	Signal() SignalConnection
}

type session struct {
	id       SessionID
	identity domain.Identity
	conn     SignalConnection
}

// NewSession binds conn to identity under a fresh random session id.
func NewSession(identity domain.Identity, conn SignalConnection) Session {
	return &session{
		id:       SessionID(uuid.NewString()),
		identity: identity,
		conn:     conn,
	}
}

func (s *session) ID() SessionID             { return s.id }
func (s *session) Identity() domain.Identity { return s.identity }
func (s *session) Signal() SignalConnection  { return s.conn }
