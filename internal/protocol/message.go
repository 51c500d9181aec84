// Package protocol defines the JSON messages exchanged over the signaling WebSocket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/callsignal/internal/domain"
)

// MessageType identifies the kind of message carried in an envelope.
type MessageType string

const (
	TypeCallInvite   MessageType = "call-invite"
	TypeCallAccept   MessageType = "call-accept"
	TypeIceCandidate MessageType = "ice-candidate"
	TypeHangup       MessageType = "hangup"

	TypePresenceChange   MessageType = "presence-change"
	TypePresenceSnapshot MessageType = "presence-snapshot"

	TypePing   MessageType = "ping"
	TypePong   MessageType = "pong"
	TypeWhoAmI MessageType = "whoami"
	TypeError  MessageType = "error"
)

var (
	ErrBadEnvelope   = errors.New("bad envelope")
	ErrNotSignal     = errors.New("not a signaling message")
	ErrMissingTarget = errors.New("signal without recipient")
	ErrMissingField  = errors.New("signal payload missing")
)

// IsSignal reports whether t is one of the four relayed call signals.
func (t MessageType) IsSignal() bool {
	switch t {
	case TypeCallInvite, TypeCallAccept, TypeIceCandidate, TypeHangup:
		return true
	}
	return false
}

// Signal is a call-negotiation message. The relay reads only To; the
// payload fields stay raw so they are forwarded byte-for-byte.
type Signal struct {
	Type      MessageType     `json:"type"`
	From      domain.Identity `json:"from"`
	To        domain.Identity `json:"to"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type PresenceChange struct {
	Type    MessageType     `json:"type"`
	Subject domain.Identity `json:"subject"`
	Online  bool            `json:"online"`
}

type PresenceSnapshot struct {
	Type   MessageType       `json:"type"`
	Online []domain.Identity `json:"online"`
}

type WhoAmI struct {
	Type     MessageType     `json:"type"`
	Username domain.Identity `json:"username"`
}

type Error struct {
	Type  MessageType `json:"type"`
	Error string      `json:"error"`
}

type envelope struct {
	Type MessageType `json:"type"`
}

// PeekType returns the type of an encoded envelope without decoding the rest.
func PeekType(data []byte) (MessageType, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: %w", ErrBadEnvelope, err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrBadEnvelope)
	}
	return env.Type, nil
}

// DecodeSignal decodes and validates a call signal.
func DecodeSignal(data []byte) (Signal, error) {
	var s Signal
	if err := json.Unmarshal(data, &s); err != nil {
		return Signal{}, fmt.Errorf("%w: %w", ErrBadEnvelope, err)
	}
	if err := s.Validate(); err != nil {
		return Signal{}, err
	}
	return s, nil
}

// Validate checks that the signal carries the payload its type requires.
func (s Signal) Validate() error {
	if !s.Type.IsSignal() {
		return fmt.Errorf("%w: %q", ErrNotSignal, s.Type)
	}
	if s.To == "" {
		return ErrMissingTarget
	}
	switch s.Type {
	case TypeCallInvite:
		if len(s.Offer) == 0 {
			return fmt.Errorf("%w: offer", ErrMissingField)
		}
	case TypeCallAccept:
		if len(s.Answer) == 0 {
			return fmt.Errorf("%w: answer", ErrMissingField)
		}
	case TypeIceCandidate:
		if len(s.Candidate) == 0 {
			return fmt.Errorf("%w: candidate", ErrMissingField)
		}
	}
	return nil
}

// DecodePresence decodes a presence-change message.
func DecodePresence(data []byte) (domain.PresenceEvent, error) {
	var p PresenceChange
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.PresenceEvent{}, fmt.Errorf("%w: %w", ErrBadEnvelope, err)
	}
	return domain.PresenceEvent{Subject: p.Subject, Online: p.Online}, nil
}

// DecodeSnapshot decodes a presence-snapshot message.
func DecodeSnapshot(data []byte) ([]domain.Identity, error) {
	var p PresenceSnapshot
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadEnvelope, err)
	}
	return p.Online, nil
}

func NewPresenceChange(ev domain.PresenceEvent) PresenceChange {
	return PresenceChange{Type: TypePresenceChange, Subject: ev.Subject, Online: ev.Online}
}

func NewPresenceSnapshot(online []domain.Identity) PresenceSnapshot {
	if online == nil {
		online = []domain.Identity{}
	}
	return PresenceSnapshot{Type: TypePresenceSnapshot, Online: online}
}

func NewError(msg string) Error { return Error{Type: TypeError, Error: msg} }

// Encode marshals any protocol message.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return b, nil
}

// DecodeError returns the text of an error message.
func DecodeError(data []byte) (string, error) {
	var e Error
	if err := json.Unmarshal(data, &e); err != nil {
		return "", fmt.Errorf("%w: %w", ErrBadEnvelope, err)
	}
	return e.Error, nil
}
