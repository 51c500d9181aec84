// Package domain contains entities without transport logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const MaxIdentityLen = 64

var (
	ErrIdentityTooLong = errors.New("identity too long")
	ErrIdentityEmpty   = errors.New("identity empty")
	ErrIdentityInvalid = errors.New("identity contains whitespace or control characters")
)

// Identity is the stable username a participant is known by.
// It is supplied by the external auth boundary and trusted as-is.
type Identity string

// NewIdentity validates raw and returns it as an Identity.
func NewIdentity(raw string) (Identity, error) {
	if len(raw) == 0 {
		return "", ErrIdentityEmpty
	}
	if len(raw) > MaxIdentityLen {
		return "", ErrIdentityTooLong
	}
	if strings.IndexFunc(raw, func(r rune) bool { return r <= ' ' || r == 0x7f }) >= 0 {
		return "", ErrIdentityInvalid
	}
	return Identity(raw), nil
}

func (id Identity) String() string { return string(id) }
