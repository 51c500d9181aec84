package app

import (
	"errors"

	"github.com/dkeye/callsignal/internal/core"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickSession
)

// Policy decides what happens to a session whose outbound queue rejected a frame.
type Policy interface {
	OnBackPressure(target core.Session, err error) BackpressureAction
}

// SimplePolicy drops the frame, and with KickSlow also disconnects a session
// that has stopped draining its queue.
type SimplePolicy struct {
	KickSlow bool
}

func (p SimplePolicy) OnBackPressure(_ core.Session, err error) BackpressureAction {
	if p.KickSlow && errors.Is(err, core.ErrBackpressure) {
		return KickSession
	}
	return NoAction
}
