package main

import (
	"context"

	"go.uber.org/multierr"

	"github.com/dkeye/callsignal/internal/adapters/signalclient"
	"github.com/dkeye/callsignal/internal/client/call"
)

// session owns the signaling read loop for the life of the process. The loop
// runs on its own context so an interrupt does not cut the connection before
// the machine has said goodbye.
type session struct {
	sc      *signalclient.Client
	m       *call.Machine
	stopRun context.CancelFunc
	done    chan error
}

func startSession(sc *signalclient.Client, m *call.Machine, h signalclient.Handlers) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{sc: sc, m: m, stopRun: cancel, done: make(chan error, 1)}
	go func() { s.done <- sc.Run(ctx, h) }()
	return s
}

// Done reports the read loop's result once the server side ends.
func (s *session) Done() <-chan error { return s.done }

// shutdown hangs up any call while the connection is still open, then stops
// the read loop and closes the connection.
func (s *session) shutdown() error {
	err := s.m.Close()
	s.stopRun()
	return multierr.Append(err, s.sc.Close())
}
