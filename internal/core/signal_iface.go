package core

import "errors"

// Frame is one encoded signaling message.
type Frame []byte

var (
	ErrBackpressure     = errors.New("backpressure")
	ErrConnectionClosed = errors.New("connection closed")
)

// SignalConnection abstracts the messaging transport of one session.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend enqueues f without blocking. It returns ErrBackpressure when the
	// outbound queue is full and ErrConnectionClosed after Close.
	TrySend(Frame) error
	// Close terminates the transport, telling the remote end why.
	Close(reason string)
}
