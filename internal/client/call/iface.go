package call

import (
	"context"
	"time"

	"github.com/dkeye/callsignal/internal/protocol"
	"github.com/pion/webrtc/v4"
)

// PeerConnection is the slice of a WebRTC peer connection the machine drives.
type PeerConnection interface {
	AddTrack(webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error

	// OnICECandidate sets a callback for newly gathered local candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	// OnTrack sets a callback invoked when a remote track arrives.
	OnTrack(func(RemoteTrack))
	// Detach drops every callback so nothing fires during or after Close.
	Detach()
	Close() error
}

type PeerFactory interface {
	NewPeer() (PeerConnection, error)
}

// LocalMedia is an acquired set of local tracks, released by Stop.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	Stop() error
}

type MediaSource interface {
	Acquire(ctx context.Context) (LocalMedia, error)
}

// RemoteTrack is satisfied by *webrtc.TrackRemote.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// Signaler delivers outbound call signals to the relay.
type Signaler interface {
	Send(protocol.Signal) error
}

type Timer interface {
	Stop() bool
}

type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
