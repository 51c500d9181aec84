// Package rtc adapts pion/webrtc to the peer connection and media
// interfaces of the call machine.
package rtc

import (
	"sync"

	"github.com/dkeye/callsignal/internal/client/call"
	"github.com/dkeye/callsignal/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Factory creates peer connections sharing one pion API.
type Factory struct {
	api  *webrtc.API
	cfg  webrtc.Configuration
	self domain.Identity
}

func NewFactory(api *webrtc.API, opts Options, self domain.Identity) *Factory {
	return &Factory{api: api, cfg: opts.Configuration(), self: self}
}

func (f *Factory) NewPeer() (call.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}
	return newConnection(pc, f.self), nil
}

// Connection wraps a pion PeerConnection. Callbacks are registered once on
// the pion side and forwarded to whatever the owner set, until Detach.
type Connection struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger

	mu      sync.Mutex
	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onTrack func(call.RemoteTrack)

	closeOnce sync.Once
	closeErr  error
}

func newConnection(pc *webrtc.PeerConnection, self domain.Identity) *Connection {
	c := &Connection{
		pc:     pc,
		logger: log.With().Str("module", "webrtc").Str("self", string(self)).Logger(),
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		go drainRemote(c.logger, track)
		go drainRTCP(receiver)
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(track)
		}
	})

	return c
}

func (c *Connection) AddTrack(track webrtc.TrackLocal) error {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}
	go drainRTCP(sender)
	return nil
}

// CreateOffer creates an offer. Without local tracks it first adds
// receive-only transceivers so the offer still carries audio and video sections.
func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	if len(c.pc.GetTransceivers()) == 0 {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			_, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			})
			if err != nil {
				return webrtc.SessionDescription{}, err
			}
		}
	}
	return c.pc.CreateOffer(nil)
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *Connection) SetLocalDescription(d webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(d)
}

func (c *Connection) SetRemoteDescription(d webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(d)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Connection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// OnTrack sets application-level callback for remote tracks.
func (c *Connection) OnTrack(fn func(call.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Connection) Detach() {
	c.mu.Lock()
	c.onICE, c.onState, c.onTrack = nil, nil, nil
	c.mu.Unlock()
}

func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.pc.Close()
		if c.closeErr != nil {
			c.logger.Error().Err(c.closeErr).Msg("close error")
		} else {
			c.logger.Info().Msg("closed")
		}
	})
	return c.closeErr
}

// ConnectionState reports the current pion state.
func (c *Connection) ConnectionState() webrtc.PeerConnectionState {
	return c.pc.ConnectionState()
}
