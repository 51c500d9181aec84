// Package call drives one participant's side of a 1:1 call: it turns user
// intents and relayed signals into peer-connection operations.
//
// All state lives on a single event-loop goroutine. Slow steps such as media
// acquisition run elsewhere and come back as events tagged with the call's
// generation; a generation that no longer matches means the call was torn
// down meanwhile and the result is released and dropped.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/callsignal/internal/domain"
	"github.com/dkeye/callsignal/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

const DefaultCallTimeout = 30 * time.Second

var (
	ErrBusy           = errors.New("call already in progress")
	ErrInvalidTarget  = errors.New("invalid call target")
	ErrSelfCall       = errors.New("cannot call yourself")
	ErrNoIncoming     = errors.New("no incoming call")
	ErrMedia          = errors.New("local media unavailable")
	ErrTimeout        = errors.New("call not answered")
	ErrConnectionLost = errors.New("peer connection lost")
	ErrNegotiation    = errors.New("negotiation failed")
	ErrCallAborted    = errors.New("call ended before setup finished")
	ErrClosed         = errors.New("call machine closed")
)

type Config struct {
	Self     domain.Identity
	Peers    PeerFactory
	Media    MediaSource
	Signaler Signaler

	// Clock defaults to the wall clock.
	Clock       Clock
	CallTimeout time.Duration
}

type Machine struct {
	cfg      Config
	logger   zerolog.Logger
	events   chan func()
	done     chan struct{}
	handlers map[protocol.MessageType]func(protocol.Signal)

	obs  *notifier
	last atomic.Pointer[Snapshot]

	// Owned by the loop goroutine.
	closed        bool
	gen           uint64
	status        Status
	peer          domain.Identity
	informed      bool // peer knows about this call
	accepting     bool
	pendingOffer  *webrtc.SessionDescription
	buffered      []webrtc.ICECandidateInit
	pc            PeerConnection
	remoteApplied bool
	local         LocalMedia
	remote        []RemoteTrack
	timer         Timer
}

// New starts a machine in Idle. Close must be called to stop it.
func New(cfg Config) (*Machine, error) {
	if cfg.Self == "" {
		return nil, domain.ErrIdentityEmpty
	}
	if cfg.Peers == nil || cfg.Media == nil || cfg.Signaler == nil {
		return nil, errors.New("call: peers, media and signaler are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	m := &Machine{
		cfg:    cfg,
		logger: log.With().Str("module", "client.call").Str("self", string(cfg.Self)).Logger(),
		events: make(chan func(), 128),
		done:   make(chan struct{}),
		obs:    newNotifier(),
	}
	m.handlers = map[protocol.MessageType]func(protocol.Signal){
		protocol.TypeCallInvite:   m.onInvite,
		protocol.TypeCallAccept:   m.onAccept,
		protocol.TypeIceCandidate: m.onCandidate,
		protocol.TypeHangup:       m.onHangup,
	}
	m.last.Store(&Snapshot{})
	go m.obs.run()
	go m.run()
	return m, nil
}

func (m *Machine) run() {
	defer func() {
		close(m.done)
		m.obs.stop()
	}()
	for fn := range m.events {
		fn()
		if m.closed {
			return
		}
	}
}

// post queues fn without waiting. Events posted after the loop stopped are dropped.
func (m *Machine) post(fn func()) {
	select {
	case m.events <- fn:
	case <-m.done:
	}
}

// runOnLoop queues fn and waits for it. It reports false if the loop stopped
// before fn ran, in which case fn never runs.
func (m *Machine) runOnLoop(fn func()) bool {
	ran := make(chan struct{})
	select {
	case m.events <- func() { fn(); close(ran) }:
	case <-m.done:
		return false
	}
	select {
	case <-ran:
		return true
	case <-m.done:
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

func (m *Machine) do(fn func() error) error {
	var err error
	if !m.runOnLoop(func() { err = fn() }) {
		return ErrClosed
	}
	return err
}

// Snapshot returns the most recently published state.
func (m *Machine) Snapshot() Snapshot { return *m.last.Load() }

func (m *Machine) OnStateChange(fn func(Snapshot))    { m.obs.addState(fn) }
func (m *Machine) OnError(fn func(error))             { m.obs.addError(fn) }
func (m *Machine) OnRemoteTrack(fn func(RemoteTrack)) { m.obs.addTrack(fn) }

// Initiate calls target. It returns once the invite is sent or the attempt
// failed; the call then waits in Outgoing for an accept or the timeout.
func (m *Machine) Initiate(ctx context.Context, target domain.Identity) error {
	result := make(chan error, 1)
	if err := m.do(func() error { return m.startInitiate(ctx, target, result) }); err != nil {
		return err
	}
	return <-result
}

func (m *Machine) startInitiate(ctx context.Context, target domain.Identity, result chan<- error) error {
	switch {
	case m.closed:
		return ErrClosed
	case m.status != Idle:
		return ErrBusy
	case target == "":
		return ErrInvalidTarget
	case target == m.cfg.Self:
		return ErrSelfCall
	}

	m.gen++
	m.status = Outgoing
	m.peer = target
	if err := m.openPeer(); err != nil {
		return multierr.Append(err, m.teardown(false))
	}
	m.publish()

	m.logger.Info().Str("peer", string(target)).Msg("call initiating")
	m.acquire(ctx, m.gen, result, m.finishInitiate)
	return nil
}

func (m *Machine) finishInitiate(local LocalMedia) error {
	if err := m.attach(local); err != nil {
		return err
	}
	offer, err := m.pc.CreateOffer()
	if err == nil {
		err = m.pc.SetLocalDescription(offer)
	}
	if err != nil {
		return m.fail(fmt.Errorf("%w: offer: %w", ErrNegotiation, err))
	}
	raw, err := json.Marshal(offer)
	if err != nil {
		return m.fail(fmt.Errorf("%w: %w", ErrNegotiation, err))
	}
	if err := m.send(protocol.Signal{Type: protocol.TypeCallInvite, Offer: raw}); err != nil {
		return m.fail(err)
	}
	m.informed = true

	gen := m.gen
	m.timer = m.cfg.Clock.AfterFunc(m.cfg.CallTimeout, func() {
		m.post(func() { m.onTimeout(gen) })
	})
	m.publish()
	return nil
}

// Accept answers the pending incoming call.
func (m *Machine) Accept(ctx context.Context) error {
	result := make(chan error, 1)
	if err := m.do(func() error { return m.startAccept(ctx, result) }); err != nil {
		return err
	}
	return <-result
}

func (m *Machine) startAccept(ctx context.Context, result chan<- error) error {
	switch {
	case m.closed:
		return ErrClosed
	case m.status != Incoming || m.pendingOffer == nil || m.peer == "":
		return ErrNoIncoming
	case m.accepting:
		return ErrBusy
	}
	m.accepting = true
	if err := m.openPeer(); err != nil {
		return multierr.Append(err, m.teardown(true))
	}
	m.publish()

	m.logger.Info().Str("peer", string(m.peer)).Msg("call accepting")
	m.acquire(ctx, m.gen, result, m.finishAccept)
	return nil
}

func (m *Machine) finishAccept(local LocalMedia) error {
	if err := m.attach(local); err != nil {
		return err
	}
	if err := m.pc.SetRemoteDescription(*m.pendingOffer); err != nil {
		return m.fail(fmt.Errorf("%w: remote offer: %w", ErrNegotiation, err))
	}
	m.pendingOffer = nil
	m.remoteApplied = true
	if err := m.drainCandidates(); err != nil {
		return m.fail(err)
	}

	answer, err := m.pc.CreateAnswer()
	if err == nil {
		err = m.pc.SetLocalDescription(answer)
	}
	if err != nil {
		return m.fail(fmt.Errorf("%w: answer: %w", ErrNegotiation, err))
	}
	raw, err := json.Marshal(answer)
	if err != nil {
		return m.fail(fmt.Errorf("%w: %w", ErrNegotiation, err))
	}
	if err := m.send(protocol.Signal{Type: protocol.TypeCallAccept, Answer: raw}); err != nil {
		return m.fail(err)
	}
	m.accepting = false
	m.status = Connected
	m.publish()
	m.logger.Info().Str("peer", string(m.peer)).Msg("call connected")
	return nil
}

// acquire fetches local media off the loop and hands it to finish back on
// the loop, provided the call of generation gen is still alive.
func (m *Machine) acquire(ctx context.Context, gen uint64, result chan<- error, finish func(LocalMedia) error) {
	go func() {
		local, err := m.cfg.Media.Acquire(ctx)
		ran := m.runOnLoop(func() {
			if gen != m.gen {
				release(local)
				result <- ErrCallAborted
				return
			}
			if err != nil {
				result <- m.fail(fmt.Errorf("%w: %w", ErrMedia, err))
				return
			}
			result <- finish(local)
		})
		if !ran {
			release(local)
			result <- ErrClosed
		}
	}()
}

func release(local LocalMedia) {
	if local == nil {
		return
	}
	if err := local.Stop(); err != nil {
		log.Warn().Err(err).Str("module", "client.call").Msg("release stale media")
	}
}

func (m *Machine) attach(local LocalMedia) error {
	m.local = local
	for _, tr := range local.Tracks() {
		if err := m.pc.AddTrack(tr); err != nil {
			return m.fail(fmt.Errorf("%w: add track: %w", ErrMedia, err))
		}
	}
	return nil
}

func (m *Machine) openPeer() error {
	pc, err := m.cfg.Peers.NewPeer()
	if err != nil {
		return fmt.Errorf("%w: new peer connection: %w", ErrNegotiation, err)
	}
	gen := m.gen
	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		m.post(func() { m.onLocalCandidate(gen, c) })
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.post(func() { m.onConnectionState(gen, s) })
	})
	pc.OnTrack(func(tr RemoteTrack) {
		m.post(func() { m.onRemoteTrack(gen, tr) })
	})
	m.pc = pc
	return nil
}

// Hangup ends the current call, telling the peer if it knows about it.
// It is a no-op when Idle.
func (m *Machine) Hangup() error {
	return m.do(func() error {
		if m.status == Idle {
			return nil
		}
		m.logger.Info().Str("peer", string(m.peer)).Msg("hangup")
		return m.teardown(true)
	})
}

// Reject declines the pending incoming call.
func (m *Machine) Reject() error {
	return m.do(func() error {
		if m.status != Incoming {
			return ErrNoIncoming
		}
		m.logger.Info().Str("peer", string(m.peer)).Msg("reject")
		return m.teardown(true)
	})
}

// Close tears down any call and stops the machine.
func (m *Machine) Close() error {
	err := m.do(func() error {
		m.closed = true
		if m.status == Idle {
			return nil
		}
		return m.teardown(true)
	})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	<-m.done
	return err
}

// HandleSignal feeds one relayed signal to the machine and waits until it
// has been processed.
func (m *Machine) HandleSignal(sig protocol.Signal) error {
	h, ok := m.handlers[sig.Type]
	if !ok {
		return fmt.Errorf("%w: %q", protocol.ErrNotSignal, sig.Type)
	}
	return m.do(func() error {
		h(sig)
		return nil
	})
}

func (m *Machine) onInvite(sig protocol.Signal) {
	logger := m.logger.With().Str("from", string(sig.From)).Logger()
	if m.status != Idle {
		logger.Debug().Str("status", m.status.String()).Msg("invite ignored, busy")
		return
	}
	if sig.From == "" || sig.From == m.cfg.Self {
		logger.Warn().Msg("invite without usable sender")
		return
	}
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(sig.Offer, &offer); err != nil {
		logger.Warn().Err(err).Msg("invite with unreadable offer")
		return
	}
	m.gen++
	m.status = Incoming
	m.peer = sig.From
	m.informed = true
	m.pendingOffer = &offer
	m.publish()
	logger.Info().Msg("incoming call")
}

// Signals from the peer only count once it has been told about this call;
// until the invite is out, anything it sends belongs to an earlier attempt.
func (m *Machine) fromPeer(sig protocol.Signal) bool {
	return m.status != Idle && m.informed && sig.From == m.peer
}

func (m *Machine) onAccept(sig protocol.Signal) {
	if m.status != Outgoing || !m.fromPeer(sig) {
		m.logger.Debug().Str("from", string(sig.From)).Str("status", m.status.String()).Msg("accept ignored")
		return
	}
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(sig.Answer, &answer); err != nil {
		m.fail(fmt.Errorf("%w: answer: %w", ErrNegotiation, err))
		return
	}
	if err := m.pc.SetRemoteDescription(answer); err != nil {
		m.fail(fmt.Errorf("%w: remote answer: %w", ErrNegotiation, err))
		return
	}
	m.remoteApplied = true
	m.stopTimer()
	if err := m.drainCandidates(); err != nil {
		m.fail(err)
		return
	}
	m.status = Connected
	m.publish()
	m.logger.Info().Str("peer", string(m.peer)).Msg("call connected")
}

func (m *Machine) onCandidate(sig protocol.Signal) {
	if !m.fromPeer(sig) {
		m.logger.Debug().Str("from", string(sig.From)).Msg("candidate dropped, no call with sender")
		return
	}
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(sig.Candidate, &c); err != nil {
		m.fail(fmt.Errorf("%w: candidate: %w", ErrNegotiation, err))
		return
	}
	if m.pc == nil || !m.remoteApplied {
		m.buffered = append(m.buffered, c)
		m.publish()
		return
	}
	if err := m.pc.AddICECandidate(c); err != nil {
		m.fail(fmt.Errorf("%w: candidate: %w", ErrNegotiation, err))
	}
}

func (m *Machine) onHangup(sig protocol.Signal) {
	if !m.fromPeer(sig) {
		m.logger.Debug().Str("from", string(sig.From)).Msg("hangup ignored")
		return
	}
	m.logger.Info().Str("peer", string(m.peer)).Msg("remote hangup")
	// The peer already knows; answering with a hangup would be noise.
	if err := m.teardown(false); err != nil {
		m.obs.pushError(err)
	}
}

func (m *Machine) drainCandidates() error {
	buf := m.buffered
	m.buffered = nil
	for _, c := range buf {
		if err := m.pc.AddICECandidate(c); err != nil {
			return fmt.Errorf("%w: buffered candidate: %w", ErrNegotiation, err)
		}
	}
	return nil
}

func (m *Machine) onTimeout(gen uint64) {
	if gen != m.gen || m.status != Outgoing {
		return
	}
	m.timer = nil
	m.logger.Info().Str("peer", string(m.peer)).Msg("call not answered")
	m.fail(ErrTimeout)
}

func (m *Machine) onLocalCandidate(gen uint64, c webrtc.ICECandidateInit) {
	if gen != m.gen || m.status == Idle {
		return
	}
	raw, err := json.Marshal(c)
	if err != nil {
		m.logger.Error().Err(err).Msg("encode local candidate")
		return
	}
	if err := m.send(protocol.Signal{Type: protocol.TypeIceCandidate, Candidate: raw}); err != nil {
		m.logger.Warn().Err(err).Msg("send local candidate")
	}
}

func (m *Machine) onConnectionState(gen uint64, s webrtc.PeerConnectionState) {
	if gen != m.gen || m.status == Idle {
		return
	}
	m.logger.Info().Str("peer", string(m.peer)).Str("state", s.String()).Msg("peer connection state")
	switch s {
	case webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateClosed:
		m.fail(fmt.Errorf("%w: %s", ErrConnectionLost, s))
	}
}

func (m *Machine) onRemoteTrack(gen uint64, tr RemoteTrack) {
	if gen != m.gen || m.status == Idle {
		return
	}
	m.remote = append(m.remote, tr)
	m.obs.pushTrack(tr)
	m.publish()
}

// fail ends the call on the hangup path and reports err to observers.
func (m *Machine) fail(err error) error {
	m.logger.Warn().Err(err).Str("peer", string(m.peer)).Msg("call failed")
	if terr := m.teardown(true); terr != nil {
		err = multierr.Append(err, terr)
	}
	m.obs.pushError(err)
	return err
}

func (m *Machine) send(sig protocol.Signal) error {
	sig.From = m.cfg.Self
	sig.To = m.peer
	return m.cfg.Signaler.Send(sig)
}

func (m *Machine) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// teardown releases every resource of the current call and returns to Idle.
// With notify set, a peer that knows about the call gets one hangup.
func (m *Machine) teardown(notify bool) error {
	peer, informed := m.peer, m.informed
	m.gen++
	m.stopTimer()

	var err error
	if m.pc != nil {
		m.pc.Detach()
		err = multierr.Append(err, m.pc.Close())
		m.pc = nil
	}
	if m.local != nil {
		err = multierr.Append(err, m.local.Stop())
		m.local = nil
	}
	m.remote = nil
	m.buffered = nil
	m.pendingOffer = nil
	m.remoteApplied = false
	m.accepting = false
	m.informed = false
	m.status = Idle
	m.peer = ""

	if notify && informed && peer != "" {
		hangup := protocol.Signal{Type: protocol.TypeHangup, From: m.cfg.Self, To: peer}
		err = multierr.Append(err, m.cfg.Signaler.Send(hangup))
	}
	m.publish()
	return err
}

func (m *Machine) publish() {
	s := &Snapshot{
		Status:             m.status,
		Peer:               m.peer,
		BufferedCandidates: len(m.buffered),
		HasPeerConnection:  m.pc != nil,
		HasLocalMedia:      m.local != nil,
		HasRemoteMedia:     len(m.remote) > 0,
	}
	prev := m.last.Swap(s)
	if *prev != *s {
		m.obs.pushState(*s)
	}
}

// notifier runs observer callbacks on its own goroutine, in order, so a slow
// observer never stalls the loop.
type notifier struct {
	mu      sync.Mutex
	queue   []func()
	onState []func(Snapshot)
	onError []func(error)
	onTrack []func(RemoteTrack)

	wake chan struct{}
	quit chan struct{}
}

func newNotifier() *notifier {
	return &notifier{wake: make(chan struct{}, 1), quit: make(chan struct{})}
}

func (n *notifier) addState(fn func(Snapshot)) {
	n.mu.Lock()
	n.onState = append(n.onState, fn)
	n.mu.Unlock()
}

func (n *notifier) addError(fn func(error)) {
	n.mu.Lock()
	n.onError = append(n.onError, fn)
	n.mu.Unlock()
}

func (n *notifier) addTrack(fn func(RemoteTrack)) {
	n.mu.Lock()
	n.onTrack = append(n.onTrack, fn)
	n.mu.Unlock()
}

func (n *notifier) pushState(s Snapshot) {
	n.mu.Lock()
	fns := slices.Clone(n.onState)
	n.mu.Unlock()
	for _, fn := range fns {
		n.push(func() { fn(s) })
	}
}

func (n *notifier) pushError(err error) {
	n.mu.Lock()
	fns := slices.Clone(n.onError)
	n.mu.Unlock()
	for _, fn := range fns {
		n.push(func() { fn(err) })
	}
}

func (n *notifier) pushTrack(tr RemoteTrack) {
	n.mu.Lock()
	fns := slices.Clone(n.onTrack)
	n.mu.Unlock()
	for _, fn := range fns {
		n.push(func() { fn(tr) })
	}
}

func (n *notifier) push(fn func()) {
	n.mu.Lock()
	n.queue = append(n.queue, fn)
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) drain() {
	for {
		n.mu.Lock()
		q := n.queue
		n.queue = nil
		n.mu.Unlock()
		if len(q) == 0 {
			return
		}
		for _, fn := range q {
			fn()
		}
	}
}

func (n *notifier) run() {
	for {
		select {
		case <-n.wake:
			n.drain()
		case <-n.quit:
			n.drain()
			return
		}
	}
}

func (n *notifier) stop() { close(n.quit) }
