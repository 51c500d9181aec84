package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/callsignal/internal/domain"
	"github.com/dkeye/callsignal/internal/protocol"
	"github.com/pion/webrtc/v4"
)

type fakePeer struct {
	name string

	mu         sync.Mutex
	ops        []string
	candidates []string
	closed     int
	detached   int
	remoteErr  error
	onICE      func(webrtc.ICECandidateInit)
	onState    func(webrtc.PeerConnectionState)
	onTrack    func(RemoteTrack)
	// emitOnLocal lists candidates gathered right after SetLocalDescription.
	emitOnLocal []string
}

func (p *fakePeer) record(op string) {
	p.mu.Lock()
	p.ops = append(p.ops, op)
	p.mu.Unlock()
}

func (p *fakePeer) AddTrack(webrtc.TrackLocal) error {
	p.record("add-track")
	return nil
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	p.record("create-offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-from-" + p.name}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.record("create-answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-from-" + p.name}, nil
}

func (p *fakePeer) SetLocalDescription(d webrtc.SessionDescription) error {
	p.record("set-local:" + d.Type.String())
	p.mu.Lock()
	emit, fn := p.emitOnLocal, p.onICE
	p.mu.Unlock()
	if fn != nil {
		for _, c := range emit {
			fn(webrtc.ICECandidateInit{Candidate: c})
		}
	}
	return nil
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.record("set-remote:" + d.SDP)
	return p.remoteErr
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	p.candidates = append(p.candidates, c.Candidate)
	p.mu.Unlock()
	p.record("candidate:" + c.Candidate)
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onICE = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnTrack(fn func(RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePeer) Detach() {
	p.mu.Lock()
	p.detached++
	p.onICE, p.onState, p.onTrack = nil, nil, nil
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) fireState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (p *fakePeer) fireTrack(tr RemoteTrack) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(tr)
	}
}

func (p *fakePeer) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.candidates...)
}

func (p *fakePeer) counts() (closed, detached int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.detached
}

func (p *fakePeer) Ops() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ops...)
}

type fakePeers struct {
	name string
	mu   sync.Mutex
	made []*fakePeer
	err  error
	emit []string
}

func (f *fakePeers) NewPeer() (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{name: f.name, emitOnLocal: f.emit}
	f.made = append(f.made, p)
	return p, nil
}

func (f *fakePeers) last(t *testing.T) *fakePeer {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.made) == 0 {
		t.Fatalf("no peer connection created")
	}
	return f.made[len(f.made)-1]
}

func (f *fakePeers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.made)
}

type fakeLocal struct {
	mu      sync.Mutex
	stopped int
}

func (l *fakeLocal) Tracks() []webrtc.TrackLocal { return []webrtc.TrackLocal{nil} }

func (l *fakeLocal) Stop() error {
	l.mu.Lock()
	l.stopped++
	l.mu.Unlock()
	return nil
}

func (l *fakeLocal) Stopped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

type fakeMedia struct {
	mu       sync.Mutex
	acquired []*fakeLocal
	err      error
	// When gate is set Acquire signals entered and blocks until gate is closed.
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeMedia) Acquire(ctx context.Context) (LocalMedia, error) {
	if f.gate != nil {
		f.entered <- struct{}{}
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	l := &fakeLocal{}
	f.acquired = append(f.acquired, l)
	return l, nil
}

func (f *fakeMedia) all() []*fakeLocal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeLocal(nil), f.acquired...)
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []protocol.Signal
	// forward, when set, is called with every sent signal.
	forward func(protocol.Signal) error
}

func (s *fakeSignaler) Send(sig protocol.Signal) error {
	s.mu.Lock()
	s.sent = append(s.sent, sig)
	fwd := s.forward
	s.mu.Unlock()
	if fwd != nil {
		return fwd(sig)
	}
	return nil
}

func (s *fakeSignaler) Sent() []protocol.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Signal(nil), s.sent...)
}

func (s *fakeSignaler) ofType(t protocol.MessageType) []protocol.Signal {
	var out []protocol.Signal
	for _, sig := range s.Sent() {
		if sig.Type == t {
			out = append(out, sig)
		}
	}
	return out
}

type fakeTimer struct {
	clock   *fakeClock
	f       func()
	d       time.Duration
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, f: f, d: d}
	c.timers = append(c.timers, t)
	return t
}

// fireAll runs every timer callback, stopped or not, the way a timer that
// already fired before Stop would.
func (c *fakeClock) fireAll() {
	c.mu.Lock()
	ts := append([]*fakeTimer(nil), c.timers...)
	c.mu.Unlock()
	for _, t := range ts {
		t.f()
	}
}

func (c *fakeClock) active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

type fakeTrack struct{ id string }

func (t fakeTrack) ID() string                { return t.id }
func (t fakeTrack) StreamID() string          { return "stream-" + t.id }
func (t fakeTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }

type harness struct {
	m      *Machine
	peers  *fakePeers
	media  *fakeMedia
	sig    *fakeSignaler
	clock  *fakeClock
	errs   chan error
	states chan Snapshot
}

func newHarness(t *testing.T, self string) *harness {
	t.Helper()
	h := &harness{
		peers:  &fakePeers{name: self},
		media:  &fakeMedia{},
		sig:    &fakeSignaler{},
		clock:  &fakeClock{},
		errs:   make(chan error, 16),
		states: make(chan Snapshot, 64),
	}
	m, err := New(Config{
		Self:     domain.Identity(self),
		Peers:    h.peers,
		Media:    h.media,
		Signaler: h.sig,
		Clock:    h.clock,
	})
	if err != nil {
		t.Fatal(err)
	}
	m.OnError(func(err error) { h.errs <- err })
	m.OnStateChange(func(s Snapshot) { h.states <- s })
	h.m = m
	t.Cleanup(func() { _ = m.Close() })
	return h
}

// flush waits until every event queued so far has been handled.
func (h *harness) flush(t *testing.T) {
	t.Helper()
	if err := h.m.do(func() error { return nil }); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func (h *harness) expectError(t *testing.T, target error) {
	t.Helper()
	select {
	case err := <-h.errs:
		if !errors.Is(err, target) {
			t.Fatalf("observer error=%v, want %v", err, target)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no observer error, want %v", target)
	}
}

func invite(from, to string) protocol.Signal {
	return protocol.Signal{
		Type:  protocol.TypeCallInvite,
		From:  domain.Identity(from),
		To:    domain.Identity(to),
		Offer: []byte(`{"type":"offer","sdp":"offer-from-` + from + `"}`),
	}
}

func accept(from, to string) protocol.Signal {
	return protocol.Signal{
		Type:   protocol.TypeCallAccept,
		From:   domain.Identity(from),
		To:     domain.Identity(to),
		Answer: []byte(`{"type":"answer","sdp":"answer-from-` + from + `"}`),
	}
}

func candidate(from, to string, n int) protocol.Signal {
	return protocol.Signal{
		Type:      protocol.TypeIceCandidate,
		From:      domain.Identity(from),
		To:        domain.Identity(to),
		Candidate: []byte(fmt.Sprintf(`{"candidate":"%s-%d"}`, from, n)),
	}
}

func hangup(from, to string) protocol.Signal {
	return protocol.Signal{Type: protocol.TypeHangup, From: domain.Identity(from), To: domain.Identity(to)}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
