package call

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/dkeye/callsignal/internal/domain"
	"github.com/dkeye/callsignal/internal/protocol"
	"github.com/pion/webrtc/v4"
)

func mustHandle(t *testing.T, h *harness, sig protocol.Signal) {
	t.Helper()
	if err := h.m.HandleSignal(sig); err != nil {
		t.Fatalf("HandleSignal(%s): %v", sig.Type, err)
	}
}

func indexOf(ops []string, op string) int { return slices.Index(ops, op) }

// connectIncoming drives bob's machine to Connected with alice as caller.
func connectIncoming(t *testing.T, h *harness) {
	t.Helper()
	mustHandle(t, h, invite("alice", "bob"))
	if err := h.m.Accept(context.Background()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
}

// connectOutgoing drives alice's machine to Connected with bob as callee.
func connectOutgoing(t *testing.T, h *harness) {
	t.Helper()
	if err := h.m.Initiate(context.Background(), "bob"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	mustHandle(t, h, accept("bob", "alice"))
}

func TestInitiate_SendsInviteAndStartsTimer(t *testing.T) {
	h := newHarness(t, "alice")
	if err := h.m.Initiate(context.Background(), "bob"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	s := h.m.Snapshot()
	if s.Status != Outgoing || s.Peer != "bob" || !s.HasPeerConnection || !s.HasLocalMedia {
		t.Fatalf("snapshot=%+v", s)
	}
	invites := h.sig.ofType(protocol.TypeCallInvite)
	if len(invites) != 1 || invites[0].From != "alice" || invites[0].To != "bob" {
		t.Fatalf("invites=%+v", invites)
	}
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(invites[0].Offer, &offer); err != nil {
		t.Fatal(err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP != "offer-from-alice" {
		t.Fatalf("offer=%+v", offer)
	}
	if h.clock.active() != 1 || h.clock.timers[0].d != DefaultCallTimeout {
		t.Fatalf("timers=%d", h.clock.active())
	}
	want := []string{"add-track", "create-offer", "set-local:offer"}
	if got := h.peers.last(t).Ops(); !slices.Equal(got, want) {
		t.Fatalf("ops=%v, want %v", got, want)
	}
}

func TestInitiate_Rejections(t *testing.T) {
	h := newHarness(t, "alice")
	ctx := context.Background()

	tests := []struct {
		target domain.Identity
		want   error
	}{
		{"", ErrInvalidTarget},
		{"alice", ErrSelfCall},
	}
	for _, tt := range tests {
		if err := h.m.Initiate(ctx, tt.target); !errors.Is(err, tt.want) {
			t.Fatalf("Initiate(%q)=%v, want %v", tt.target, err, tt.want)
		}
	}
	if h.peers.count() != 0 {
		t.Fatalf("rejected calls created %d peer connections", h.peers.count())
	}

	if err := h.m.Initiate(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	if err := h.m.Initiate(ctx, "carol"); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Initiate=%v, want ErrBusy", err)
	}
	if s := h.m.Snapshot(); s.Peer != "bob" {
		t.Fatalf("existing call disturbed: %+v", s)
	}
}

func TestOutgoing_BuffersCandidatesUntilAnswer(t *testing.T) {
	h := newHarness(t, "alice")
	if err := h.m.Initiate(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}
	pc := h.peers.last(t)

	mustHandle(t, h, candidate("bob", "alice", 1))
	mustHandle(t, h, candidate("bob", "alice", 2))
	if s := h.m.Snapshot(); s.BufferedCandidates != 2 {
		t.Fatalf("buffered=%d, want 2", s.BufferedCandidates)
	}
	if got := pc.appliedCandidates(); len(got) != 0 {
		t.Fatalf("applied before answer: %v", got)
	}

	mustHandle(t, h, accept("bob", "alice"))
	s := h.m.Snapshot()
	if s.Status != Connected || s.BufferedCandidates != 0 {
		t.Fatalf("snapshot=%+v", s)
	}
	if h.clock.active() != 0 {
		t.Fatalf("timer still armed after accept")
	}

	mustHandle(t, h, candidate("bob", "alice", 3))
	want := []string{"bob-1", "bob-2", "bob-3"}
	if got := pc.appliedCandidates(); !slices.Equal(got, want) {
		t.Fatalf("applied=%v, want %v", got, want)
	}
	ops := pc.Ops()
	if indexOf(ops, "set-remote:answer-from-bob") > indexOf(ops, "candidate:bob-1") {
		t.Fatalf("candidate applied before remote description: %v", ops)
	}
}

func TestOutgoing_TimeoutSendsOneHangup(t *testing.T) {
	h := newHarness(t, "alice")
	if err := h.m.Initiate(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}
	pc := h.peers.last(t)

	h.clock.fireAll()
	h.flush(t)
	h.expectError(t, ErrTimeout)

	if s := h.m.Snapshot(); s.Status != Idle || s.Peer != "" || s.HasPeerConnection || s.HasLocalMedia {
		t.Fatalf("snapshot=%+v", s)
	}
	// A second fire belongs to a finished call.
	h.clock.fireAll()
	h.flush(t)

	hangups := h.sig.ofType(protocol.TypeHangup)
	if len(hangups) != 1 || hangups[0].To != "bob" {
		t.Fatalf("hangups=%+v, want exactly one to bob", hangups)
	}
	if closed, detached := pc.counts(); closed != 1 || detached != 1 {
		t.Fatalf("closed=%d detached=%d", closed, detached)
	}
	if n := h.media.all()[0].Stopped(); n != 1 {
		t.Fatalf("media stopped %d times", n)
	}
}

func TestOutgoing_TimerAfterAcceptIgnored(t *testing.T) {
	h := newHarness(t, "alice")
	connectOutgoing(t, h)

	h.clock.fireAll()
	h.flush(t)
	if s := h.m.Snapshot(); s.Status != Connected {
		t.Fatalf("status=%v, want connected", s.Status)
	}
	if n := len(h.sig.ofType(protocol.TypeHangup)); n != 0 {
		t.Fatalf("hangups=%d", n)
	}
}

func TestIncoming_AcceptDrainsBufferedCandidates(t *testing.T) {
	h := newHarness(t, "bob")
	mustHandle(t, h, invite("alice", "bob"))

	s := h.m.Snapshot()
	if s.Status != Incoming || s.Peer != "alice" || s.HasPeerConnection || s.HasLocalMedia {
		t.Fatalf("snapshot=%+v", s)
	}
	for i := 1; i <= 3; i++ {
		mustHandle(t, h, candidate("alice", "bob", i))
	}
	if s := h.m.Snapshot(); s.BufferedCandidates != 3 {
		t.Fatalf("buffered=%d, want 3", s.BufferedCandidates)
	}

	if err := h.m.Accept(context.Background()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	pc := h.peers.last(t)
	if got, want := pc.appliedCandidates(), []string{"alice-1", "alice-2", "alice-3"}; !slices.Equal(got, want) {
		t.Fatalf("applied=%v, want %v", got, want)
	}
	ops := pc.Ops()
	if !(indexOf(ops, "set-remote:offer-from-alice") < indexOf(ops, "candidate:alice-1") &&
		indexOf(ops, "candidate:alice-3") < indexOf(ops, "create-answer")) {
		t.Fatalf("ops out of order: %v", ops)
	}
	s = h.m.Snapshot()
	if s.Status != Connected || s.BufferedCandidates != 0 {
		t.Fatalf("snapshot=%+v", s)
	}

	accepts := h.sig.ofType(protocol.TypeCallAccept)
	if len(accepts) != 1 || accepts[0].To != "alice" || accepts[0].From != "bob" {
		t.Fatalf("accepts=%+v", accepts)
	}
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(accepts[0].Answer, &answer); err != nil || answer.SDP != "answer-from-bob" {
		t.Fatalf("answer=%+v err=%v", answer, err)
	}

	if err := h.m.Accept(context.Background()); !errors.Is(err, ErrNoIncoming) {
		t.Fatalf("second Accept=%v, want ErrNoIncoming", err)
	}
}

func TestIncoming_InviteWhileBusyIgnored(t *testing.T) {
	h := newHarness(t, "bob")
	mustHandle(t, h, invite("alice", "bob"))
	mustHandle(t, h, invite("carol", "bob"))
	if s := h.m.Snapshot(); s.Status != Incoming || s.Peer != "alice" {
		t.Fatalf("snapshot=%+v", s)
	}

	if err := h.m.Accept(context.Background()); err != nil {
		t.Fatal(err)
	}
	mustHandle(t, h, invite("carol", "bob"))
	if s := h.m.Snapshot(); s.Status != Connected || s.Peer != "alice" {
		t.Fatalf("snapshot=%+v", s)
	}
	for _, sig := range h.sig.Sent() {
		if sig.To == "carol" {
			t.Fatalf("carol was sent %s", sig.Type)
		}
	}
}

func TestHangup_IdempotentReleasesOnce(t *testing.T) {
	h := newHarness(t, "alice")
	if err := h.m.Hangup(); err != nil {
		t.Fatalf("Hangup from idle: %v", err)
	}
	if n := len(h.sig.Sent()); n != 0 {
		t.Fatalf("idle hangup sent %d signals", n)
	}

	connectOutgoing(t, h)
	pc := h.peers.last(t)
	for range 3 {
		if err := h.m.Hangup(); err != nil {
			t.Fatal(err)
		}
	}
	if s := h.m.Snapshot(); s != (Snapshot{}) {
		t.Fatalf("snapshot=%+v, want idle zero value", s)
	}
	if n := len(h.sig.ofType(protocol.TypeHangup)); n != 1 {
		t.Fatalf("hangups=%d, want 1", n)
	}
	if closed, detached := pc.counts(); closed != 1 || detached != 1 {
		t.Fatalf("closed=%d detached=%d", closed, detached)
	}
	if n := h.media.all()[0].Stopped(); n != 1 {
		t.Fatalf("media stopped %d times", n)
	}
}

func TestRemoteHangup_NoEcho(t *testing.T) {
	h := newHarness(t, "bob")
	connectIncoming(t, h)

	mustHandle(t, h, hangup("carol", "bob"))
	if s := h.m.Snapshot(); s.Status != Connected {
		t.Fatalf("hangup from stranger ended the call")
	}

	mustHandle(t, h, hangup("alice", "bob"))
	if s := h.m.Snapshot(); s.Status != Idle {
		t.Fatalf("status=%v, want idle", s.Status)
	}
	if n := len(h.sig.ofType(protocol.TypeHangup)); n != 0 {
		t.Fatalf("echoed %d hangups", n)
	}
	if closed, _ := h.peers.last(t).counts(); closed != 1 {
		t.Fatalf("peer connection closed %d times", closed)
	}
}

func TestMediaFailure(t *testing.T) {
	errNoMic := errors.New("no microphone")

	t.Run("initiate", func(t *testing.T) {
		h := newHarness(t, "alice")
		h.media.err = errNoMic
		err := h.m.Initiate(context.Background(), "bob")
		if !errors.Is(err, ErrMedia) || !errors.Is(err, errNoMic) {
			t.Fatalf("Initiate=%v, want ErrMedia", err)
		}
		if s := h.m.Snapshot(); s.Status != Idle {
			t.Fatalf("status=%v", s.Status)
		}
		// bob never heard of the call
		if n := len(h.sig.Sent()); n != 0 {
			t.Fatalf("sent %d signals", n)
		}
		if closed, _ := h.peers.last(t).counts(); closed != 1 {
			t.Fatalf("peer connection closed %d times", closed)
		}
		h.expectError(t, ErrMedia)
	})

	t.Run("accept", func(t *testing.T) {
		h := newHarness(t, "bob")
		h.media.err = errNoMic
		mustHandle(t, h, invite("alice", "bob"))
		if err := h.m.Accept(context.Background()); !errors.Is(err, ErrMedia) {
			t.Fatalf("Accept=%v, want ErrMedia", err)
		}
		if s := h.m.Snapshot(); s.Status != Idle {
			t.Fatalf("status=%v", s.Status)
		}
		hangups := h.sig.ofType(protocol.TypeHangup)
		if len(hangups) != 1 || hangups[0].To != "alice" {
			t.Fatalf("hangups=%+v", hangups)
		}
	})
}

func TestTeardownDuringMediaAcquisition(t *testing.T) {
	h := newHarness(t, "alice")
	h.media.gate = make(chan struct{})
	h.media.entered = make(chan struct{}, 1)

	result := make(chan error, 1)
	go func() { result <- h.m.Initiate(context.Background(), "bob") }()
	<-h.media.entered

	if err := h.m.Hangup(); err != nil {
		t.Fatal(err)
	}
	if s := h.m.Snapshot(); s.Status != Idle {
		t.Fatalf("status=%v, want idle", s.Status)
	}
	close(h.media.gate)

	select {
	case err := <-result:
		if !errors.Is(err, ErrCallAborted) {
			t.Fatalf("Initiate=%v, want ErrCallAborted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Initiate did not return")
	}

	if s := h.m.Snapshot(); s.Status != Idle || s.HasLocalMedia {
		t.Fatalf("call resurrected: %+v", s)
	}
	if n := h.media.all()[0].Stopped(); n != 1 {
		t.Fatalf("late media stopped %d times, want 1", n)
	}
	if n := len(h.sig.Sent()); n != 0 {
		t.Fatalf("sent %d signals for an aborted call", n)
	}
}

func TestNegotiationFailureHangsUp(t *testing.T) {
	h := newHarness(t, "alice")
	if err := h.m.Initiate(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}
	h.peers.last(t).remoteErr = errors.New("malformed sdp")

	mustHandle(t, h, accept("bob", "alice"))
	h.expectError(t, ErrNegotiation)
	if s := h.m.Snapshot(); s.Status != Idle {
		t.Fatalf("status=%v", s.Status)
	}
	if n := len(h.sig.ofType(protocol.TypeHangup)); n != 1 {
		t.Fatalf("hangups=%d, want 1", n)
	}
}

func TestConnectionFailureHangsUp(t *testing.T) {
	h := newHarness(t, "alice")
	connectOutgoing(t, h)
	pc := h.peers.last(t)

	pc.fireState(webrtc.PeerConnectionStateConnected)
	h.flush(t)
	if s := h.m.Snapshot(); s.Status != Connected {
		t.Fatalf("status=%v", s.Status)
	}

	pc.fireState(webrtc.PeerConnectionStateFailed)
	h.flush(t)
	h.expectError(t, ErrConnectionLost)
	if s := h.m.Snapshot(); s.Status != Idle {
		t.Fatalf("status=%v", s.Status)
	}
	if n := len(h.sig.ofType(protocol.TypeHangup)); n != 1 {
		t.Fatalf("hangups=%d, want 1", n)
	}
}

func TestSignalsFromStrangersIgnored(t *testing.T) {
	h := newHarness(t, "alice")
	mustHandle(t, h, candidate("bob", "alice", 1))
	if s := h.m.Snapshot(); s.BufferedCandidates != 0 || s.Status != Idle {
		t.Fatalf("idle candidate kept: %+v", s)
	}

	if err := h.m.Initiate(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}
	mustHandle(t, h, candidate("carol", "alice", 1))
	mustHandle(t, h, accept("carol", "alice"))
	if s := h.m.Snapshot(); s.Status != Outgoing || s.BufferedCandidates != 0 {
		t.Fatalf("snapshot=%+v", s)
	}
}

func TestLocalCandidatesFollowInvite(t *testing.T) {
	h := newHarness(t, "alice")
	h.peers.emit = []string{"a-1", "a-2"}
	if err := h.m.Initiate(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}
	h.flush(t)

	sent := h.sig.Sent()
	if len(sent) != 3 || sent[0].Type != protocol.TypeCallInvite {
		t.Fatalf("sent=%+v", sent)
	}
	for i, want := range []string{"a-1", "a-2"} {
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(sent[i+1].Candidate, &c); err != nil {
			t.Fatal(err)
		}
		if sent[i+1].To != "bob" || c.Candidate != want {
			t.Fatalf("sent[%d]=%+v, want candidate %s", i+1, sent[i+1], want)
		}
	}
}

func TestRemoteTrackObserved(t *testing.T) {
	h := newHarness(t, "alice")
	tracks := make(chan RemoteTrack, 1)
	h.m.OnRemoteTrack(func(tr RemoteTrack) { tracks <- tr })
	connectOutgoing(t, h)

	h.peers.last(t).fireTrack(fakeTrack{id: "a1"})
	h.flush(t)
	if !h.m.Snapshot().HasRemoteMedia {
		t.Fatalf("remote media not recorded")
	}
	select {
	case tr := <-tracks:
		if tr.ID() != "a1" {
			t.Fatalf("track=%s", tr.ID())
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("track observer not called")
	}
}

func TestReject(t *testing.T) {
	h := newHarness(t, "bob")
	if err := h.m.Reject(); !errors.Is(err, ErrNoIncoming) {
		t.Fatalf("Reject from idle=%v", err)
	}
	mustHandle(t, h, invite("alice", "bob"))
	if err := h.m.Reject(); err != nil {
		t.Fatal(err)
	}
	hangups := h.sig.ofType(protocol.TypeHangup)
	if len(hangups) != 1 || hangups[0].To != "alice" {
		t.Fatalf("hangups=%+v", hangups)
	}
	if h.peers.count() != 0 {
		t.Fatalf("reject built a peer connection")
	}
}

func TestStateObserverSeesTransitions(t *testing.T) {
	h := newHarness(t, "alice")
	connectOutgoing(t, h)
	if err := h.m.Hangup(); err != nil {
		t.Fatal(err)
	}

	var statuses []Status
	deadline := time.After(2 * time.Second)
	for len(statuses) == 0 || statuses[len(statuses)-1] != Idle {
		select {
		case s := <-h.states:
			if len(statuses) == 0 || statuses[len(statuses)-1] != s.Status {
				statuses = append(statuses, s.Status)
			}
		case <-deadline:
			t.Fatalf("statuses so far %v", statuses)
		}
	}
	want := []Status{Outgoing, Connected, Idle}
	if !slices.Equal(statuses, want) {
		t.Fatalf("statuses=%v, want %v", statuses, want)
	}
}

func TestClose(t *testing.T) {
	h := newHarness(t, "alice")
	connectOutgoing(t, h)

	if err := h.m.Close(); err != nil {
		t.Fatal(err)
	}
	if n := len(h.sig.ofType(protocol.TypeHangup)); n != 1 {
		t.Fatalf("hangups=%d, want 1", n)
	}
	if err := h.m.Initiate(context.Background(), "carol"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Initiate after Close=%v", err)
	}
	if err := h.m.HandleSignal(invite("carol", "alice")); !errors.Is(err, ErrClosed) {
		t.Fatalf("HandleSignal after Close=%v", err)
	}
	if err := h.m.Close(); err != nil {
		t.Fatalf("second Close=%v", err)
	}
}

func TestOutgoing_PeerSignalsBeforeInviteIgnored(t *testing.T) {
	h := newHarness(t, "alice")
	h.media.gate = make(chan struct{})
	h.media.entered = make(chan struct{}, 1)

	result := make(chan error, 1)
	go func() { result <- h.m.Initiate(context.Background(), "bob") }()
	<-h.media.entered

	// Leftovers from an earlier attempt at the same peer.
	mustHandle(t, h, accept("bob", "alice"))
	mustHandle(t, h, candidate("bob", "alice", 1))
	mustHandle(t, h, hangup("bob", "alice"))

	s := h.m.Snapshot()
	if s.Status != Outgoing || s.Peer != "bob" || s.BufferedCandidates != 0 {
		t.Fatalf("snapshot before invite=%+v", s)
	}
	pc := h.peers.last(t)
	if i := indexOf(pc.Ops(), "set-remote:answer-from-bob"); i >= 0 {
		t.Fatalf("answer applied before any offer: %v", pc.Ops())
	}

	close(h.media.gate)
	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("Initiate=%v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Initiate did not return")
	}
	if n := len(h.sig.ofType(protocol.TypeCallInvite)); n != 1 {
		t.Fatalf("invites=%d, want 1", n)
	}
	if h.clock.active() != 1 {
		t.Fatalf("timer not armed after invite")
	}
	if s := h.m.Snapshot(); s.Status != Outgoing {
		t.Fatalf("status=%v, want outgoing", s.Status)
	}

	mustHandle(t, h, accept("bob", "alice"))
	ops := pc.Ops()
	if s := h.m.Snapshot(); s.Status != Connected {
		t.Fatalf("status=%v after real accept, want connected", s.Status)
	}
	if indexOf(ops, "set-local:offer") > indexOf(ops, "set-remote:answer-from-bob") {
		t.Fatalf("answer applied before offer: %v", ops)
	}
}

func TestIncoming_RemoteHangupDuringAcceptMedia(t *testing.T) {
	h := newHarness(t, "bob")
	mustHandle(t, h, invite("alice", "bob"))
	h.media.gate = make(chan struct{})
	h.media.entered = make(chan struct{}, 1)

	result := make(chan error, 1)
	go func() { result <- h.m.Accept(context.Background()) }()
	<-h.media.entered

	mustHandle(t, h, hangup("alice", "bob"))
	if s := h.m.Snapshot(); s.Status != Idle || s.HasPeerConnection {
		t.Fatalf("snapshot after remote hangup=%+v", s)
	}
	close(h.media.gate)

	select {
	case err := <-result:
		if !errors.Is(err, ErrCallAborted) {
			t.Fatalf("Accept=%v, want ErrCallAborted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Accept did not return")
	}
	if s := h.m.Snapshot(); s.Status != Idle || s.HasLocalMedia {
		t.Fatalf("call resurrected: %+v", s)
	}
	if n := h.media.all()[0].Stopped(); n != 1 {
		t.Fatalf("late media stopped %d times, want 1", n)
	}
	if n := len(h.sig.Sent()); n != 0 {
		t.Fatalf("sent %v, want nothing", h.sig.Sent())
	}
}
