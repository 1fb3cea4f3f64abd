package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"peer-call/pkg/signaling"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}

	t.Fatalf("condition not met in time")
}

func participant(uid string) signaling.Participant {
	return signaling.Participant{UID: uid, DisplayName: uid}
}

type fakeCapture struct {
	mu      sync.Mutex
	fail    bool
	streams []*LocalStream
}

func (c *fakeCapture) Acquire(_ context.Context) (*LocalStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fail {
		return nil, errors.New("device permission denied")
	}

	s := NewLocalStream([]*LocalTrack{{Kind: KindAudio}, {Kind: KindVideo}}, nil)
	c.streams = append(c.streams, s)

	return s, nil
}

func (c *fakeCapture) lastStream() *LocalStream {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.streams) == 0 {
		return nil
	}

	return c.streams[len(c.streams)-1]
}

type fakeTransport struct {
	mu            sync.Mutex
	events        chan TransportEvent
	applied       []string
	answerApplied int
	controls      []ControlMessage
	closed        bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan TransportEvent, 64)}
}

func (t *fakeTransport) CreateOffer(_ context.Context) (signaling.Description, error) {
	return signaling.Description("offer-sdp"), nil
}

func (t *fakeTransport) CreateAnswer(_ context.Context, _ signaling.Description) (signaling.Description, error) {
	return signaling.Description("answer-sdp"), nil
}

func (t *fakeTransport) ApplyAnswer(_ signaling.Description) error {
	t.mu.Lock()
	t.answerApplied++
	t.mu.Unlock()

	return nil
}

func (t *fakeTransport) AddRemoteCandidate(cand signaling.Candidate) error {
	t.mu.Lock()
	t.applied = append(t.applied, string(cand))
	t.mu.Unlock()

	return nil
}

func (t *fakeTransport) SendControl(msg ControlMessage) error {
	t.mu.Lock()
	t.controls = append(t.controls, msg)
	t.mu.Unlock()

	return nil
}

func (t *fakeTransport) Events() <-chan TransportEvent {
	return t.events
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	return nil
}

func (t *fakeTransport) connect() {
	t.events <- TransportEvent{Kind: EventStateChange, State: TransportConnected}
}

func (t *fakeTransport) appliedCandidates() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]string(nil), t.applied...)
}

func (t *fakeTransport) answersApplied() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.answerApplied
}

type fakeFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
}

func (f *fakeFactory) new(_ *LocalStream) (Transport, error) {
	t := newFakeTransport()

	f.mu.Lock()
	f.transports = append(f.transports, t)
	f.mu.Unlock()

	return t, nil
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.transports) == 0 {
		return nil
	}

	return f.transports[len(f.transports)-1]
}

type testCallEnv struct {
	store   *signaling.Store
	capture *fakeCapture
	factory *fakeFactory
}

func newTestCallEnv() *testCallEnv {
	return &testCallEnv{
		store:   signaling.NewStore(),
		capture: &fakeCapture{},
		factory: &fakeFactory{},
	}
}

func (e *testCallEnv) newSession(cfg SessionConfig) *Session {
	return NewSession(cfg, e.store, e.capture, e.factory.new, NewRegistry())
}

func TestCallFlow_BothSidesReachConnected(t *testing.T) {
	ctx := context.Background()

	callerEnv := newTestCallEnv()
	calleeEnv := &testCallEnv{store: callerEnv.store, capture: &fakeCapture{}, factory: &fakeFactory{}}

	caller := callerEnv.newSession(SessionConfig{})
	if err := caller.StartAsCaller(ctx, "u1_u2", participant("u1"), participant("u2")); err != nil {
		t.Fatal(err)
	}
	callerTransport := callerEnv.factory.last()

	rec, err := callerEnv.store.GetCall(ctx, caller.ID())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != signaling.StatusRinging {
		t.Fatalf("status after create: %s", rec.Status)
	}
	if string(rec.Offer) != "offer-sdp" {
		t.Fatalf("offer: %q", rec.Offer)
	}
	if len(rec.Answer) != 0 {
		t.Fatalf("answer present before accept: %q", rec.Answer)
	}

	// Callee side: the watcher surfaces the ringing call.
	registry := NewRegistry()
	watcher := NewWatcher(calleeEnv.store, registry, "u2")

	var mu sync.Mutex
	var incoming *IncomingCall

	watcher.OnIncoming(func(ic *IncomingCall) {
		mu.Lock()
		incoming = ic
		mu.Unlock()
	})

	if err := watcher.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer watcher.Stop()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return incoming != nil
	})

	mu.Lock()
	ic := incoming
	mu.Unlock()

	accepted, err := ic.Accept(ctx)
	if err != nil {
		t.Fatal(err)
	}

	callee := NewSession(SessionConfig{}, calleeEnv.store, calleeEnv.capture, calleeEnv.factory.new, registry)
	if err := callee.StartAsCallee(ctx, accepted); err != nil {
		t.Fatal(err)
	}
	calleeTransport := calleeEnv.factory.last()

	rec, err = callerEnv.store.GetCall(ctx, caller.ID())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != signaling.StatusAnswered {
		t.Fatalf("status after accept: %s", rec.Status)
	}
	if string(rec.Answer) != "answer-sdp" {
		t.Fatalf("answer: %q", rec.Answer)
	}

	// Caller observes the answer exactly once, even with duplicate record
	// events in flight.
	waitFor(t, func() bool { return callerTransport.answersApplied() == 1 })

	callerTransport.connect()
	calleeTransport.connect()

	waitFor(t, func() bool { return caller.State() == StateConnected })
	waitFor(t, func() bool { return callee.State() == StateConnected })

	caller.End("test over")
	waitFor(t, func() bool { return callee.State() == StateEnded })
}

func TestSession_BuffersCandidatesUntilAnswerThenFlushesInOrder(t *testing.T) {
	ctx := context.Background()
	env := newTestCallEnv()

	caller := env.newSession(SessionConfig{})
	if err := caller.StartAsCaller(ctx, "u1_u2", participant("u1"), participant("u2")); err != nil {
		t.Fatal(err)
	}
	transport := env.factory.last()

	for _, c := range []string{"c1", "c2", "c3"} {
		caller.IngestRemoteCandidate(signaling.Candidate(c))
	}

	// No remote description yet: nothing may reach the transport.
	time.Sleep(20 * time.Millisecond)
	if got := transport.appliedCandidates(); len(got) != 0 {
		t.Fatalf("candidates applied before remote description: %v", got)
	}

	if err := env.store.UpdateCall(ctx, caller.ID(), signaling.Update{
		Status: signaling.StatusAnswered,
		Answer: signaling.Description("answer-sdp"),
	}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return len(transport.appliedCandidates()) == 3 })

	caller.IngestRemoteCandidate(signaling.Candidate("c4"))

	waitFor(t, func() bool { return len(transport.appliedCandidates()) == 4 })

	for i, want := range []string{"c1", "c2", "c3", "c4"} {
		if got := transport.appliedCandidates()[i]; got != want {
			t.Fatalf("candidate %d: got %q, want %q", i, got, want)
		}
	}
}

func TestSession_RemoteCandidatesFlowThroughRelayWatch(t *testing.T) {
	ctx := context.Background()
	env := newTestCallEnv()

	caller := env.newSession(SessionConfig{})
	if err := caller.StartAsCaller(ctx, "u1_u2", participant("u1"), participant("u2")); err != nil {
		t.Fatal(err)
	}
	transport := env.factory.last()

	if err := env.store.UpdateCall(ctx, caller.ID(), signaling.Update{
		Status: signaling.StatusAnswered,
		Answer: signaling.Description("answer-sdp"),
	}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return transport.answersApplied() == 1 })

	// The callee publishes candidates on the answer side; the caller's watch
	// must deliver them to the transport.
	if err := env.store.AppendCandidate(ctx, caller.ID(), signaling.AnswerSide, signaling.Candidate("w1")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		got := transport.appliedCandidates()
		return len(got) == 1 && got[0] == "w1"
	})
}

func TestSession_DeclineEndsCallerBeforeConnected(t *testing.T) {
	ctx := context.Background()
	env := newTestCallEnv()

	caller := env.newSession(SessionConfig{})
	if err := caller.StartAsCaller(ctx, "u1_u2", participant("u1"), participant("u2")); err != nil {
		t.Fatal(err)
	}

	if err := env.store.UpdateCall(ctx, caller.ID(), signaling.Update{Status: signaling.StatusDeclined}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return caller.State() == StateEnded })

	if caller.EndReason() != "call declined" {
		t.Fatalf("end reason: %q", caller.EndReason())
	}

	// The observing side cleans the terminal record up, best-effort.
	waitFor(t, func() bool {
		_, err := env.store.GetCall(ctx, caller.ID())
		return errors.Is(err, signaling.ErrNotFound)
	})
}

func TestSession_CalleeJoinFailsOnHungUpCall(t *testing.T) {
	ctx := context.Background()
	env := newTestCallEnv()

	caller := env.newSession(SessionConfig{})
	if err := caller.StartAsCaller(ctx, "u1_u2", participant("u1"), participant("u2")); err != nil {
		t.Fatal(err)
	}

	rec, err := env.store.GetCall(ctx, caller.ID())
	if err != nil {
		t.Fatal(err)
	}

	// Caller hangs up while still ringing: the record goes terminal directly.
	caller.End("changed my mind")

	got, err := env.store.GetCall(ctx, caller.ID())
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != signaling.StatusEnded {
		t.Fatalf("status after hang up: %s", got.Status)
	}

	callee := env.newSession(SessionConfig{})
	if err := callee.StartAsCallee(ctx, rec); !errors.Is(err, ErrStaleCall) {
		t.Fatalf("expected ErrStaleCall, got %v", err)
	}

	// Same for a record that is gone entirely.
	if err := env.store.DeleteCall(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}

	callee2 := env.newSession(SessionConfig{})
	if err := callee2.StartAsCallee(ctx, rec); !errors.Is(err, ErrStaleCall) {
		t.Fatalf("expected ErrStaleCall for deleted record, got %v", err)
	}
}

func TestSession_RecordDeletedUnderActiveCall(t *testing.T) {
	ctx := context.Background()
	env := newTestCallEnv()

	caller := env.newSession(SessionConfig{})
	if err := caller.StartAsCaller(ctx, "u1_u2", participant("u1"), participant("u2")); err != nil {
		t.Fatal(err)
	}

	env.factory.last().connect()
	waitFor(t, func() bool { return caller.State() == StateConnected })

	if err := env.store.DeleteCall(ctx, caller.ID()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return caller.State() == StateEnded })

	if !env.capture.lastStream().Released() {
		t.Fatal("local capture not released")
	}
	if len(caller.RemoteStream().Tracks()) != 0 {
		t.Fatal("remote stream not cleared")
	}
}

func TestSession_EndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestCallEnv()

	caller := env.newSession(SessionConfig{})
	if err := caller.StartAsCaller(ctx, "u1_u2", participant("u1"), participant("u2")); err != nil {
		t.Fatal(err)
	}

	caller.End("hang up")
	caller.End("hang up again")

	if caller.State() != StateEnded {
		t.Fatalf("state: %s", caller.State())
	}
	if caller.EndReason() != "hang up" {
		t.Fatalf("second End overwrote reason: %q", caller.EndReason())
	}
	if !env.capture.lastStream().Released() {
		t.Fatal("local capture not released")
	}
}

func TestSession_MediaFailureIsFatalBeforeConnecting(t *testing.T) {
	ctx := context.Background()
	env := newTestCallEnv()
	env.capture.fail = true

	caller := env.newSession(SessionConfig{})

	err := caller.StartAsCaller(ctx, "u1_u2", participant("u1"), participant("u2"))
	if !errors.Is(err, ErrMediaAcquisition) {
		t.Fatalf("expected ErrMediaAcquisition, got %v", err)
	}
	if caller.State() != StateEnded {
		t.Fatalf("state after media failure: %s", caller.State())
	}
}

func TestSession_RingTimeoutEndsUnansweredCall(t *testing.T) {
	ctx := context.Background()
	env := newTestCallEnv()

	caller := env.newSession(SessionConfig{RingTimeout: 30 * time.Millisecond})
	if err := caller.StartAsCaller(ctx, "u1_u2", participant("u1"), participant("u2")); err != nil {
		t.Fatal(err)
	}

	<-caller.Done()

	if caller.EndReason() != "no answer" {
		t.Fatalf("end reason: %q", caller.EndReason())
	}

	rec, err := env.store.GetCall(ctx, caller.ID())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != signaling.StatusEnded {
		t.Fatalf("record status: %s", rec.Status)
	}
}

func TestSession_TogglesFlipTracksAndNotifyRemote(t *testing.T) {
	ctx := context.Background()
	env := newTestCallEnv()

	caller := env.newSession(SessionConfig{})
	if err := caller.StartAsCaller(ctx, "u1_u2", participant("u1"), participant("u2")); err != nil {
		t.Fatal(err)
	}
	transport := env.factory.last()

	if caller.Muted() {
		t.Fatal("muted before toggle")
	}

	if muted := caller.ToggleAudio(); !muted {
		t.Fatal("ToggleAudio did not report muted")
	}
	if !caller.Muted() {
		t.Fatal("session not muted after toggle")
	}

	if off := caller.ToggleVideo(); !off {
		t.Fatal("ToggleVideo did not report video off")
	}

	transport.mu.Lock()
	n := len(transport.controls)
	last := ControlMessage{}
	if n > 0 {
		last = transport.controls[n-1]
	}
	transport.mu.Unlock()

	if n != 2 || !last.AudioMuted || !last.VideoOff {
		t.Fatalf("control messages: n=%d last=%+v", n, last)
	}

	// Toggling does not end or renegotiate the attempt.
	if caller.State() != StateConnecting {
		t.Fatalf("state after toggles: %s", caller.State())
	}

	// Remote control state arrives as a transport event.
	transport.events <- TransportEvent{Kind: EventControl, Control: ControlMessage{AudioMuted: true}}
	waitFor(t, func() bool { return caller.RemoteControl().AudioMuted })
}
