// Package call implements the client side of one peer-to-peer call attempt:
// the session event loop, the call state machine, media ownership, the
// incoming-call watcher and the active-call registry. Coupling to the relay
// goes through signaling.Channel only; coupling to WebRTC goes through the
// Transport interface.
package call

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"peer-call/pkg/log"
	"peer-call/pkg/signaling"
)

// SessionConfig configures one call attempt.
type SessionConfig struct {
	// RingTimeout bounds how long the caller waits for an answer before
	// giving up. Zero disables the timeout; the record then rings until
	// answered, declined or deleted.
	RingTimeout time.Duration
}

type relayEventKind int

const (
	relayRecord relayEventKind = iota
	relayGone
	relayCandidate
)

type relayEvent struct {
	kind      relayEventKind
	record    *signaling.CallRecord
	candidate signaling.Candidate
}

// Session drives exactly one call attempt to completion or termination.
// Sessions are single-use: a new attempt always constructs a new Session and
// a new call record.
//
// All state mutation happens on one event loop goroutine; relay watches and
// the transport feed it through channels.
type Session struct {
	cfg          SessionConfig
	channel      signaling.Channel
	capture      Capture
	newTransport TransportFactory
	registry     *Registry

	machine *StateMachine
	remote  *RemoteStream

	relayEvents chan relayEvent
	done        chan struct{}

	mu           sync.Mutex
	role         Role
	callID       string
	record       *signaling.CallRecord
	local        *LocalStream
	transport    Transport
	unsubs       []signaling.Unsubscribe
	remoteCtl    ControlMessage
	endReason    string
	ended        bool
	answered     bool
	remoteSet    bool
	pendingCands []signaling.Candidate
}

func NewSession(cfg SessionConfig, channel signaling.Channel, capture Capture, newTransport TransportFactory, registry *Registry) *Session {
	return &Session{
		cfg:          cfg,
		channel:      channel,
		capture:      capture,
		newTransport: newTransport,
		registry:     registry,
		machine:      NewStateMachine(),
		remote:       NewRemoteStream(),
		relayEvents:  make(chan relayEvent, 64),
		done:         make(chan struct{}),
	}
}

// StartAsCaller acquires local media, creates the transport and the offer,
// persists a new ringing call record and starts the event loop. On return the
// session is connecting and waiting for the callee's answer.
func (s *Session) StartAsCaller(ctx context.Context, chatID string, localUser, remoteUser signaling.Participant) error {
	if !s.machine.Transition(StateStarting) {
		return errors.New("session already started")
	}
	s.setRole(RoleCaller)

	_, transport, err := s.acquire(ctx)
	if err != nil {
		s.abort()
		return err
	}

	offer, err := transport.CreateOffer(ctx)
	if err != nil {
		s.abort()
		return errors.Wrap(err, "create offer")
	}

	rec := &signaling.CallRecord{
		ChatID: chatID,
		Caller: localUser,
		Callee: remoteUser,
		Status: signaling.StatusRinging,
		Offer:  offer,
	}

	id, err := s.channel.CreateCall(ctx, rec)
	if err != nil {
		s.abort()
		return errors.Wrap(err, "create call")
	}
	rec.ID = id

	if s.registry != nil {
		if err := s.registry.Set(rec, RoleCaller); err != nil {
			_ = s.channel.DeleteCall(ctx, id)
			s.abort()
			return err
		}
	}

	s.mu.Lock()
	s.callID = id
	s.record = rec
	s.mu.Unlock()

	if err := s.subscribe(ctx); err != nil {
		s.End("subscribe failed")
		return err
	}

	s.machine.Transition(StateConnecting)
	log.Infof("call %s: calling %s", id, remoteUser.DisplayName)

	go s.run()

	return nil
}

// StartAsCallee joins an already-ringing call: acquires local media, installs
// the stored offer, publishes the answer and starts the event loop. Fails
// with ErrStaleCall when the record is gone, i.e. the caller hung up before
// the callee got in.
func (s *Session) StartAsCallee(ctx context.Context, existing *signaling.CallRecord) error {
	if s.machine.Current() != StateIdle {
		return errors.New("session already started")
	}
	s.setRole(RoleCallee)

	rec, err := s.channel.GetCall(ctx, existing.ID)
	if errors.Is(err, signaling.ErrNotFound) {
		return errors.Wrap(ErrStaleCall, "join")
	}
	if err != nil {
		return errors.Wrap(err, "fetch call")
	}
	if rec.Status.Terminal() {
		// The caller hung up while the record was still ringing.
		return errors.Wrap(ErrStaleCall, "join")
	}

	_, transport, err := s.acquire(ctx)
	if err != nil {
		s.abort()
		return err
	}

	answer, err := transport.CreateAnswer(ctx, rec.Offer)
	if err != nil {
		s.abort()
		return errors.Wrap(err, "create answer")
	}

	err = s.channel.UpdateCall(ctx, rec.ID, signaling.Update{Answer: answer})
	if errors.Is(err, signaling.ErrNotFound) {
		s.abort()
		return errors.Wrap(ErrStaleCall, "publish answer")
	}
	if err != nil {
		s.abort()
		return errors.Wrap(err, "publish answer")
	}

	if s.registry != nil {
		if err := s.registry.Set(rec, RoleCallee); err != nil {
			s.abort()
			return err
		}
	}

	s.mu.Lock()
	s.callID = rec.ID
	s.record = rec
	s.remoteSet = true
	s.answered = true
	s.mu.Unlock()

	if err := s.subscribe(ctx); err != nil {
		s.End("subscribe failed")
		return err
	}

	if !s.machine.Transition(StateConnecting) {
		s.End("not idle")
		return errors.New("session already ended")
	}
	log.Infof("call %s: joined as callee", rec.ID)

	go s.run()

	return nil
}

// acquire obtains local capture and builds the transport. Both are recorded
// on the session so abort and End can release them.
func (s *Session) acquire(ctx context.Context) (*LocalStream, Transport, error) {
	local, err := s.capture.Acquire(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(ErrMediaAcquisition, err.Error())
	}

	s.mu.Lock()
	s.local = local
	s.mu.Unlock()

	transport, err := s.newTransport(local)
	if err != nil {
		return nil, nil, errors.Wrap(err, "transport")
	}

	s.mu.Lock()
	s.transport = transport
	s.mu.Unlock()

	return local, transport, nil
}

// subscribe attaches the record watch and the remote-side candidate watch,
// feeding both into the session event loop.
func (s *Session) subscribe(ctx context.Context) error {
	s.mu.Lock()
	id := s.callID
	remoteSide := s.role.RemoteSide()
	s.mu.Unlock()

	unsubRecord, err := s.channel.WatchCall(ctx, id, func(ev signaling.RecordEvent) {
		if ev.Gone {
			s.enqueue(relayEvent{kind: relayGone})
			return
		}
		s.enqueue(relayEvent{kind: relayRecord, record: ev.Record})
	})
	if err != nil {
		return errors.Wrap(err, "watch call")
	}

	unsubCands, err := s.channel.WatchCandidates(ctx, id, remoteSide, func(cand signaling.Candidate) {
		s.enqueue(relayEvent{kind: relayCandidate, candidate: cand})
	})
	if err != nil {
		unsubRecord()
		return errors.Wrap(err, "watch candidates")
	}

	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsubRecord, unsubCands)
	s.mu.Unlock()

	return nil
}

// IngestRemoteCandidate feeds one remote ICE candidate into the session. If
// the remote description is not installed yet the candidate is buffered, and
// replayed in arrival order once it is; candidates are never dropped.
func (s *Session) IngestRemoteCandidate(cand signaling.Candidate) {
	s.enqueue(relayEvent{kind: relayCandidate, candidate: cand})
}

func (s *Session) enqueue(ev relayEvent) {
	select {
	case <-s.done:
	case s.relayEvents <- ev:
	}
}

// run is the session event loop: the only goroutine that applies relay and
// transport events to call state.
func (s *Session) run() {
	s.mu.Lock()
	transport := s.transport
	role := s.role
	s.mu.Unlock()

	var ringing <-chan time.Time
	if role == RoleCaller && s.cfg.RingTimeout > 0 {
		timer := time.NewTimer(s.cfg.RingTimeout)
		defer timer.Stop()
		ringing = timer.C
	}

	for {
		select {
		case <-s.done:
			return
		case ev := <-s.relayEvents:
			s.handleRelay(ev)
		case ev := <-transport.Events():
			s.handleTransport(ev)
		case <-ringing:
			if !s.isAnswered() {
				log.Infof("call %s: no answer within %s", s.ID(), s.cfg.RingTimeout)
				s.finish("no answer", true, false)
			}
			ringing = nil
		}
	}
}

func (s *Session) handleRelay(ev relayEvent) {
	switch ev.kind {
	case relayGone:
		// Record deleted out from under the session: cleanup race or remote
		// teardown that already removed it.
		s.finish("call record removed", false, false)

	case relayRecord:
		rec := ev.record

		s.mu.Lock()
		s.record = rec
		s.mu.Unlock()

		if rec.Status.Terminal() {
			reason := "call ended by remote"
			if rec.Status == signaling.StatusDeclined {
				reason = "call declined"
			}
			s.finish(reason, false, true)
			return
		}

		if s.roleIs(RoleCaller) && len(rec.Answer) != 0 && !s.isAnswered() {
			s.applyAnswer(rec.Answer)
		}

	case relayCandidate:
		s.applyCandidate(ev.candidate)
	}
}

func (s *Session) applyAnswer(answer signaling.Description) {
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()

	if err := transport.ApplyAnswer(answer); err != nil {
		log.Errorf("call %s: apply answer: %v", s.ID(), err)
		s.finish("bad answer", true, false)
		return
	}

	s.mu.Lock()
	s.answered = true
	s.remoteSet = true
	pending := s.pendingCands
	s.pendingCands = nil
	s.mu.Unlock()

	// Flush strictly in arrival order, then switch to pass-through.
	for _, cand := range pending {
		if err := transport.AddRemoteCandidate(cand); err != nil {
			log.Errorf("call %s: buffered candidate: %v", s.ID(), err)
		}
	}
}

func (s *Session) applyCandidate(cand signaling.Candidate) {
	s.mu.Lock()
	if !s.remoteSet {
		s.pendingCands = append(s.pendingCands, cand)
		s.mu.Unlock()
		return
	}
	transport := s.transport
	s.mu.Unlock()

	if err := transport.AddRemoteCandidate(cand); err != nil {
		log.Errorf("call %s: remote candidate: %v", s.ID(), err)
	}
}

func (s *Session) handleTransport(ev TransportEvent) {
	switch ev.Kind {
	case EventLocalCandidate:
		err := s.channel.AppendCandidate(context.Background(), s.ID(), s.localSide(), ev.Candidate)
		if err != nil && !errors.Is(err, signaling.ErrNotFound) {
			log.Errorf("call %s: publish candidate: %v", s.ID(), err)
		}

	case EventRemoteTrack:
		log.Infof("call %s: remote %s track", s.ID(), ev.Track.Kind)
		s.remote.add(ev.Track)

	case EventStateChange:
		log.Infof("call %s: transport %s", s.ID(), ev.State)

		if ev.State == TransportConnected {
			s.machine.Transition(StateConnected)
			return
		}
		if ev.State.Down() {
			s.finish("transport "+ev.State.String(), true, false)
		}

	case EventControl:
		s.mu.Lock()
		s.remoteCtl = ev.Control
		s.mu.Unlock()
	}
}

// End terminates the attempt: best-effort record update, transport teardown,
// capture release. Idempotent; the second call is a no-op.
func (s *Session) End(reason string) {
	s.finish(reason, true, false)
}

// finish is the single teardown path. updateRecord marks the record ended
// (skipped when a terminal status was observed rather than initiated);
// deleteRecord removes an observed-terminal record, best-effort.
func (s *Session) finish(reason string, updateRecord, deleteRecord bool) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.endReason = reason
	id := s.callID
	local := s.local
	transport := s.transport
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	close(s.done)

	for _, unsub := range unsubs {
		unsub()
	}

	ctx := context.Background()

	if updateRecord && id != "" {
		err := s.channel.UpdateCall(ctx, id, signaling.Update{Status: signaling.StatusEnded})
		if err != nil && !errors.Is(err, signaling.ErrNotFound) {
			// Already terminal or relay unreachable; teardown proceeds anyway.
			log.Debugf("call %s: mark ended: %v", id, err)
		}
	}

	if deleteRecord && id != "" {
		if err := s.channel.DeleteCall(ctx, id); err != nil {
			log.Debugf("call %s: cleanup: %v", id, err)
		}
	}

	if transport != nil {
		if err := transport.Close(); err != nil {
			log.Error(err)
		}
	}

	if local != nil {
		local.Release()
	}

	s.remote.clear()

	if s.registry != nil {
		s.registry.Clear(id)
	}

	s.machine.Transition(StateEnded)

	log.Infof("call %s: ended (%s)", id, reason)
}

// ToggleAudio flips the local audio tracks and notifies the remote side over
// the control channel. Returns the new muted state.
func (s *Session) ToggleAudio() bool {
	return s.toggle(KindAudio)
}

// ToggleVideo flips the local video tracks without renegotiation. Returns the
// new video-off state.
func (s *Session) ToggleVideo() bool {
	return s.toggle(KindVideo)
}

func (s *Session) toggle(kind TrackKind) bool {
	s.mu.Lock()
	local := s.local
	transport := s.transport
	s.mu.Unlock()

	if local == nil {
		return false
	}

	off := local.Enabled(kind)
	local.SetEnabled(kind, !off)

	if transport != nil {
		msg := ControlMessage{
			AudioMuted: !local.Enabled(KindAudio),
			VideoOff:   !local.Enabled(KindVideo),
		}
		if err := transport.SendControl(msg); err != nil {
			log.Debugf("call %s: control: %v", s.ID(), err)
		}
	}

	return off
}

// abort rolls back a failed start before the event loop exists.
func (s *Session) abort() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	local := s.local
	transport := s.transport
	s.mu.Unlock()

	close(s.done)

	if transport != nil {
		_ = transport.Close()
	}
	if local != nil {
		local.Release()
	}

	s.machine.Transition(StateEnded)
}

func (s *Session) setRole(role Role) {
	s.mu.Lock()
	s.role = role
	s.mu.Unlock()
}

func (s *Session) roleIs(role Role) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.role == role
}

func (s *Session) isAnswered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.answered
}

func (s *Session) localSide() signaling.Side {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.role.LocalSide()
}

// ID returns the call record ID, empty until the record exists.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.callID
}

// Role returns the side this session plays.
func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.role
}

// State returns the current call state.
func (s *Session) State() State {
	return s.machine.Current()
}

// Record returns the latest observed call record.
func (s *Session) Record() *signaling.CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.record
}

// LocalStream returns the session-owned local capture for rendering, nil
// before start.
func (s *Session) LocalStream() *LocalStream {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.local
}

// RemoteStream returns the rendering handle for remote tracks.
func (s *Session) RemoteStream() *RemoteStream {
	return s.remote
}

// Muted reports whether local audio is off.
func (s *Session) Muted() bool {
	s.mu.Lock()
	local := s.local
	s.mu.Unlock()

	return local != nil && !local.Enabled(KindAudio)
}

// VideoOff reports whether local video is off.
func (s *Session) VideoOff() bool {
	s.mu.Lock()
	local := s.local
	s.mu.Unlock()

	return local != nil && !local.Enabled(KindVideo)
}

// RemoteControl returns the last control state received from the remote side.
func (s *Session) RemoteControl() ControlMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.remoteCtl
}

// EndReason reports why the session ended, empty while active.
func (s *Session) EndReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.endReason
}

// Done is closed when the session has terminated.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
