package signaling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	queue "peer-call/pkg/sync"
)

// Store is an in-memory Channel. It backs the relay server and doubles as the
// relay stand-in in tests.
//
// Every subscription gets its own ordered delivery queue, so a watch callback
// may call back into the store without deadlocking and still observes changes
// in the order they were committed.
type Store struct {
	mu           sync.Mutex
	calls        map[string]*callEntry
	recordSubs   map[string]map[int]*queue.Mailbox
	candSubs     map[string]map[int]*candWatch
	incomingSubs map[int]*incomingWatch
	nextSub      int
}

type callEntry struct {
	rec        *CallRecord
	candidates map[Side][]Candidate
}

type candWatch struct {
	side Side
	box  *queue.Mailbox
}

type incomingWatch struct {
	uid string
	box *queue.Mailbox
}

func NewStore() *Store {
	return &Store{
		calls:        make(map[string]*callEntry),
		recordSubs:   make(map[string]map[int]*queue.Mailbox),
		candSubs:     make(map[string]map[int]*candWatch),
		incomingSubs: make(map[int]*incomingWatch),
	}
}

func (s *Store) CreateCall(_ context.Context, rec *CallRecord) (string, error) {
	if rec == nil || len(rec.Offer) == 0 {
		return "", errors.Wrap(ErrRelayWrite, "create without offer")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := rec.Clone()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Status == "" {
		r.Status = StatusRinging
	}
	if r.Status != StatusRinging {
		return "", errors.Wrapf(ErrRelayWrite, "create with status %q", r.Status)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	if _, ok := s.calls[r.ID]; ok {
		return "", errors.Wrapf(ErrRelayWrite, "duplicate call id %s", r.ID)
	}

	s.calls[r.ID] = &callEntry{
		rec:        r,
		candidates: make(map[Side][]Candidate),
	}

	s.notifyRecordLocked(r.ID)
	s.notifyIncomingLocked(r.Callee.UID)

	return r.ID, nil
}

func (s *Store) GetCall(_ context.Context, id string) (*CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.calls[id]
	if !ok {
		return nil, ErrNotFound
	}

	return entry.rec.Clone(), nil
}

func (s *Store) UpdateCall(_ context.Context, id string, upd Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.calls[id]
	if !ok {
		return ErrNotFound
	}

	rec := entry.rec

	if len(upd.Answer) != 0 {
		if len(rec.Answer) != 0 {
			return errors.Wrap(ErrRelayWrite, "answer already set")
		}
		rec.Answer = append(Description(nil), upd.Answer...)
	}

	if upd.Status != "" && upd.Status != rec.Status {
		if !rec.Status.CanTransition(upd.Status) {
			return errors.Wrapf(ErrRelayWrite, "status %q cannot become %q", rec.Status, upd.Status)
		}
		rec.Status = upd.Status
		s.notifyIncomingLocked(rec.Callee.UID)
	}

	s.notifyRecordLocked(id)

	return nil
}

func (s *Store) DeleteCall(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.calls[id]
	if !ok {
		return nil
	}

	delete(s.calls, id)

	for _, box := range s.recordSubs[id] {
		box.Put(RecordEvent{Gone: true})
	}
	s.notifyIncomingLocked(entry.rec.Callee.UID)

	return nil
}

func (s *Store) AppendCandidate(_ context.Context, id string, side Side, cand Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.calls[id]
	if !ok {
		return ErrNotFound
	}

	c := append(Candidate(nil), cand...)
	entry.candidates[side] = append(entry.candidates[side], c)

	for _, w := range s.candSubs[id] {
		if w.side == side {
			w.box.Put(c)
		}
	}

	return nil
}

func (s *Store) WatchCall(_ context.Context, id string, fn func(RecordEvent)) (Unsubscribe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	box := queue.NewMailbox(func(v any) { fn(v.(RecordEvent)) })

	subID := s.nextSub
	s.nextSub++
	if s.recordSubs[id] == nil {
		s.recordSubs[id] = make(map[int]*queue.Mailbox)
	}
	s.recordSubs[id][subID] = box

	// Initial snapshot: current state or "gone" if the record never existed
	// or has already been cleaned up.
	if entry, ok := s.calls[id]; ok {
		box.Put(RecordEvent{Record: entry.rec.Clone()})
	} else {
		box.Put(RecordEvent{Gone: true})
	}

	return s.unsubRecord(id, subID, box), nil
}

func (s *Store) WatchCandidates(_ context.Context, id string, side Side, fn func(Candidate)) (Unsubscribe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	box := queue.NewMailbox(func(v any) { fn(v.(Candidate)) })

	subID := s.nextSub
	s.nextSub++
	if s.candSubs[id] == nil {
		s.candSubs[id] = make(map[int]*candWatch)
	}
	s.candSubs[id][subID] = &candWatch{side: side, box: box}

	// Eager replay: everything appended so far, in append order, exactly once.
	if entry, ok := s.calls[id]; ok {
		for _, c := range entry.candidates[side] {
			box.Put(c)
		}
	}

	return func() {
		s.mu.Lock()
		delete(s.candSubs[id], subID)
		s.mu.Unlock()
		box.Close()
	}, nil
}

func (s *Store) WatchIncoming(_ context.Context, calleeUID string, fn func([]*CallRecord)) (Unsubscribe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	box := queue.NewMailbox(func(v any) { fn(v.([]*CallRecord)) })

	subID := s.nextSub
	s.nextSub++
	s.incomingSubs[subID] = &incomingWatch{uid: calleeUID, box: box}

	box.Put(s.ringingForLocked(calleeUID))

	return func() {
		s.mu.Lock()
		delete(s.incomingSubs, subID)
		s.mu.Unlock()
		box.Close()
	}, nil
}

func (s *Store) unsubRecord(id string, subID int, box *queue.Mailbox) Unsubscribe {
	return func() {
		s.mu.Lock()
		delete(s.recordSubs[id], subID)
		s.mu.Unlock()
		box.Close()
	}
}

func (s *Store) notifyRecordLocked(id string) {
	entry, ok := s.calls[id]
	if !ok {
		return
	}
	for _, box := range s.recordSubs[id] {
		box.Put(RecordEvent{Record: entry.rec.Clone()})
	}
}

func (s *Store) notifyIncomingLocked(calleeUID string) {
	for _, w := range s.incomingSubs {
		if w.uid == calleeUID {
			w.box.Put(s.ringingForLocked(calleeUID))
		}
	}
}

func (s *Store) ringingForLocked(calleeUID string) []*CallRecord {
	var out []*CallRecord
	for _, entry := range s.calls {
		if entry.rec.Callee.UID == calleeUID && entry.rec.Status == StatusRinging {
			out = append(out, entry.rec.Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	return out
}
