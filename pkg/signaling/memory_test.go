package signaling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func newRecord(chatID, callerUID, calleeUID string) *CallRecord {
	return &CallRecord{
		ChatID: chatID,
		Caller: Participant{UID: callerUID, DisplayName: callerUID},
		Callee: Participant{UID: calleeUID, DisplayName: calleeUID},
		Status: StatusRinging,
		Offer:  Description(`{"type":"offer","sdp":"v=0"}`),
	}
}

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

func TestStore_CreateRequiresOffer(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	rec := newRecord("u1_u2", "u1", "u2")
	rec.Offer = nil

	if _, err := s.CreateCall(ctx, rec); !errors.Is(err, ErrRelayWrite) {
		t.Fatalf("expected ErrRelayWrite, got %v", err)
	}
}

func TestStore_AnswerIsWriteOnce(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	id, err := s.CreateCall(ctx, newRecord("u1_u2", "u1", "u2"))
	if err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateCall(ctx, id, Update{Answer: Description("a1")}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateCall(ctx, id, Update{Answer: Description("a2")}); !errors.Is(err, ErrRelayWrite) {
		t.Fatalf("expected ErrRelayWrite on second answer, got %v", err)
	}

	rec, err := s.GetCall(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if string(rec.Answer) != "a1" {
		t.Fatalf("answer changed to %q", rec.Answer)
	}
}

func TestStore_StatusMonotonic(t *testing.T) {
	tests := []struct {
		name string
		path []Status
		ok   bool
	}{
		{"answer then end", []Status{StatusAnswered, StatusEnded}, true},
		{"decline", []Status{StatusDeclined}, true},
		{"end while ringing", []Status{StatusEnded}, true},
		{"out of declined", []Status{StatusDeclined, StatusEnded}, false},
		{"out of ended", []Status{StatusEnded, StatusAnswered}, false},
		{"decline after answer", []Status{StatusAnswered, StatusDeclined}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore()
			ctx := context.Background()

			id, err := s.CreateCall(ctx, newRecord("u1_u2", "u1", "u2"))
			if err != nil {
				t.Fatal(err)
			}

			for i, status := range tt.path {
				err := s.UpdateCall(ctx, id, Update{Status: status})
				last := i == len(tt.path)-1

				if last && !tt.ok {
					if !errors.Is(err, ErrRelayWrite) {
						t.Fatalf("step %d: expected ErrRelayWrite, got %v", i, err)
					}
					return
				}
				if err != nil {
					t.Fatalf("step %d: %v", i, err)
				}
			}
		})
	}
}

func TestStore_CandidateWatchEagerReplayAndOrder(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	id, err := s.CreateCall(ctx, newRecord("u1_u2", "u1", "u2"))
	if err != nil {
		t.Fatal(err)
	}

	// Appended before subscription: must be replayed.
	for _, c := range []string{"c1", "c2"} {
		if err := s.AppendCandidate(ctx, id, OfferSide, Candidate(c)); err != nil {
			t.Fatal(err)
		}
	}
	// A candidate on the other side must not be delivered.
	if err := s.AppendCandidate(ctx, id, AnswerSide, Candidate("x1")); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var got []string

	unsub, err := s.WatchCandidates(ctx, id, OfferSide, func(c Candidate) {
		mu.Lock()
		got = append(got, string(c))
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	for _, c := range []string{"c3", "c4"} {
		if err := s.AppendCandidate(ctx, id, OfferSide, Candidate(c)); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 4
	})

	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"c1", "c2", "c3", "c4"} {
		if got[i] != want {
			t.Fatalf("candidate %d: got %q, want %q (full: %v)", i, got[i], want, got)
		}
	}
}

func TestStore_WatchCallDeliversSnapshotAndDeletion(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	id, err := s.CreateCall(ctx, newRecord("u1_u2", "u1", "u2"))
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var events []RecordEvent

	unsub, err := s.WatchCall(ctx, id, func(ev RecordEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	})

	if err := s.UpdateCall(ctx, id, Update{Status: StatusEnded}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteCall(ctx, id); err != nil {
		t.Fatal(err)
	}
	// Idempotent.
	if err := s.DeleteCall(ctx, id); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 3
	})

	mu.Lock()
	defer mu.Unlock()

	if events[0].Record == nil || events[0].Record.Status != StatusRinging {
		t.Fatalf("initial snapshot: %+v", events[0])
	}
	if events[1].Record == nil || events[1].Record.Status != StatusEnded {
		t.Fatalf("update event: %+v", events[1])
	}
	if !events[2].Gone {
		t.Fatalf("expected deletion event, got %+v", events[2])
	}
}

func TestStore_WatchCallOnAbsentRecordReportsGone(t *testing.T) {
	s := NewStore()

	var mu sync.Mutex
	var gone bool

	unsub, err := s.WatchCall(context.Background(), "no-such-call", func(ev RecordEvent) {
		mu.Lock()
		gone = ev.Gone
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gone
	})
}

func TestStore_WatchIncomingOrdersByCreationThenID(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	base := time.Now()

	early := newRecord("u1_u2", "u1", "u2")
	early.ID = "bbb"
	early.CreatedAt = base

	later := newRecord("u3_u2", "u3", "u2")
	later.ID = "aaa"
	later.CreatedAt = base.Add(time.Second)

	tie := newRecord("u4_u2", "u4", "u2")
	tie.ID = "ccc"
	tie.CreatedAt = base

	other := newRecord("u1_u9", "u1", "u9")

	for _, rec := range []*CallRecord{later, tie, early, other} {
		if _, err := s.CreateCall(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	var mu sync.Mutex
	var last []string

	unsub, err := s.WatchIncoming(ctx, "u2", func(recs []*CallRecord) {
		ids := make([]string, 0, len(recs))
		for _, r := range recs {
			ids = append(ids, r.ID)
		}
		mu.Lock()
		last = ids
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 3
	})

	mu.Lock()
	ids := append([]string(nil), last...)
	mu.Unlock()

	for i, want := range []string{"bbb", "ccc", "aaa"} {
		if ids[i] != want {
			t.Fatalf("position %d: got %q, want %q (full: %v)", i, ids[i], want, ids)
		}
	}

	// Answering removes the call from the ringing set.
	if err := s.UpdateCall(ctx, "bbb", Update{Status: StatusAnswered}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 2 && last[0] == "ccc"
	})
}
