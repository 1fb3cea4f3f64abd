// Package signaling defines the contract of the third-party relay that two
// call participants use to exchange session descriptions and ICE candidates,
// together with the call record data model and an in-memory implementation.
package signaling

import (
	"context"
)

// Update carries the mergeable fields of UpdateCall. Zero values mean
// "leave unchanged".
type Update struct {
	Status Status      `json:"status,omitempty"`
	Answer Description `json:"answer,omitempty"`
}

// RecordEvent is one observable change to a call record. Gone is set when the
// record has been deleted (or never existed).
type RecordEvent struct {
	Record *CallRecord
	Gone   bool
}

// Unsubscribe stops the delivery of a watch. Safe to call more than once.
type Unsubscribe func()

// Channel is the signaling relay as seen by one call participant.
//
// Watch callbacks for one subscription are invoked sequentially, in delivery
// order. No ordering is guaranteed between a WatchCall subscription and a
// WatchCandidates subscription on the same record: a terminal status may be
// observed before or after trailing candidates.
type Channel interface {
	// CreateCall atomically persists a new record with its offer embedded and
	// status ringing, and returns the record ID.
	CreateCall(ctx context.Context, rec *CallRecord) (string, error)

	// GetCall returns the current record, or ErrNotFound.
	GetCall(ctx context.Context, id string) (*CallRecord, error)

	// UpdateCall merges upd into the record. Status transitions must be
	// monotonic and the answer is write-once; violations fail with
	// ErrRelayWrite. A missing record fails with ErrNotFound.
	UpdateCall(ctx context.Context, id string, upd Update) error

	// DeleteCall removes the record. Idempotent: deleting an absent record is
	// not an error.
	DeleteCall(ctx context.Context, id string) error

	// AppendCandidate appends one candidate to the named sub-list. Delivery to
	// watchers preserves append order per side.
	AppendCandidate(ctx context.Context, id string, side Side, cand Candidate) error

	// WatchCall delivers the current record state immediately, then every
	// observable change including deletion, until unsubscribed. At-least-once.
	WatchCall(ctx context.Context, id string, fn func(RecordEvent)) (Unsubscribe, error)

	// WatchCandidates delivers candidates of one side exactly once each, in
	// append order. Candidates appended before subscription are replayed
	// first (eager replay).
	WatchCandidates(ctx context.Context, id string, side Side, fn func(Candidate)) (Unsubscribe, error)

	// WatchIncoming delivers the set of ringing records whose callee is
	// calleeUID, ordered by creation time (ties broken by ID), immediately on
	// subscription and then on every change to that set.
	WatchIncoming(ctx context.Context, calleeUID string, fn func([]*CallRecord)) (Unsubscribe, error)
}
