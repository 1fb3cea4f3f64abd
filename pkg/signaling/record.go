package signaling

import (
	"time"
)

// Status is the relay-visible lifecycle of one call attempt.
type Status string

const (
	StatusRinging  Status = "ringing"
	StatusAnswered Status = "answered"
	StatusDeclined Status = "declined"
	StatusEnded    Status = "ended"
)

// Terminal reports whether no further status transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusDeclined || s == StatusEnded
}

// CanTransition reports whether moving from s to next keeps the status
// monotonic: ringing → answered → ended, ringing → declined, ringing → ended.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusRinging:
		return next == StatusAnswered || next == StatusDeclined || next == StatusEnded
	case StatusAnswered:
		return next == StatusEnded
	default:
		return false
	}
}

// Side names one of the two candidate sub-lists of a call record.
type Side string

const (
	OfferSide  Side = "offer"
	AnswerSide Side = "answer"
)

// Description is an opaque session-description blob. The signaling layer
// passes it through unmodified.
type Description []byte

// Candidate is an opaque ICE candidate descriptor, passed through unmodified.
type Candidate []byte

// Participant is a snapshot of a user taken at call start. A snapshot, not a
// live reference, so profile changes mid-call do not affect the record.
type Participant struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

// CallRecord is the persisted signaling state of one call attempt.
type CallRecord struct {
	ID        string      `json:"id"`
	ChatID    string      `json:"chatId"`
	Caller    Participant `json:"caller"`
	Callee    Participant `json:"callee"`
	Status    Status      `json:"status"`
	Offer     Description `json:"offer"`
	Answer    Description `json:"answer,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Clone returns a deep copy so watchers cannot mutate store state.
func (r *CallRecord) Clone() *CallRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Offer = append(Description(nil), r.Offer...)
	c.Answer = append(Description(nil), r.Answer...)
	return &c
}
