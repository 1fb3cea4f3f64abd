// Package relay carries the signaling channel over a websocket between a
// call client and the relay server. The wire is JSON messages: requests from
// the client, responses and watch events from the server.
package relay

import (
	"peer-call/pkg/signaling"
)

// Request operations.
const (
	OpCreateCall      = "create_call"
	OpGetCall         = "get_call"
	OpUpdateCall      = "update_call"
	OpDeleteCall      = "delete_call"
	OpAppendCandidate = "append_candidate"
	OpWatchCall       = "watch_call"
	OpWatchCandidates = "watch_candidates"
	OpWatchIncoming   = "watch_incoming"
	OpUnwatch         = "unwatch"
)

// Response error codes, mapped back to the signaling sentinels on the client.
const (
	CodeNotFound   = "not_found"
	CodeRelayWrite = "relay_write"
	CodeBadRequest = "bad_request"
)

// Watch event kinds.
const (
	EventRecord    = "record"
	EventGone      = "gone"
	EventCandidate = "candidate"
	EventRinging   = "ringing"
)

// Request is one client→server operation. ID correlates the response; WatchID
// is client-generated and names the subscription for watch ops and unwatch.
type Request struct {
	ID string `json:"id"`
	Op string `json:"op"`

	CallID    string                `json:"callId,omitempty"`
	Record    *signaling.CallRecord `json:"record,omitempty"`
	Update    *signaling.Update     `json:"update,omitempty"`
	Side      signaling.Side        `json:"side,omitempty"`
	Candidate signaling.Candidate   `json:"candidate,omitempty"`
	CalleeUID string                `json:"calleeUid,omitempty"`
	WatchID   string                `json:"watchId,omitempty"`
}

// Response answers one request.
type Response struct {
	ID    string `json:"id"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`

	CallID string                `json:"callId,omitempty"`
	Record *signaling.CallRecord `json:"record,omitempty"`
}

// WatchEvent is one server-pushed delivery for a subscription.
type WatchEvent struct {
	WatchID string `json:"watchId"`
	Kind    string `json:"kind"`

	Record    *signaling.CallRecord   `json:"record,omitempty"`
	Candidate signaling.Candidate     `json:"candidate,omitempty"`
	Ringing   []*signaling.CallRecord `json:"ringing,omitempty"`
}

// ServerMessage is the discriminated union the server writes.
type ServerMessage struct {
	Type     string      `json:"type"` // "response" | "event"
	Response *Response   `json:"response,omitempty"`
	Event    *WatchEvent `json:"event,omitempty"`
}
