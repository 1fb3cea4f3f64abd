package call

import (
	"context"

	"peer-call/pkg/signaling"
)

// TransportState is the subset of peer-connection states the session reacts
// to.
type TransportState int

const (
	TransportNew TransportState = iota
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportNew:
		return "new"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Down reports whether the state terminates the call attempt.
func (s TransportState) Down() bool {
	return s == TransportDisconnected || s == TransportFailed || s == TransportClosed
}

// ControlMessage is the in-call control state exchanged over the transport's
// data channel, outside of the media renegotiation path.
type ControlMessage struct {
	AudioMuted bool `json:"audioMuted"`
	VideoOff   bool `json:"videoOff"`
}

type TransportEventKind int

const (
	// EventLocalCandidate carries a locally discovered ICE candidate that
	// must be published to the relay.
	EventLocalCandidate TransportEventKind = iota
	// EventRemoteTrack carries a remote media track as it arrives.
	EventRemoteTrack
	// EventStateChange carries a connection-state change.
	EventStateChange
	// EventControl carries a control message received from the remote side.
	EventControl
)

// TransportEvent is one typed event emitted by a Transport onto its event
// channel. Exactly one payload field is set, selected by Kind.
type TransportEvent struct {
	Kind      TransportEventKind
	Candidate signaling.Candidate
	Track     *RemoteTrack
	State     TransportState
	Control   ControlMessage
}

// Transport is one peer connection for one call attempt. Implementations emit
// events onto the Events channel instead of invoking callbacks, so the
// session's single event loop stays the only place that mutates call state.
type Transport interface {
	// CreateOffer produces the local session description for the caller role
	// and installs it as the local description. ICE gathering starts here;
	// discovered candidates appear as EventLocalCandidate events.
	CreateOffer(ctx context.Context) (signaling.Description, error)

	// CreateAnswer installs the remote offer and produces and installs the
	// local answer, for the callee role.
	CreateAnswer(ctx context.Context, offer signaling.Description) (signaling.Description, error)

	// ApplyAnswer installs the remote answer on the caller side.
	ApplyAnswer(answer signaling.Description) error

	// AddRemoteCandidate feeds one remote ICE candidate to the transport. The
	// caller guarantees a remote description has been installed first.
	AddRemoteCandidate(cand signaling.Candidate) error

	// SendControl sends a control message to the remote side. Best-effort:
	// fails if the control channel is not open yet.
	SendControl(msg ControlMessage) error

	// Events returns the transport's event channel. It is never closed;
	// events stop after Close.
	Events() <-chan TransportEvent

	// Close tears the peer connection down. Idempotent.
	Close() error
}

// TransportFactory builds the transport for one call attempt with the local
// media attached.
type TransportFactory func(local *LocalStream) (Transport, error)
