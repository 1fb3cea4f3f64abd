package call

import (
	"github.com/pkg/errors"
)

// ErrMediaAcquisition is returned when local audio/video capture cannot be
// acquired. Fatal to the attempt: the session never reaches connecting and no
// retry is made.
var ErrMediaAcquisition = errors.New("local media acquisition failed")

// ErrStaleCall is returned when the callee tries to join a call record that no
// longer exists, i.e. the caller hung up before the callee got in.
var ErrStaleCall = errors.New("call is no longer available")

// ErrBusy is returned when a second call would be placed or accepted while
// the active-call slot is already occupied.
var ErrBusy = errors.New("another call is already active")
