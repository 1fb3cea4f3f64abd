package signaling

import (
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a call record does not exist (anymore). Readers
// racing with cleanup must treat it as "already cleaned up", not as a failure.
var ErrNotFound = errors.New("call record not found")

// ErrRelayWrite is returned when the relay rejects a create, update or append,
// e.g. on an invalid status transition or an attempt to rewrite an immutable
// field.
var ErrRelayWrite = errors.New("relay rejected write")
