package call

import (
	"sync"

	"peer-call/pkg/signaling"
)

// Role fixes which side of the offer/answer exchange a session drives.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// LocalSide names the candidate sub-list this role appends to.
func (r Role) LocalSide() signaling.Side {
	if r == RoleCaller {
		return signaling.OfferSide
	}

	return signaling.AnswerSide
}

// RemoteSide names the candidate sub-list this role consumes.
func (r Role) RemoteSide() signaling.Side {
	if r == RoleCaller {
		return signaling.AnswerSide
	}

	return signaling.OfferSide
}

// Registry is the process-wide slot holding at most one active or pending
// call. Both the caller-initiated and the callee-accepted paths populate it,
// so whichever surface renders the call can retrieve the record and role
// without re-deriving them. Cleared on teardown.
type Registry struct {
	mu   sync.Mutex
	rec  *signaling.CallRecord
	role Role
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Set claims the slot. It fails with ErrBusy when a different call already
// occupies it; re-setting the same call is allowed.
func (r *Registry) Set(rec *signaling.CallRecord, role Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rec != nil && r.rec.ID != rec.ID {
		return ErrBusy
	}

	r.rec = rec
	r.role = role

	return nil
}

// Get returns the current call, if any.
func (r *Registry) Get() (*signaling.CallRecord, Role, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rec == nil {
		return nil, "", false
	}

	return r.rec, r.role, true
}

// Clear releases the slot if it holds the given call ID. An empty id clears
// unconditionally.
func (r *Registry) Clear(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == "" || (r.rec != nil && r.rec.ID == id) {
		r.rec = nil
		r.role = ""
	}
}
