package call

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"peer-call/pkg/log"
	"peer-call/pkg/signaling"
)

// IncomingCall is one ringing call surfaced to the user, with its accept and
// decline actions bound.
type IncomingCall struct {
	Record *signaling.CallRecord

	// Accept marks the record answered and claims the active-call slot. The
	// caller is expected to construct a Session in callee role with the
	// returned record next.
	Accept func(ctx context.Context) (*signaling.CallRecord, error)

	// Decline marks the record declined.
	Decline func(ctx context.Context) error
}

// Watcher is the process-wide subscription that detects calls targeting the
// local user while idle. Its lifecycle is tied to the authenticated session:
// Start on sign-in, Stop on sign-out.
//
// At most one ringing call is surfaced at a time: the earliest by creation
// time, ties broken by record ID. Handlers receive nil when the surfaced call
// is withdrawn (answered elsewhere, declined, or gone).
type Watcher struct {
	channel  signaling.Channel
	registry *Registry
	localUID string

	mu       sync.Mutex
	handlers []func(*IncomingCall)
	current  string
	unsub    signaling.Unsubscribe
}

func NewWatcher(channel signaling.Channel, registry *Registry, localUID string) *Watcher {
	return &Watcher{
		channel:  channel,
		registry: registry,
		localUID: localUID,
	}
}

// OnIncoming registers a handler fired whenever the surfaced incoming call
// changes. Register handlers before Start.
func (w *Watcher) OnIncoming(fn func(*IncomingCall)) {
	w.mu.Lock()
	w.handlers = append(w.handlers, fn)
	w.mu.Unlock()
}

func (w *Watcher) Start(ctx context.Context) error {
	unsub, err := w.channel.WatchIncoming(ctx, w.localUID, w.observe)
	if err != nil {
		return errors.Wrap(err, "watch incoming")
	}

	w.mu.Lock()
	w.unsub = unsub
	w.mu.Unlock()

	return nil
}

func (w *Watcher) Stop() {
	w.mu.Lock()
	unsub := w.unsub
	w.unsub = nil
	w.current = ""
	w.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

func (w *Watcher) observe(recs []*signaling.CallRecord) {
	first := pickFirst(recs)

	w.mu.Lock()

	var surfaced *IncomingCall
	changed := false

	if first == nil {
		if w.current != "" {
			w.current = ""
			changed = true
		}
	} else if first.ID != w.current {
		w.current = first.ID
		surfaced = w.incomingLocked(first)
		changed = true
	}

	handlers := make([]func(*IncomingCall), len(w.handlers))
	copy(handlers, w.handlers)
	w.mu.Unlock()

	if !changed {
		return
	}

	if surfaced != nil {
		log.Infof("incoming call %s from %s", surfaced.Record.ID, surfaced.Record.Caller.DisplayName)
	}

	for _, fn := range handlers {
		fn(surfaced)
	}
}

func (w *Watcher) incomingLocked(rec *signaling.CallRecord) *IncomingCall {
	return &IncomingCall{
		Record: rec,
		Accept: func(ctx context.Context) (*signaling.CallRecord, error) {
			return w.accept(ctx, rec)
		},
		Decline: func(ctx context.Context) error {
			return w.decline(ctx, rec)
		},
	}
}

func (w *Watcher) accept(ctx context.Context, rec *signaling.CallRecord) (*signaling.CallRecord, error) {
	if err := w.registry.Set(rec, RoleCallee); err != nil {
		return nil, err
	}

	err := w.channel.UpdateCall(ctx, rec.ID, signaling.Update{Status: signaling.StatusAnswered})
	if errors.Is(err, signaling.ErrNotFound) {
		w.registry.Clear(rec.ID)

		return nil, errors.Wrap(ErrStaleCall, "accept")
	}
	if err != nil {
		w.registry.Clear(rec.ID)

		return nil, errors.Wrap(err, "accept")
	}

	return rec, nil
}

func (w *Watcher) decline(ctx context.Context, rec *signaling.CallRecord) error {
	err := w.channel.UpdateCall(ctx, rec.ID, signaling.Update{Status: signaling.StatusDeclined})
	if errors.Is(err, signaling.ErrNotFound) {
		// Caller already hung up; nothing left to decline.
		return nil
	}

	return errors.Wrap(err, "decline")
}

// pickFirst chooses the call to surface: earliest CreatedAt, then lowest ID.
// The relay query order is not relied upon.
func pickFirst(recs []*signaling.CallRecord) *signaling.CallRecord {
	if len(recs) == 0 {
		return nil
	}

	sorted := make([]*signaling.CallRecord, len(recs))
	copy(sorted, recs)

	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	return sorted[0]
}
