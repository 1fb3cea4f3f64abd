package sync

import (
	"sync"
)

// Mailbox is an unbounded ordered delivery queue with a single consumer
// goroutine. Put never blocks, so producers may hold locks while notifying,
// and deliver always runs outside them. Delivery order matches Put order.
type Mailbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []any
	closed  bool
	deliver func(any)
}

func NewMailbox(deliver func(any)) *Mailbox {
	b := &Mailbox{deliver: deliver}
	b.cond = sync.NewCond(&b.mu)

	go b.run()

	return b
}

// Put enqueues one value. Values put after Close are discarded.
func (b *Mailbox) Put(v any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.queue = append(b.queue, v)
	b.cond.Signal()
}

// Close stops delivery and discards anything still queued. Idempotent.
func (b *Mailbox) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.queue = nil
	b.cond.Signal()
}

func (b *Mailbox) run() {
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if b.closed {
			b.mu.Unlock()
			return
		}
		v := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		b.deliver(v)
	}
}
