package node

import (
	"context"
	"sync"

	"github.com/opd-ai/securechannel/routing"
)

// mailbox is an unbounded FIFO of envelopes for one worker. Pushes never
// block, so two workers sending to each other cannot deadlock on full queues.
type mailbox struct {
	mu     sync.Mutex
	queue  []routing.Envelope
	notify chan struct{}
	closed bool
	addrs  []routing.Address
}

func newMailbox(addrs []routing.Address) *mailbox {
	return &mailbox{
		notify: make(chan struct{}, 1),
		addrs:  addrs,
	}
}

// push appends env to the queue. Pushing to a closed mailbox fails with
// ErrUnknownAddress since the worker behind it is gone.
func (m *mailbox) push(env routing.Envelope) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrUnknownAddress
	}
	m.queue = append(m.queue, env)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// pop blocks until an envelope is available, the mailbox is closed, or ctx
// is done.
func (m *mailbox) pop(ctx context.Context) (routing.Envelope, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return routing.Envelope{}, ErrWorkerStopped
		}
		if len(m.queue) > 0 {
			env := m.queue[0]
			m.queue[0] = routing.Envelope{}
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return env, nil
		}
		m.mu.Unlock()

		select {
		case <-m.notify:
		case <-ctx.Done():
			return routing.Envelope{}, ctx.Err()
		}
	}
}

// close drops pending envelopes and wakes any blocked pop.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.queue = nil
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}
