package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/securechannel/routing"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownAddress indicates no worker is registered at the next hop.
	ErrUnknownAddress = errors.New("unknown address")
	// ErrAddressInUse indicates an address is already registered.
	ErrAddressInUse = errors.New("address already in use")
	// ErrNoRouter indicates no router is registered for an address type.
	ErrNoRouter = errors.New("no router for address type")
	// ErrNodeStopped indicates the node has been stopped.
	ErrNodeStopped = errors.New("node stopped")
	// ErrWorkerStopped indicates the mailbox behind a context was closed.
	ErrWorkerStopped = errors.New("worker stopped")
	// ErrNotDetached indicates Receive was called on a worker context.
	ErrNotDetached = errors.New("receive is only available on detached contexts")
)

// Worker processes messages delivered to its addresses. Initialize runs
// once before the first message is handled; HandleMessage is never called
// concurrently for the same worker.
type Worker interface {
	Initialize(ctx *Context) error
	HandleMessage(ctx *Context, msg *Routed) error
}

// Shutdowner is implemented by workers that need to release resources when
// they are stopped.
type Shutdowner interface {
	Shutdown(ctx *Context) error
}

// Router delivers envelopes whose next hop is an external address type.
type Router interface {
	Route(env routing.Envelope) error
}

// ErrorHandler receives errors returned by worker handlers.
type ErrorHandler func(addr routing.Address, err error)

// Option configures a Node.
type Option func(*Node)

// WithErrorHandler installs a supervisor hook for handler errors.
func WithErrorHandler(h ErrorHandler) Option {
	return func(n *Node) {
		n.onError = h
	}
}

// Node is an in-process message router. It owns the address table, runs one
// goroutine per worker and hands envelopes for external addresses to the
// router registered for their type.
type Node struct {
	mu        sync.RWMutex
	mailboxes map[routing.Address]*mailbox
	routers   map[routing.AddressType]Router
	onError   ErrorHandler
	stopped   bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a running node with no workers.
func New(opts ...Option) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		mailboxes: make(map[routing.Address]*mailbox),
		routers:   make(map[routing.AddressType]Router),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.onError == nil {
		n.onError = logError
	}
	return n
}

func logError(addr routing.Address, err error) {
	logrus.WithFields(logrus.Fields{
		"function": "Node.HandleMessage",
		"address":  addr,
		"error":    err.Error(),
	}).Error("Worker failed to handle message")
}

// RegisterRouter installs r for every address of type t.
func (n *Node) RegisterRouter(t routing.AddressType, r Router) error {
	if t == routing.LocalAddress {
		return fmt.Errorf("cannot register router for local addresses")
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.routers[t]; exists {
		return fmt.Errorf("%w: router type %d", ErrAddressInUse, t)
	}
	n.routers[t] = r
	return nil
}

// StartWorker registers w under every address in addrs and starts it. The
// worker's Initialize runs on the calling goroutine, so initialization
// errors are returned here and leave no addresses registered.
func (n *Node) StartWorker(w Worker, addrs ...routing.Address) error {
	mb, err := n.register(addrs)
	if err != nil {
		return err
	}

	ctx := &Context{node: n, addr: addrs[0], mb: mb}
	if err := w.Initialize(ctx); err != nil {
		n.unregister(mb)
		logrus.WithFields(logrus.Fields{
			"function": "StartWorker",
			"address":  addrs[0],
			"error":    err.Error(),
		}).Error("Worker initialization failed")
		return fmt.Errorf("initialize %s: %w", addrs[0], err)
	}

	n.wg.Add(1)
	go n.run(w, ctx)

	logrus.WithFields(logrus.Fields{
		"function":  "StartWorker",
		"addresses": addrs,
	}).Debug("Worker started")
	return nil
}

// NewContext registers a detached mailbox at addr. Detached contexts have no
// worker goroutine; the owner pulls messages with Receive.
func (n *Node) NewContext(addr routing.Address) (*Context, error) {
	mb, err := n.register([]routing.Address{addr})
	if err != nil {
		return nil, err
	}
	return &Context{node: n, addr: addr, mb: mb, detached: true}, nil
}

// StopWorker unregisters every address of the worker owning addr and stops
// it. Pending messages are dropped.
func (n *Node) StopWorker(addr routing.Address) error {
	n.mu.RLock()
	mb, ok := n.mailboxes[addr]
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAddress, addr)
	}

	n.unregister(mb)
	logrus.WithFields(logrus.Fields{
		"function": "StopWorker",
		"address":  addr,
	}).Debug("Worker stopped")
	return nil
}

// HasAddress reports whether addr is currently registered.
func (n *Node) HasAddress(addr routing.Address) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.mailboxes[addr]
	return ok
}

// Deliver routes env toward its first onward hop.
func (n *Node) Deliver(env routing.Envelope) error {
	next, _, err := env.Onward.Next()
	if err != nil {
		return err
	}

	n.mu.RLock()
	if n.stopped {
		n.mu.RUnlock()
		return ErrNodeStopped
	}
	if t := next.Type(); t != routing.LocalAddress {
		r, ok := n.routers[t]
		n.mu.RUnlock()
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoRouter, next)
		}
		return r.Route(env)
	}
	mb, ok := n.mailboxes[next]
	n.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAddress, next)
	}
	if err := mb.push(env); err != nil {
		return fmt.Errorf("%w: %s", err, next)
	}
	return nil
}

// Stop closes every mailbox and waits for worker goroutines to exit. It must
// not be called from inside a worker handler.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	boxes := make(map[*mailbox]struct{})
	for addr, mb := range n.mailboxes {
		boxes[mb] = struct{}{}
		delete(n.mailboxes, addr)
	}
	n.mu.Unlock()

	for mb := range boxes {
		mb.close()
	}
	n.cancel()
	n.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Node.Stop",
		"workers":  len(boxes),
	}).Info("Node stopped")
}

func (n *Node) register(addrs []routing.Address) (*mailbox, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("worker needs at least one address")
	}
	for _, a := range addrs {
		if err := a.Validate(); err != nil {
			return nil, err
		}
		if a.Type() != routing.LocalAddress {
			return nil, fmt.Errorf("worker address %s is not local", a)
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return nil, ErrNodeStopped
	}
	for _, a := range addrs {
		if _, exists := n.mailboxes[a]; exists {
			return nil, fmt.Errorf("%w: %s", ErrAddressInUse, a)
		}
	}

	mb := newMailbox(addrs)
	for _, a := range addrs {
		n.mailboxes[a] = mb
	}
	return mb, nil
}

func (n *Node) unregister(mb *mailbox) {
	n.mu.Lock()
	for _, a := range mb.addrs {
		if n.mailboxes[a] == mb {
			delete(n.mailboxes, a)
		}
	}
	n.mu.Unlock()
	mb.close()
}

func (n *Node) run(w Worker, ctx *Context) {
	defer n.wg.Done()

	for {
		env, err := ctx.mb.pop(n.ctx)
		if err != nil {
			break
		}
		if err := w.HandleMessage(ctx, &Routed{env: env}); err != nil {
			n.onError(ctx.addr, err)
		}
	}

	if s, ok := w.(Shutdowner); ok {
		if err := s.Shutdown(ctx); err != nil {
			n.onError(ctx.addr, fmt.Errorf("shutdown: %w", err))
		}
	}
}
