package node

import (
	"context"

	"github.com/opd-ai/securechannel/routing"
)

// Message is anything that can be encoded into an envelope payload.
type Message interface {
	Encode() ([]byte, error)
}

// RawMessage is a Message whose encoding is the bytes themselves.
type RawMessage []byte

// Encode implements Message.
func (m RawMessage) Encode() ([]byte, error) {
	return []byte(m), nil
}

// Routed is a delivered envelope as seen by the receiving worker. The onward
// route still starts with the receiver's own address.
type Routed struct {
	env routing.Envelope
}

// NewRouted wraps env as if it had just been delivered. Workers can be
// driven directly with it in tests.
func NewRouted(env routing.Envelope) *Routed {
	return &Routed{env: env}
}

// Onward returns the route the message was delivered along.
func (r *Routed) Onward() routing.Route {
	return r.env.Onward.Clone()
}

// Reply returns the route a response should be sent to.
func (r *Routed) Reply() routing.Route {
	return r.env.Return.Clone()
}

// Payload returns the encoded message body.
func (r *Routed) Payload() []byte {
	return r.env.Payload
}

// Context is a worker's handle on its node.
type Context struct {
	node     *Node
	addr     routing.Address
	mb       *mailbox
	detached bool
}

// Address returns the primary address of the context.
func (c *Context) Address() routing.Address {
	return c.addr
}

// Node returns the node the context belongs to.
func (c *Context) Node() *Node {
	return c.node
}

// Send encodes msg and delivers it along route with this context's address
// as the return route.
func (c *Context) Send(route routing.Route, msg Message) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	env := routing.NewEnvelope(route, routing.NewRoute(c.addr), payload)
	return c.node.Deliver(env)
}

// Forward delivers an already built envelope unchanged.
func (c *Context) Forward(env routing.Envelope) error {
	return c.node.Deliver(env)
}

// StartWorker starts w on the same node.
func (c *Context) StartWorker(w Worker, addrs ...routing.Address) error {
	return c.node.StartWorker(w, addrs...)
}

// StopWorker stops the worker owning addr.
func (c *Context) StopWorker(addr routing.Address) error {
	return c.node.StopWorker(addr)
}

// Receive blocks until a message arrives at a detached context.
func (c *Context) Receive(ctx context.Context) (*Routed, error) {
	if !c.detached {
		return nil, ErrNotDetached
	}
	env, err := c.mb.pop(ctx)
	if err != nil {
		return nil, err
	}
	return &Routed{env: env}, nil
}

// Close unregisters a detached context.
func (c *Context) Close() error {
	if !c.detached {
		return ErrNotDetached
	}
	c.node.unregister(c.mb)
	return nil
}
