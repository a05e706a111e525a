package channel

import (
	"errors"
	"fmt"

	"github.com/opd-ai/securechannel/node"
	"github.com/opd-ai/securechannel/noise"
	"github.com/opd-ai/securechannel/routing"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Listener accepts CreateResponderChannel requests and starts the responder
// end of each requested session.
type Listener struct {
	opts    Options
	limiter *rate.Limiter
}

// NewListener creates a listener worker.
func NewListener(opts Options) *Listener {
	return &Listener{opts: opts, limiter: opts.newLimiter()}
}

// StartListener starts a listener on n at addr.
func StartListener(n *node.Node, addr routing.Address, opts Options) error {
	return n.StartWorker(NewListener(opts), addr)
}

// Initialize implements node.Worker.
func (l *Listener) Initialize(ctx *node.Context) error {
	logrus.WithFields(logrus.Fields{
		"function":          "Listener.Initialize",
		"address":           ctx.Address(),
		"suite":             l.opts.Suite.String(),
		"reject_collisions": l.opts.RejectCollisions,
	}).Info("Secure channel listener started")
	return nil
}

// HandleMessage implements node.Worker.
func (l *Listener) HandleMessage(ctx *node.Context, msg *node.Routed) error {
	m, err := Decode(msg.Payload())
	if err != nil {
		return err
	}
	req, ok := m.(*CreateResponderChannel)
	if !ok {
		return fmt.Errorf("%w: listener got %T", ErrCodec, m)
	}

	if err := ValidateSessionID(req.SessionID); err != nil {
		return err
	}
	if l.limiter != nil && !l.limiter.Allow() {
		logrus.WithFields(logrus.Fields{
			"function":   "Listener.HandleMessage",
			"session_id": req.SessionID,
		}).Warn("Responder channel creation rate limited")
		return fmt.Errorf("%w: session %s", ErrRateLimited, req.SessionID)
	}

	addr := Address(req.SessionID)
	if l.opts.RejectCollisions && ctx.Node().HasAddress(addr) {
		return l.collision(req.SessionID)
	}

	// The responder learns the peer's route from this request; there is no
	// local party to notify on completion.
	responder := newChannel(noise.Responder, req.SessionID, msg.Reply(), nil, l.opts)
	if err := ctx.StartWorker(responder, addr); err != nil {
		if errors.Is(err, node.ErrAddressInUse) {
			return l.collision(req.SessionID)
		}
		return fmt.Errorf("failed to start responder channel: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Listener.HandleMessage",
		"session_id": req.SessionID,
		"peer_route": msg.Reply().String(),
	}).Info("Responder channel created")

	if err := ctx.Send(routing.NewRoute(addr), &KeyExchange{Payload: req.Payload}); err != nil {
		return fmt.Errorf("failed to hand first message to responder: %w", err)
	}
	return nil
}

func (l *Listener) collision(sessionID string) error {
	logrus.WithFields(logrus.Fields{
		"function":   "Listener.HandleMessage",
		"session_id": sessionID,
	}).Warn("Rejected colliding session identifier")
	return fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
}
