package channel

import (
	"errors"
	"fmt"

	"github.com/opd-ai/securechannel/node"
	"github.com/opd-ai/securechannel/noise"
	"github.com/opd-ai/securechannel/routing"
	"github.com/sirupsen/logrus"
)

// HandshakeSession is the short-lived worker wrapping one key exchanger. It
// answers requests from its owning channel only and stops itself once the
// handshake completes or fails.
type HandshakeSession struct {
	role  noise.HandshakeRole
	owner routing.Route
	// exchanger is nil once the handshake has finished.
	exchanger *noise.Exchanger
}

// NewInitiatorSession wraps an initiator exchanger serving owner.
func NewInitiatorSession(x *noise.Exchanger, owner routing.Address) (*HandshakeSession, error) {
	return newHandshakeSession(noise.Initiator, x, owner)
}

// NewResponderSession wraps a responder exchanger serving owner.
func NewResponderSession(x *noise.Exchanger, owner routing.Address) (*HandshakeSession, error) {
	return newHandshakeSession(noise.Responder, x, owner)
}

func newHandshakeSession(role noise.HandshakeRole, x *noise.Exchanger, owner routing.Address) (*HandshakeSession, error) {
	if x == nil || x.Role() != role {
		return nil, fmt.Errorf("%w: %s session needs a %s exchanger", ErrInvalidInternalState, role, role)
	}
	if err := owner.Validate(); err != nil {
		return nil, fmt.Errorf("%w: handshake session owner: %v", ErrInvalidInternalState, err)
	}
	return &HandshakeSession{role: role, owner: routing.NewRoute(owner), exchanger: x}, nil
}

// Initialize implements node.Worker.
func (s *HandshakeSession) Initialize(ctx *node.Context) error {
	logrus.WithFields(logrus.Fields{
		"function": "HandshakeSession.Initialize",
		"address":  ctx.Address(),
		"role":     s.role.String(),
	}).Debug("Handshake session started")
	return nil
}

// HandleMessage implements node.Worker.
func (s *HandshakeSession) HandleMessage(ctx *node.Context, msg *node.Routed) error {
	m, err := Decode(msg.Payload())
	if err != nil {
		return err
	}
	req, ok := m.(*HandshakeRequest)
	if !ok {
		return fmt.Errorf("%w: handshake session got %T", ErrCodec, m)
	}

	// requests from anyone but the owning channel never reach the exchanger
	if !msg.Reply().Equal(s.owner) {
		logrus.WithFields(logrus.Fields{
			"function": "HandshakeSession.HandleMessage",
			"address":  ctx.Address(),
			"reply":    msg.Reply().String(),
			"owner":    s.owner.String(),
		}).Warn("Dropping handshake request from foreign sender")
		return fmt.Errorf("%w: handshake request from %s", ErrInvalidInternalState, msg.Reply())
	}

	if s.exchanger == nil {
		return fmt.Errorf("%w: handshake session already finished", ErrInvalidInternalState)
	}

	out, stepErr := s.step(req)
	resp := &HandshakeResponse{
		Tag:     req.Tag,
		Payload: out.Payload,
		Keys:    keysFromOutcome(out.Keys),
		Failure: failureCode(stepErr),
	}

	finished := out.Keys != nil || stepErr != nil
	if finished {
		s.exchanger = nil
	}

	if err := ctx.Send(msg.Reply(), resp); err != nil {
		return fmt.Errorf("failed to answer handshake request: %w", err)
	}

	if finished {
		if err := ctx.StopWorker(ctx.Address()); err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"function": "HandshakeSession.HandleMessage",
			"address":  ctx.Address(),
			"role":     s.role.String(),
			"success":  stepErr == nil,
		}).Debug("Handshake session finished")
	}
	if stepErr != nil {
		return fmt.Errorf("%w: %w", resp.Failure.Err(), stepErr)
	}
	return nil
}

func (s *HandshakeSession) step(req *HandshakeRequest) (noise.Outcome, error) {
	switch req.Kind {
	case InitiatorFirstMessage:
		if s.role != noise.Initiator {
			return noise.Outcome{}, fmt.Errorf("%w: responder asked for first message", ErrInvalidInternalState)
		}
		payload, err := s.exchanger.Start()
		return noise.Outcome{Payload: payload}, err
	default:
		return s.exchanger.Advance(req.Payload)
	}
}

func failureCode(err error) FailureCode {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, noise.ErrMalformedMessage):
		return FailureCodec
	case errors.Is(err, noise.ErrInvalidState), errors.Is(err, ErrInvalidInternalState):
		return FailureState
	default:
		return FailureInternal
	}
}
