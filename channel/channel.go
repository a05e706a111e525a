package channel

import (
	"errors"
	"fmt"

	"github.com/opd-ai/securechannel/crypto"
	"github.com/opd-ai/securechannel/limits"
	"github.com/opd-ai/securechannel/node"
	"github.com/opd-ai/securechannel/noise"
	"github.com/opd-ai/securechannel/routing"
	"github.com/opd-ai/securechannel/vault"
	"github.com/sirupsen/logrus"
)

// deferredMessage is traffic that arrived while a handshake reply was
// outstanding.
type deferredMessage struct {
	msg *node.Routed
	m   node.Message
}

// Channel is the long-lived worker for one secure session. It bootstraps
// the handshake through a nested HandshakeSession, then seals and opens
// application envelopes.
//
// While a handshake request is outstanding the channel is in the awaiting
// state: only the matching HandshakeResponse is processed and every other
// message is deferred, in arrival order, until the reply is handled.
type Channel struct {
	sessionID string
	role      noise.HandshakeRole
	opts      Options

	sentFirst     bool
	receivedFirst bool
	// route leads to the remote peer: the bootstrap route at first, then
	// the reply route observed on the wire.
	route routing.Route
	keys  *ChannelKeys
	// completed receives HandshakeCompleted once; nil after use.
	completed routing.Route

	vault     vault.Vault
	ownsVault bool

	kexAddr routing.Address
	kexDone bool
	// awaiting is the tag of the outstanding handshake request, or zero.
	awaiting uint64
	nextTag  uint64
	deferred []deferredMessage
}

func newChannel(role noise.HandshakeRole, sessionID string, route, completed routing.Route, opts Options) *Channel {
	c := &Channel{
		sessionID: sessionID,
		role:      role,
		opts:      opts,
		route:     route.Clone(),
		completed: completed.Clone(),
		kexAddr:   KexAddress(sessionID),
		vault:     opts.Vault,
	}
	if c.vault == nil {
		c.vault = vault.NewSoftware()
		c.ownsVault = true
	}
	return c
}

// StartInitiator starts the initiator end of session sessionID on ctx's
// node. bootstrap must lead to a channel listener. A HandshakeCompleted
// message is sent to ctx's address when the handshake finishes.
func StartInitiator(ctx *node.Context, sessionID string, bootstrap routing.Route, opts Options) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if len(bootstrap) == 0 {
		return fmt.Errorf("initiator channel needs a bootstrap route: %w", routing.ErrEmptyRoute)
	}

	c := newChannel(noise.Initiator, sessionID, bootstrap, routing.NewRoute(ctx.Address()), opts)
	return ctx.StartWorker(c, Address(sessionID))
}

// Initialize implements node.Worker. It starts the nested handshake session
// and, for an initiator, requests the first handshake message.
func (c *Channel) Initialize(ctx *node.Context) error {
	x, err := noise.NewExchanger(c.role, c.opts.Static, c.vault, c.opts.Suite)
	if err != nil {
		return fmt.Errorf("failed to create key exchanger: %w", err)
	}

	var session *HandshakeSession
	if c.role == noise.Initiator {
		session, err = NewInitiatorSession(x, Address(c.sessionID))
	} else {
		session, err = NewResponderSession(x, Address(c.sessionID))
	}
	if err != nil {
		return err
	}
	if err := ctx.StartWorker(session, c.kexAddr); err != nil {
		return fmt.Errorf("failed to start handshake session: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Channel.Initialize",
		"session_id": c.sessionID,
		"role":       c.role.String(),
		"route":      c.route.String(),
	}).Info("Secure channel starting")

	if c.role == noise.Initiator {
		if err := c.request(ctx, InitiatorFirstMessage, nil); err != nil {
			_ = ctx.StopWorker(c.kexAddr)
			return err
		}
	}
	return nil
}

// HandleMessage implements node.Worker.
func (c *Channel) HandleMessage(ctx *node.Context, msg *node.Routed) error {
	m, err := Decode(msg.Payload())
	if err != nil {
		return err
	}

	if resp, ok := m.(*HandshakeResponse); ok {
		return c.handleHandshakeResponse(ctx, msg, resp)
	}

	if c.awaiting != 0 {
		if len(c.deferred) >= limits.MaxDeferredMessages {
			logrus.WithFields(logrus.Fields{
				"function":   "Channel.HandleMessage",
				"session_id": c.sessionID,
				"type":       fmt.Sprintf("%T", m),
				"reply":      msg.Reply().String(),
			}).Warn("Deferred queue full, dropping message")
			return fmt.Errorf("%w: %d messages pending", ErrDeferredOverflow, len(c.deferred))
		}
		c.deferred = append(c.deferred, deferredMessage{msg: msg, m: m})
		logrus.WithFields(logrus.Fields{
			"function":   "Channel.HandleMessage",
			"session_id": c.sessionID,
			"type":       fmt.Sprintf("%T", m),
			"deferred":   len(c.deferred),
		}).Debug("Deferring message until handshake reply")
		return nil
	}
	return c.dispatch(ctx, msg, m)
}

// Shutdown implements node.Shutdowner. It stops a still running handshake
// session and destroys private key material.
func (c *Channel) Shutdown(ctx *node.Context) error {
	if !c.kexDone {
		if err := ctx.StopWorker(c.kexAddr); err != nil && !errors.Is(err, node.ErrUnknownAddress) {
			return err
		}
	}
	if c.keys != nil {
		_ = c.vault.DestroySecret(c.keys.EncryptKey)
		_ = c.vault.DestroySecret(c.keys.DecryptKey)
		c.keys = nil
	}
	return nil
}

func (c *Channel) dispatch(ctx *node.Context, msg *node.Routed, m node.Message) error {
	switch m := m.(type) {
	case *KeyExchange:
		return c.handleKeyExchange(ctx, msg, m)
	case *Encrypt:
		return c.handleEncrypt(ctx, msg, m)
	case *Decrypt:
		return c.handleDecrypt(ctx, m)
	default:
		return fmt.Errorf("%w: channel cannot handle %T", ErrCodec, m)
	}
}

// request sends a tagged request to the handshake session and enters the
// awaiting state.
func (c *Channel) request(ctx *node.Context, kind RequestKind, payload []byte) error {
	c.nextTag++
	req := &HandshakeRequest{Tag: c.nextTag, Kind: kind, Payload: payload}
	if err := ctx.Send(routing.NewRoute(c.kexAddr), req); err != nil {
		return fmt.Errorf("failed to reach handshake session: %w", err)
	}
	c.awaiting = req.Tag
	return nil
}

func (c *Channel) handleHandshakeResponse(ctx *node.Context, msg *node.Routed, resp *HandshakeResponse) error {
	// only our own session may answer, and only the outstanding request
	if !msg.Reply().Equal(routing.NewRoute(c.kexAddr)) || c.awaiting == 0 || resp.Tag != c.awaiting {
		logrus.WithFields(logrus.Fields{
			"function":   "Channel.handleHandshakeResponse",
			"session_id": c.sessionID,
			"reply":      msg.Reply().String(),
			"tag":        resp.Tag,
			"awaiting":   c.awaiting,
		}).Warn("Dropping unexpected handshake response")
		return fmt.Errorf("%w: unexpected handshake response", ErrInvalidInternalState)
	}
	c.awaiting = 0

	var errs []error
	if err := c.processHandshakeResponse(ctx, resp); err != nil {
		errs = append(errs, err)
	}

	for c.awaiting == 0 && len(c.deferred) > 0 {
		next := c.deferred[0]
		c.deferred[0] = deferredMessage{}
		c.deferred = c.deferred[1:]
		if err := c.dispatch(ctx, next.msg, next.m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// processHandshakeResponse forwards any outgoing handshake message to the
// peer and installs completed keys.
func (c *Channel) processHandshakeResponse(ctx *node.Context, resp *HandshakeResponse) error {
	if resp.Failure != FailureNone {
		c.kexDone = true
		logrus.WithFields(logrus.Fields{
			"function":   "Channel.processHandshakeResponse",
			"session_id": c.sessionID,
			"failure":    resp.Failure,
		}).Error("Handshake failed")
		return resp.Failure.Err()
	}

	if resp.Payload != nil {
		if err := c.sendHandshakePayload(ctx, resp.Payload); err != nil {
			return err
		}
	}

	if resp.Keys != nil {
		c.kexDone = true
		if c.keys != nil {
			return fmt.Errorf("%w: handshake keys delivered twice", ErrInvalidInternalState)
		}
		c.keys = newChannelKeys(resp.Keys)

		fields := crypto.PreviewFields(c.keys.TranscriptHash[:], "transcript_hash")
		fields["function"] = "Channel.processHandshakeResponse"
		fields["session_id"] = c.sessionID
		fields["role"] = c.role.String()
		fields["remote_static"] = crypto.Preview(c.keys.RemoteStatic)
		logrus.WithFields(fields).Info("Secure channel established")

		if c.completed != nil {
			notify := c.completed
			c.completed = nil
			if err := ctx.Send(notify, &HandshakeCompleted{SessionID: c.sessionID}); err != nil {
				return fmt.Errorf("failed to deliver completion notification: %w", err)
			}
		}
	}
	return nil
}

func (c *Channel) sendHandshakePayload(ctx *node.Context, payload []byte) error {
	var out node.Message
	if c.role == noise.Initiator && !c.sentFirst {
		out = &CreateResponderChannel{SessionID: c.sessionID, Payload: payload}
	} else {
		out = &KeyExchange{Payload: payload}
	}

	if err := ctx.Send(c.route, out); err != nil {
		return fmt.Errorf("failed to send handshake message: %w", err)
	}
	c.sentFirst = true

	logrus.WithFields(logrus.Fields{
		"function":   "Channel.sendHandshakePayload",
		"session_id": c.sessionID,
		"type":       fmt.Sprintf("%T", out),
		"size":       len(payload),
		"route":      c.route.String(),
	}).Debug("Sent handshake message")
	return nil
}

func (c *Channel) handleKeyExchange(ctx *node.Context, msg *node.Routed, m *KeyExchange) error {
	if c.kexDone {
		return fmt.Errorf("%w: handshake session already finished", ErrInvalidInternalState)
	}
	if err := limits.ValidateHandshakeMessage(m.Payload); err != nil {
		return fmt.Errorf("%w: %v", ErrCodec, err)
	}

	// The responder's first message comes from the local listener, so its
	// reply route says nothing about where the peer is.
	if c.role == noise.Initiator || c.receivedFirst {
		c.route = msg.Reply()
	}
	c.receivedFirst = true

	return c.request(ctx, PeerPayload, m.Payload)
}

func (c *Channel) handleEncrypt(ctx *node.Context, msg *node.Routed, m *Encrypt) error {
	if c.keys == nil {
		return ErrKeyExchangeNotComplete
	}
	if c.keys.Exhausted() {
		return fmt.Errorf("%w: nonce space exhausted", ErrInvalidNonce)
	}

	onward := msg.Onward()
	if _, err := onward.Step(); err != nil {
		return fmt.Errorf("%w: encrypt request has no onward route", ErrInvalidInternalState)
	}
	plaintext, err := routing.NewEnvelope(onward, msg.Reply(), m.M).Encode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCodec, err)
	}
	if err := limits.ValidateSealedPayload(plaintext); err != nil {
		return err
	}

	counter := c.keys.nonce
	prefix, nonce := counterNonce(counter)
	ciphertext, err := c.vault.AEADEncrypt(c.keys.EncryptKey, plaintext, nonce, nil)
	if err != nil {
		return fmt.Errorf("failed to seal envelope: %w", err)
	}
	// the counter is spent as soon as a ciphertext exists
	c.keys.nonce++

	payload := make([]byte, 0, len(prefix)+len(ciphertext))
	payload = append(payload, prefix[:]...)
	payload = append(payload, ciphertext...)

	logrus.WithFields(logrus.Fields{
		"function":   "Channel.handleEncrypt",
		"session_id": c.sessionID,
		"counter":    counter,
		"size":       len(payload),
	}).Debug("Sealed envelope")

	if err := ctx.Send(c.route, &Decrypt{Payload: payload}); err != nil {
		return fmt.Errorf("failed to send sealed envelope: %w", err)
	}
	return nil
}

func (c *Channel) handleDecrypt(ctx *node.Context, m *Decrypt) error {
	if c.keys == nil {
		return ErrKeyExchangeNotComplete
	}
	if len(m.Payload) < limits.NoncePrefixSize {
		return fmt.Errorf("%w: payload shorter than nonce prefix", ErrInvalidNonce)
	}

	counter, nonce, err := parseNoncePrefix(m.Payload[:limits.NoncePrefixSize])
	if err != nil {
		return err
	}
	if c.opts.StrictNonces && counter <= c.keys.lastReceived {
		logrus.WithFields(logrus.Fields{
			"function":      "Channel.handleDecrypt",
			"session_id":    c.sessionID,
			"counter":       counter,
			"last_received": c.keys.lastReceived,
		}).Warn("Rejected replayed or reordered nonce")
		return fmt.Errorf("%w: counter %d not after %d", ErrInvalidNonce, counter, c.keys.lastReceived)
	}

	plaintext, err := c.vault.AEADDecrypt(c.keys.DecryptKey, m.Payload[limits.NoncePrefixSize:], nonce, nil)
	if err != nil {
		if errors.Is(err, vault.ErrAuthFailed) {
			return fmt.Errorf("%w: %v", ErrCryptoAuthFailure, err)
		}
		return fmt.Errorf("failed to open envelope: %w", err)
	}
	c.keys.lastReceived = counter

	env, err := routing.DecodeEnvelope(plaintext)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCodec, err)
	}
	env.Return.Prepend(Address(c.sessionID))

	logrus.WithFields(logrus.Fields{
		"function":   "Channel.handleDecrypt",
		"session_id": c.sessionID,
		"counter":    counter,
		"onward":     env.Onward.String(),
	}).Debug("Opened envelope")

	if err := ctx.Forward(env); err != nil {
		return fmt.Errorf("failed to forward envelope: %w", err)
	}
	return nil
}
