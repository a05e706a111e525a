package channel

import (
	"context"
	"fmt"

	"github.com/opd-ai/securechannel/node"
	"github.com/opd-ai/securechannel/routing"
)

// AwaitCompleted blocks on the detached context app until the
// HandshakeCompleted notification for sessionID arrives. Other messages
// received meanwhile are returned in arrival order so the caller can
// process them.
func AwaitCompleted(ctx context.Context, app *node.Context, sessionID string) ([]*node.Routed, error) {
	var skipped []*node.Routed
	for {
		msg, err := app.Receive(ctx)
		if err != nil {
			return skipped, fmt.Errorf("waiting for session %s: %w", sessionID, err)
		}
		if m, err := Decode(msg.Payload()); err == nil {
			if done, ok := m.(*HandshakeCompleted); ok && done.SessionID == sessionID {
				return skipped, nil
			}
		}
		skipped = append(skipped, msg)
	}
}

// SendEncrypted asks the local channel for sessionID to seal msg and deliver
// it along onward on the peer's node.
func SendEncrypted(ctx *node.Context, sessionID string, onward routing.Route, msg node.Message) error {
	enc, err := NewEncrypt(msg)
	if err != nil {
		return err
	}
	route := onward.Clone()
	route.Prepend(Address(sessionID))
	return ctx.Send(route, enc)
}

// Reply answers a message that a channel decrypted. The reply route of such
// a message starts at the channel, so the answer is sealed on the way back.
func Reply(ctx *node.Context, msg *node.Routed, m node.Message) error {
	enc, err := NewEncrypt(m)
	if err != nil {
		return err
	}
	return ctx.Send(msg.Reply(), enc)
}
