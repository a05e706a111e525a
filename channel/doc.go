// Package channel implements end-to-end encrypted sessions over a node's
// routes.
//
// A session has two ends. The initiator is started locally with
// StartInitiator and a bootstrap route that leads to a remote Listener. The
// Listener starts the responder on demand when the initiator's first
// handshake message arrives. Each end is a Channel worker at
// "channel/<id>" that runs a Noise XX handshake through a private
// HandshakeSession worker at "channel/<id>/kex", then seals and opens
// application envelopes with the derived keys.
//
// Sending through an established channel:
//
//	// onward is the route on the peer's node, e.g. ["echo_service"]
//	err := channel.SendEncrypted(app, id, routing.NewRoute("echo_service"), node.RawMessage("hello"))
//
// The receiving channel decrypts the envelope, prepends its own address to
// the return route and forwards it. A worker answering such a message uses
// Reply, which seals the answer on the way back.
//
// Every sealed payload starts with the 2-byte big-endian nonce counter used
// to encrypt it. Counters start at 1 and never wrap; a channel whose counter
// reaches 65535 refuses to encrypt and must be replaced by a new session.
package channel
