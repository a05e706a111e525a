package channel

import "errors"

var (
	// ErrInvalidNonce indicates a malformed nonce prefix, a replayed or
	// reordered counter, or an exhausted nonce space.
	ErrInvalidNonce = errors.New("invalid nonce")
	// ErrKeyExchangeNotComplete indicates encrypt or decrypt before the
	// handshake finished.
	ErrKeyExchangeNotComplete = errors.New("key exchange not complete")
	// ErrInvalidInternalState indicates a protocol violation such as keys
	// delivered twice or a handshake session used after it finished.
	ErrInvalidInternalState = errors.New("invalid internal state")
	// ErrCryptoAuthFailure indicates an AEAD tag that did not verify.
	ErrCryptoAuthFailure = errors.New("crypto authentication failure")
	// ErrCodec indicates bytes that do not decode as the expected message.
	ErrCodec = errors.New("codec error")
	// ErrSessionExists indicates a session identifier already bound to a
	// channel on this node.
	ErrSessionExists = errors.New("session already exists")
	// ErrRateLimited indicates the listener refused a session because of its
	// creation rate limit.
	ErrRateLimited = errors.New("session creation rate limited")
	// ErrDeferredOverflow indicates a message dropped because the channel
	// already holds the maximum number of messages while awaiting a
	// handshake reply.
	ErrDeferredOverflow = errors.New("too many messages deferred during handshake")
	// ErrInvalidSessionID indicates an identifier that cannot form a channel
	// address.
	ErrInvalidSessionID = errors.New("invalid session identifier")
)
