package channel

import (
	"encoding/binary"
	"math"

	"github.com/opd-ai/securechannel/noise"
	"github.com/opd-ai/securechannel/vault"
)

// ChannelKeys is the per-session key state. It is set once, when the
// handshake completes.
type ChannelKeys struct {
	TranscriptHash [noise.HashSize]byte
	EncryptKey     vault.Handle
	DecryptKey     vault.Handle
	RemoteStatic   []byte

	// nonce is the next counter used for sending. It starts at 1 and never
	// wraps: at math.MaxUint16 the channel can no longer encrypt.
	nonce uint16
	// lastReceived is the highest counter accepted from the peer.
	lastReceived uint16
}

func newChannelKeys(k *HandshakeKeys) *ChannelKeys {
	return &ChannelKeys{
		TranscriptHash: k.TranscriptHash,
		EncryptKey:     k.EncryptKey,
		DecryptKey:     k.DecryptKey,
		RemoteStatic:   k.RemoteStatic,
		nonce:          1,
	}
}

// Exhausted reports whether the send counter reached its maximum.
func (k *ChannelKeys) Exhausted() bool {
	return k.nonce == math.MaxUint16
}

// counterNonce returns the 2-byte wire prefix and the 96-bit AEAD nonce for
// counter: ten zero bytes followed by the big-endian counter.
func counterNonce(counter uint16) ([2]byte, [vault.NonceSize]byte) {
	var prefix [2]byte
	binary.BigEndian.PutUint16(prefix[:], counter)

	var nonce [vault.NonceSize]byte
	copy(nonce[vault.NonceSize-2:], prefix[:])
	return prefix, nonce
}

// parseNoncePrefix reverses counterNonce for a received prefix.
func parseNoncePrefix(b []byte) (uint16, [vault.NonceSize]byte, error) {
	var nonce [vault.NonceSize]byte
	if len(b) != 2 {
		return 0, nonce, ErrInvalidNonce
	}
	counter := binary.BigEndian.Uint16(b)
	_, nonce = counterNonce(counter)
	return counter, nonce, nil
}
