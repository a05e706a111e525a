package crypto

import (
	"errors"
	"runtime"
)

// ErrNilSecret is returned when asked to wipe a missing secret.
var ErrNilSecret = errors.New("nothing to wipe")

// SecureWipe overwrites secret with zeros in place.
func SecureWipe(secret []byte) error {
	if secret == nil {
		return ErrNilSecret
	}
	clear(secret)
	// keep the store from being treated as dead
	runtime.KeepAlive(secret)
	return nil
}

// ZeroBytes is SecureWipe for callers that hold optional secrets.
func ZeroBytes(secret []byte) {
	_ = SecureWipe(secret)
}

// WipeKeyPair erases the private half of kp. The public key stays usable.
func WipeKeyPair(kp *KeyPair) error {
	if kp == nil {
		return ErrNilSecret
	}
	return SecureWipe(kp.Private[:])
}
