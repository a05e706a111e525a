// Package vault keeps symmetric key material behind opaque handles and
// performs authenticated encryption with it, so callers never hold raw key
// bytes.
//
// A Software vault is owned by a single secure channel. When several
// channels must share one key store, wrap it in a Serialized vault: one
// goroutine owns the inner vault and every operation reaches it by message
// passing, so no lock is shared between channels.
package vault

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
)

const (
	// NonceSize is the AEAD nonce length in bytes.
	NonceSize = 12
	// TagSize is the authentication tag appended to every ciphertext.
	TagSize = 16
)

var (
	// ErrUnknownHandle indicates a handle that was never issued or was destroyed.
	ErrUnknownHandle = errors.New("unknown secret handle")
	// ErrAuthFailed indicates the AEAD tag did not verify.
	ErrAuthFailed = errors.New("message authentication failed")
	// ErrUnsupportedNonce indicates a nonce whose leading four bytes are not zero.
	ErrUnsupportedNonce = errors.New("unsupported nonce layout")
	// ErrClosed indicates the vault has been shut down.
	ErrClosed = errors.New("vault closed")
)

// Handle is an opaque reference to a stored secret.
type Handle uint64

// Vault stores symmetric secrets and performs AEAD with them.
//
// Nonces must have four leading zero bytes; the remaining eight bytes are a
// big-endian counter (see NonceCounter). The bytes the AEAD primitive sees
// depend on the imported cipher:
//
//   - AESGCM uses the 12-byte nonce exactly as passed, so a channel's
//     "ten zero bytes then a 16-bit counter" layout reaches the wire as is.
//   - ChaChaPoly re-encodes the counter the Noise way: four zero bytes
//     followed by the counter in little-endian order. The counter value is
//     the same, only its byte order inside the nonce differs.
type Vault interface {
	// ImportCipher takes ownership of a keyed cipher and returns its handle.
	ImportCipher(c noise.Cipher) (Handle, error)
	// AEADEncrypt seals plaintext and returns ciphertext with the tag appended.
	AEADEncrypt(h Handle, plaintext []byte, nonce [NonceSize]byte, aad []byte) ([]byte, error)
	// AEADDecrypt opens ciphertext produced by AEADEncrypt.
	AEADDecrypt(h Handle, ciphertext []byte, nonce [NonceSize]byte, aad []byte) ([]byte, error)
	// DestroySecret forgets the secret behind h.
	DestroySecret(h Handle) error
}

// Software is an in-memory Vault. It is not safe for concurrent use; give
// each channel its own or wrap a shared one in Serialized.
type Software struct {
	secrets map[Handle]noise.Cipher
	next    Handle
}

// NewSoftware creates an empty in-memory vault.
func NewSoftware() *Software {
	return &Software{
		secrets: make(map[Handle]noise.Cipher),
		next:    1,
	}
}

// ImportCipher implements Vault.
func (v *Software) ImportCipher(c noise.Cipher) (Handle, error) {
	if c == nil {
		return 0, fmt.Errorf("cannot import nil cipher")
	}
	h := v.next
	v.next++
	v.secrets[h] = c
	return h, nil
}

// AEADEncrypt implements Vault.
func (v *Software) AEADEncrypt(h Handle, plaintext []byte, nonce [NonceSize]byte, aad []byte) ([]byte, error) {
	c, n, err := v.lookup(h, nonce)
	if err != nil {
		return nil, err
	}
	return c.Encrypt(nil, n, aad, plaintext), nil
}

// AEADDecrypt implements Vault.
func (v *Software) AEADDecrypt(h Handle, ciphertext []byte, nonce [NonceSize]byte, aad []byte) ([]byte, error) {
	c, n, err := v.lookup(h, nonce)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < TagSize {
		return nil, fmt.Errorf("%w: ciphertext shorter than tag", ErrAuthFailed)
	}
	plaintext, err := c.Decrypt(nil, n, aad, ciphertext)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Software.AEADDecrypt",
			"handle":   h,
			"counter":  n,
		}).Debug("AEAD open failed")
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return plaintext, nil
}

// DestroySecret implements Vault.
func (v *Software) DestroySecret(h Handle) error {
	if _, ok := v.secrets[h]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	delete(v.secrets, h)
	return nil
}

func (v *Software) lookup(h Handle, nonce [NonceSize]byte) (noise.Cipher, uint64, error) {
	c, ok := v.secrets[h]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	n, err := NonceCounter(nonce)
	if err != nil {
		return nil, 0, err
	}
	return c, n, nil
}

// NonceCounter extracts the 64-bit counter from a nonce whose first four
// bytes are zero. The counter is read big-endian from the last eight bytes
// and handed to the Noise cipher, which encodes it again for its primitive.
func NonceCounter(nonce [NonceSize]byte) (uint64, error) {
	if nonce[0]|nonce[1]|nonce[2]|nonce[3] != 0 {
		return 0, ErrUnsupportedNonce
	}
	return binary.BigEndian.Uint64(nonce[4:]), nil
}
