// Package limits provides centralized size limits for frames, envelopes and
// sealed channel payloads.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxFrame is the largest frame body the TCP transport carries. Frames
	// are prefixed with a 2-byte big-endian length.
	MaxFrame = 1<<16 - 1

	// NoncePrefixSize is the 2-byte counter prepended to every sealed payload.
	NoncePrefixSize = 2

	// TagSize is the AEAD authentication tag appended by the vault.
	TagSize = 16

	// EncryptionOverhead is what sealing adds to a serialized envelope.
	EncryptionOverhead = NoncePrefixSize + TagSize

	// MaxHandshakeMessage is the Noise protocol message size limit.
	MaxHandshakeMessage = 1<<16 - 1

	// MaxProcessingBuffer is the absolute maximum for any operation.
	// This prevents memory exhaustion attacks (1MB limit)
	MaxProcessingBuffer = 1024 * 1024

	// MaxDeferredMessages bounds how many messages a channel holds while a
	// handshake reply is outstanding.
	MaxDeferredMessages = 256
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateFrame checks an encoded envelope before it is written to a stream.
func ValidateFrame(frame []byte) error {
	return ValidateMessageSize(frame, MaxFrame)
}

// ValidateHandshakeMessage checks a handshake payload against the Noise limit.
func ValidateHandshakeMessage(message []byte) error {
	return ValidateMessageSize(message, MaxHandshakeMessage)
}

// ValidateSealedPayload checks a serialized envelope that is about to be
// sealed. The envelope may be empty; the sealed result must still fit the
// buffer limit.
func ValidateSealedPayload(plaintext []byte) error {
	if len(plaintext)+EncryptionOverhead > MaxProcessingBuffer {
		return fmt.Errorf("%w: sealed size %d exceeds limit %d", ErrMessageTooLarge, len(plaintext)+EncryptionOverhead, MaxProcessingBuffer)
	}
	return nil
}
