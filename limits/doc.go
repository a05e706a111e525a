// Package limits provides centralized size constants and validation functions
// shared by the transport and the secure channel.
//
// # Size Hierarchy
//
//   - MaxFrame (65535 bytes): the largest encoded envelope a stream transport
//     carries, bounded by its 2-byte length prefix.
//   - MaxHandshakeMessage (65535 bytes): the Noise protocol message limit.
//   - EncryptionOverhead (18 bytes): the 2-byte nonce counter plus the 16-byte
//     AEAD tag added when a channel seals an envelope.
//   - MaxProcessingBuffer (1MB): the absolute maximum for any operation.
//   - MaxDeferredMessages (256): messages a channel queues while it waits
//     for its handshake session.
//
// # Validation Functions
//
//	if err := limits.ValidateFrame(frame); err != nil {
//	    // ErrMessageEmpty or ErrMessageTooLarge
//	}
//
// ValidateFrame and ValidateHandshakeMessage are ValidateMessageSize with the
// matching limit.
package limits
