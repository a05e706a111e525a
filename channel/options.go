package channel

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/opd-ai/securechannel/crypto"
	"github.com/opd-ai/securechannel/noise"
	"github.com/opd-ai/securechannel/routing"
	"github.com/opd-ai/securechannel/vault"
	"golang.org/x/time/rate"
)

// ListenerAddress is the well-known address of the channel listener.
const ListenerAddress routing.Address = "xx_channel_listener"

const (
	addressPrefix = "channel/"
	kexSuffix     = "/kex"
)

// Address returns the address of the channel for sessionID.
func Address(sessionID string) routing.Address {
	return routing.Address(addressPrefix + sessionID)
}

// KexAddress returns the address of the nested handshake session.
func KexAddress(sessionID string) routing.Address {
	return routing.Address(addressPrefix + sessionID + kexSuffix)
}

// NewSessionID returns a random session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// ValidateSessionID rejects identifiers that would produce ambiguous
// addresses.
func ValidateSessionID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidSessionID)
	case strings.ContainsAny(id, "/#"):
		return fmt.Errorf("%w: %q contains '/' or '#'", ErrInvalidSessionID, id)
	case len(id) > 128:
		return fmt.Errorf("%w: %d bytes", ErrInvalidSessionID, len(id))
	}
	return nil
}

// Options configures channels and the listener.
type Options struct {
	// Suite selects the handshake cipher and hash.
	Suite noise.Suite
	// Static is the local identity. Nil gives every handshake a fresh key.
	Static *crypto.KeyPair
	// Vault, when set, is shared by every channel. It should be a
	// *vault.Serialized. Nil gives each channel a private software vault.
	Vault vault.Vault
	// StrictNonces rejects received counters that do not increase.
	StrictNonces bool
	// RejectCollisions makes the listener refuse session identifiers that
	// already have a channel on this node.
	RejectCollisions bool
	// ListenerRate limits responder channel creation per second. Zero
	// disables the limit.
	ListenerRate rate.Limit
	// ListenerBurst is the limiter burst size.
	ListenerBurst int
}

// DefaultOptions returns the recommended settings.
func DefaultOptions() Options {
	return Options{
		Suite:            noise.DefaultSuite,
		StrictNonces:     true,
		RejectCollisions: true,
	}
}

func (o Options) newLimiter() *rate.Limiter {
	if o.ListenerRate <= 0 {
		return nil
	}
	burst := o.ListenerBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(o.ListenerRate, burst)
}
