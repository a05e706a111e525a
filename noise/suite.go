package noise

import (
	"fmt"
	"strings"

	"github.com/flynn/noise"
)

// Suite names the symmetric primitives of the handshake. DH is always
// Curve25519.
type Suite struct {
	Cipher string
	Hash   string
}

// DefaultSuite is Noise_XX_25519_AESGCM_SHA256.
var DefaultSuite = Suite{Cipher: "AESGCM", Hash: "SHA256"}

// CipherSuite resolves the names to flynn/noise primitives.
func (s Suite) CipherSuite() (noise.CipherSuite, error) {
	var c noise.CipherFunc
	switch strings.ToLower(s.Cipher) {
	case "", "aesgcm":
		c = noise.CipherAESGCM
	case "chachapoly":
		c = noise.CipherChaChaPoly
	default:
		return nil, fmt.Errorf("unsupported cipher %q", s.Cipher)
	}

	var h noise.HashFunc
	switch strings.ToLower(s.Hash) {
	case "", "sha256":
		h = noise.HashSHA256
	case "blake2s":
		h = noise.HashBLAKE2s
	default:
		// 64-byte hashes would not fit the 32-byte transcript hash
		return nil, fmt.Errorf("unsupported hash %q", s.Hash)
	}

	return noise.NewCipherSuite(noise.DH25519, c, h), nil
}

// String returns the Noise protocol name for the suite.
func (s Suite) String() string {
	cs, err := s.CipherSuite()
	if err != nil {
		return "invalid(" + s.Cipher + "," + s.Hash + ")"
	}
	return "Noise_XX_" + string(cs.Name())
}
