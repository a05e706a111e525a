package noise

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"
	"github.com/opd-ai/securechannel/crypto"
	"github.com/opd-ai/securechannel/vault"
	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidState indicates an operation the exchanger's current state
	// does not allow, including any use after completion.
	ErrInvalidState = errors.New("invalid key exchanger state")
	// ErrMalformedMessage indicates handshake bytes that failed to parse or
	// authenticate.
	ErrMalformedMessage = errors.New("malformed handshake message")
)

// Prologue is mixed into every handshake so both sides agree on the protocol.
const Prologue = "securechannel/xx/1"

// HashSize is the length of the transcript hash.
const HashSize = 32

// HandshakeRole defines whether we're initiating or responding to handshake
type HandshakeRole uint8

const (
	// Initiator sends the first handshake message.
	Initiator HandshakeRole = iota
	// Responder answers the initiator's first message.
	Responder
)

// String implements fmt.Stringer.
func (r HandshakeRole) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// State is the lifecycle position of an Exchanger.
type State uint8

const (
	// StateReady means no handshake message has been produced or consumed.
	StateReady State = iota
	// StateAwaitingPeerMessage means we sent a message and need the peer's reply.
	StateAwaitingPeerMessage
	// StateComplete means keys were derived and the exchanger is spent.
	StateComplete
	// StateFailed means a handshake error ended the exchange.
	StateFailed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateAwaitingPeerMessage:
		return "awaiting_peer_message"
	case StateComplete:
		return "complete"
	default:
		return "failed"
	}
}

// Keys is the result of a completed handshake.
type Keys struct {
	// TranscriptHash binds the session to the full handshake transcript.
	TranscriptHash [HashSize]byte
	// EncryptKey seals traffic we send.
	EncryptKey vault.Handle
	// DecryptKey opens traffic we receive.
	DecryptKey vault.Handle
	// RemoteStatic is the peer's authenticated static public key.
	RemoteStatic []byte
}

// Outcome reports what one exchanger step produced. Payload and Keys may both
// be set when the final outgoing message also completes the handshake.
type Outcome struct {
	Payload []byte
	Keys    *Keys
}

// Exchanger drives one role of an XX handshake.
type Exchanger struct {
	role     HandshakeRole
	state    State
	hs       *noise.HandshakeState
	vault    vault.Vault
	localPub []byte
}

// NewExchanger creates a single-use exchanger. A nil static key pair makes
// the exchanger generate a fresh identity. Derived keys are imported into v.
func NewExchanger(role HandshakeRole, static *crypto.KeyPair, v vault.Vault, suite Suite) (*Exchanger, error) {
	if v == nil {
		return nil, errors.New("key exchanger requires a vault")
	}

	cs, err := suite.CipherSuite()
	if err != nil {
		return nil, err
	}

	if static == nil {
		static, err = crypto.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("failed to generate static key: %w", err)
		}
		defer crypto.WipeKeyPair(static)
	}

	staticKey := noise.DHKey{
		Private: make([]byte, crypto.KeySize),
		Public:  make([]byte, crypto.KeySize),
	}
	copy(staticKey.Private, static.Private[:])
	copy(staticKey.Public, static.Public[:])

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cs,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     role == Initiator,
		Prologue:      []byte(Prologue),
		StaticKeypair: staticKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create XX handshake state: %w", err)
	}

	return &Exchanger{
		role:     role,
		state:    StateReady,
		hs:       hs,
		vault:    v,
		localPub: staticKey.Public,
	}, nil
}

// Role returns the exchanger's handshake role.
func (x *Exchanger) Role() HandshakeRole {
	return x.role
}

// State returns the exchanger's lifecycle state.
func (x *Exchanger) State() State {
	return x.state
}

// LocalStatic returns a copy of our static public key.
func (x *Exchanger) LocalStatic() []byte {
	key := make([]byte, len(x.localPub))
	copy(key, x.localPub)
	return key
}

// Start produces the initiator's first message.
func (x *Exchanger) Start() ([]byte, error) {
	if x.role != Initiator || x.state != StateReady {
		return nil, fmt.Errorf("%w: start as %s in state %s", ErrInvalidState, x.role, x.state)
	}

	msg, _, _, err := x.hs.WriteMessage(nil, nil)
	if err != nil {
		x.fail()
		return nil, fmt.Errorf("XX handshake write failed: %w", err)
	}
	x.state = StateAwaitingPeerMessage
	return msg, nil
}

// Advance consumes the peer's handshake message. It returns the next message
// to send, the completed keys, or both.
func (x *Exchanger) Advance(peer []byte) (Outcome, error) {
	if err := x.checkAdvance(); err != nil {
		return Outcome{}, err
	}

	_, cs1, cs2, err := x.hs.ReadMessage(nil, peer)
	if err != nil {
		x.fail()
		logrus.WithFields(logrus.Fields{
			"function": "Exchanger.Advance",
			"role":     x.role.String(),
			"msg_size": len(peer),
		}).Warn("Rejected handshake message")
		return Outcome{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if cs1 != nil && cs2 != nil {
		keys, err := x.finalize(cs1, cs2)
		return Outcome{Keys: keys}, err
	}

	msg, cs1, cs2, err := x.hs.WriteMessage(nil, nil)
	if err != nil {
		x.fail()
		return Outcome{}, fmt.Errorf("XX handshake write failed: %w", err)
	}
	if cs1 != nil && cs2 != nil {
		keys, err := x.finalize(cs1, cs2)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Payload: msg, Keys: keys}, nil
	}

	x.state = StateAwaitingPeerMessage
	return Outcome{Payload: msg}, nil
}

func (x *Exchanger) checkAdvance() error {
	switch {
	case x.state == StateComplete || x.state == StateFailed:
		return fmt.Errorf("%w: exchanger already %s", ErrInvalidState, x.state)
	case x.role == Initiator && x.state == StateReady:
		return fmt.Errorf("%w: initiator must start before advancing", ErrInvalidState)
	}
	return nil
}

// finalize moves the exchanger into StateComplete, hands the cipher states
// to the vault and drops the handshake state.
func (x *Exchanger) finalize(cs1, cs2 *noise.CipherState) (*Keys, error) {
	// cs1 carries initiator-to-responder traffic
	enc, dec := cs1, cs2
	if x.role == Responder {
		enc, dec = cs2, cs1
	}

	keys := &Keys{}
	copy(keys.TranscriptHash[:], x.hs.ChannelBinding())
	if remote := x.hs.PeerStatic(); len(remote) > 0 {
		keys.RemoteStatic = append([]byte(nil), remote...)
	}
	x.hs = nil

	var err error
	if keys.EncryptKey, err = x.vault.ImportCipher(enc.Cipher()); err != nil {
		x.state = StateFailed
		return nil, fmt.Errorf("failed to store encrypt key: %w", err)
	}
	if keys.DecryptKey, err = x.vault.ImportCipher(dec.Cipher()); err != nil {
		x.state = StateFailed
		_ = x.vault.DestroySecret(keys.EncryptKey)
		return nil, fmt.Errorf("failed to store decrypt key: %w", err)
	}
	x.state = StateComplete

	fields := crypto.PreviewFields(keys.TranscriptHash[:], "transcript_hash")
	fields["function"] = "Exchanger.finalize"
	fields["role"] = x.role.String()
	fields["remote_static"] = crypto.Preview(keys.RemoteStatic)
	logrus.WithFields(fields).Debug("Handshake complete")

	return keys, nil
}

func (x *Exchanger) fail() {
	x.state = StateFailed
	x.hs = nil
}
