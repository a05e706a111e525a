package channel

import (
	"fmt"

	"github.com/opd-ai/securechannel/node"
	"github.com/opd-ai/securechannel/noise"
	"github.com/opd-ai/securechannel/vault"
)

// messageKind is the first byte of every encoded channel-layer message.
type messageKind byte

const (
	kindKeyExchange            messageKind = 0x01
	kindEncrypt                messageKind = 0x02
	kindDecrypt                messageKind = 0x03
	kindCreateResponderChannel messageKind = 0x10
	kindHandshakeRequest       messageKind = 0x20
	kindHandshakeResponse      messageKind = 0x21
	kindHandshakeCompleted     messageKind = 0x30
)

// KeyExchange carries a handshake message between the two channel ends.
type KeyExchange struct {
	Payload []byte
}

// Encode implements node.Message.
func (m *KeyExchange) Encode() ([]byte, error) {
	e := newEncoder(kindKeyExchange, len(m.Payload)+4)
	e.bytes(m.Payload)
	return e.buf, nil
}

// Encrypt asks a channel to seal M and send it to the peer. The onward route
// after the channel's own hop is where the peer delivers M.
type Encrypt struct {
	M []byte
}

// Encode implements node.Message.
func (m *Encrypt) Encode() ([]byte, error) {
	e := newEncoder(kindEncrypt, len(m.M)+4)
	e.bytes(m.M)
	return e.buf, nil
}

// NewEncrypt wraps an application message for sending through a channel.
func NewEncrypt(m node.Message) (*Encrypt, error) {
	b, err := m.Encode()
	if err != nil {
		return nil, err
	}
	return &Encrypt{M: b}, nil
}

// Decrypt carries a sealed envelope: a 2-byte big-endian nonce counter
// followed by ciphertext and tag.
type Decrypt struct {
	Payload []byte
}

// Encode implements node.Message.
func (m *Decrypt) Encode() ([]byte, error) {
	e := newEncoder(kindDecrypt, len(m.Payload)+4)
	e.bytes(m.Payload)
	return e.buf, nil
}

// CreateResponderChannel asks a listener to start the responder end of a
// session and hand it the initiator's first handshake message.
type CreateResponderChannel struct {
	SessionID string
	Payload   []byte
}

// Encode implements node.Message.
func (m *CreateResponderChannel) Encode() ([]byte, error) {
	e := newEncoder(kindCreateResponderChannel, len(m.SessionID)+len(m.Payload)+8)
	e.bytes([]byte(m.SessionID))
	e.bytes(m.Payload)
	return e.buf, nil
}

// RequestKind distinguishes the two handshake session requests.
type RequestKind byte

const (
	// InitiatorFirstMessage asks an initiator session for message 1.
	InitiatorFirstMessage RequestKind = 1
	// PeerPayload feeds a peer handshake message into the session.
	PeerPayload RequestKind = 2
)

// HandshakeRequest is sent by a channel to its nested handshake session. Tag
// correlates the response.
type HandshakeRequest struct {
	Tag     uint64
	Kind    RequestKind
	Payload []byte
}

// Encode implements node.Message.
func (m *HandshakeRequest) Encode() ([]byte, error) {
	if m.Kind != InitiatorFirstMessage && m.Kind != PeerPayload {
		return nil, fmt.Errorf("%w: unknown request kind %d", ErrCodec, m.Kind)
	}
	e := newEncoder(kindHandshakeRequest, len(m.Payload)+16)
	e.uvarint(m.Tag)
	e.u8(byte(m.Kind))
	e.bytes(m.Payload)
	return e.buf, nil
}

// FailureCode classifies a handshake session failure.
type FailureCode byte

const (
	// FailureNone means the step succeeded.
	FailureNone FailureCode = 0
	// FailureCodec means the peer's handshake bytes were rejected.
	FailureCodec FailureCode = 1
	// FailureState means the session was used out of order or after it finished.
	FailureState FailureCode = 2
	// FailureInternal covers vault and other local errors.
	FailureInternal FailureCode = 3
)

// Err maps the code back to a channel error.
func (c FailureCode) Err() error {
	switch c {
	case FailureNone:
		return nil
	case FailureCodec:
		return fmt.Errorf("%w: handshake message rejected", ErrCodec)
	case FailureState:
		return fmt.Errorf("%w: handshake session misuse", ErrInvalidInternalState)
	default:
		return fmt.Errorf("%w: handshake session failed", ErrInvalidInternalState)
	}
}

// HandshakeKeys is the completed key bundle as exchanged between a session
// and its channel. The handles are only meaningful in the channel's vault.
type HandshakeKeys struct {
	TranscriptHash [noise.HashSize]byte
	EncryptKey     vault.Handle
	DecryptKey     vault.Handle
	RemoteStatic   []byte
}

func keysFromOutcome(k *noise.Keys) *HandshakeKeys {
	if k == nil {
		return nil
	}
	return &HandshakeKeys{
		TranscriptHash: k.TranscriptHash,
		EncryptKey:     k.EncryptKey,
		DecryptKey:     k.DecryptKey,
		RemoteStatic:   k.RemoteStatic,
	}
}

// HandshakeResponse reports one handshake session step. Payload and Keys are
// both optional; Failure is set when the step failed.
type HandshakeResponse struct {
	Tag     uint64
	Payload []byte
	Keys    *HandshakeKeys
	Failure FailureCode
}

const (
	flagPayload = 1 << 0
	flagKeys    = 1 << 1
)

// Encode implements node.Message.
func (m *HandshakeResponse) Encode() ([]byte, error) {
	e := newEncoder(kindHandshakeResponse, len(m.Payload)+noise.HashSize+64)
	e.uvarint(m.Tag)

	var flags byte
	if m.Payload != nil {
		flags |= flagPayload
	}
	if m.Keys != nil {
		flags |= flagKeys
	}
	e.u8(flags)
	e.u8(byte(m.Failure))

	if m.Payload != nil {
		e.bytes(m.Payload)
	}
	if m.Keys != nil {
		e.fixed(m.Keys.TranscriptHash[:])
		e.uvarint(uint64(m.Keys.EncryptKey))
		e.uvarint(uint64(m.Keys.DecryptKey))
		e.bytes(m.Keys.RemoteStatic)
	}
	return e.buf, nil
}

// HandshakeCompleted is sent once to the route registered when an initiator
// channel was started.
type HandshakeCompleted struct {
	SessionID string
}

// Encode implements node.Message.
func (m *HandshakeCompleted) Encode() ([]byte, error) {
	e := newEncoder(kindHandshakeCompleted, len(m.SessionID)+4)
	e.bytes([]byte(m.SessionID))
	return e.buf, nil
}

// Decode parses any channel-layer message. The result is one of the pointer
// types defined in this file.
func Decode(data []byte) (node.Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrCodec)
	}

	d := &decoder{data: data[1:]}
	var m node.Message
	switch messageKind(data[0]) {
	case kindKeyExchange:
		m = &KeyExchange{Payload: d.bytes()}
	case kindEncrypt:
		m = &Encrypt{M: d.bytes()}
	case kindDecrypt:
		m = &Decrypt{Payload: d.bytes()}
	case kindCreateResponderChannel:
		m = &CreateResponderChannel{SessionID: string(d.bytes()), Payload: d.bytes()}
	case kindHandshakeRequest:
		req := &HandshakeRequest{Tag: d.uvarint(), Kind: RequestKind(d.u8()), Payload: d.bytes()}
		if d.err == nil && req.Kind != InitiatorFirstMessage && req.Kind != PeerPayload {
			d.fail("unknown request kind %d", req.Kind)
		}
		m = req
	case kindHandshakeResponse:
		m = decodeResponse(d)
	case kindHandshakeCompleted:
		m = &HandshakeCompleted{SessionID: string(d.bytes())}
	default:
		return nil, fmt.Errorf("%w: unknown message kind 0x%02x", ErrCodec, data[0])
	}

	if err := d.finish(); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeResponse(d *decoder) *HandshakeResponse {
	resp := &HandshakeResponse{Tag: d.uvarint()}
	flags := d.u8()
	resp.Failure = FailureCode(d.u8())
	if flags&^(flagPayload|flagKeys) != 0 {
		d.fail("unknown response flags 0x%02x", flags)
		return resp
	}

	if flags&flagPayload != 0 {
		resp.Payload = d.bytes()
		if resp.Payload == nil && d.err == nil {
			resp.Payload = []byte{}
		}
	}
	if flags&flagKeys != 0 {
		k := &HandshakeKeys{}
		copy(k.TranscriptHash[:], d.fixed(noise.HashSize))
		k.EncryptKey = vault.Handle(d.uvarint())
		k.DecryptKey = vault.Handle(d.uvarint())
		k.RemoteStatic = d.bytes()
		resp.Keys = k
	}
	return resp
}
