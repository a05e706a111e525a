package channel

import (
	"math"
	"strings"
	"testing"

	"github.com/opd-ai/securechannel/node"
	"github.com/opd-ai/securechannel/noise"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageCodec(t *testing.T) {
	keys := &HandshakeKeys{EncryptKey: 7, DecryptKey: 300, RemoteStatic: []byte{1, 2, 3}}
	for i := range keys.TranscriptHash {
		keys.TranscriptHash[i] = byte(i)
	}

	tests := []struct {
		name string
		msg  node.Message
	}{
		{"key exchange", &KeyExchange{Payload: []byte("xx-1")}},
		{"encrypt", &Encrypt{M: []byte("hello")}},
		{"decrypt", &Decrypt{Payload: []byte{0x00, 0x01, 0xAA}}},
		{"create responder", &CreateResponderChannel{SessionID: "s1", Payload: []byte("m1")}},
		{"request first", &HandshakeRequest{Tag: 1, Kind: InitiatorFirstMessage}},
		{"request payload", &HandshakeRequest{Tag: 1 << 40, Kind: PeerPayload, Payload: []byte("m2")}},
		{"response payload", &HandshakeResponse{Tag: 3, Payload: []byte("m3")}},
		{"response keys", &HandshakeResponse{Tag: 4, Keys: keys}},
		{"response both", &HandshakeResponse{Tag: 5, Payload: []byte("m3"), Keys: keys}},
		{"response failure", &HandshakeResponse{Tag: 6, Failure: FailureCodec}},
		{"completed", &HandshakeCompleted{SessionID: "s1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.msg.Encode()
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, got)
		})
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	valid, err := (&KeyExchange{Payload: []byte("abc")}).Encode()
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"unknown kind", []byte{0x7F, 0x00}},
		{"truncated", valid[:len(valid)-1]},
		{"trailing", append(append([]byte(nil), valid...), 0x00)},
		{"bad request kind", []byte{byte(kindHandshakeRequest), 0x01, 0x09, 0x00}},
		{"unknown response flags", []byte{byte(kindHandshakeResponse), 0x01, 0x80, 0x00}},
		{"short keys", []byte{byte(kindHandshakeResponse), 0x01, flagKeys, 0x00, 0x01, 0x02}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			assert.ErrorIs(t, err, ErrCodec)
		})
	}
}

func TestHandshakeRequestEncodeRejectsUnknownKind(t *testing.T) {
	_, err := (&HandshakeRequest{Tag: 1, Kind: 9}).Encode()
	assert.ErrorIs(t, err, ErrCodec)
}

func TestEmptyResponsePayloadSurvives(t *testing.T) {
	data, err := (&HandshakeResponse{Tag: 1, Payload: []byte{}}).Encode()
	require.NoError(t, err)

	m, err := Decode(data)
	require.NoError(t, err)
	resp := m.(*HandshakeResponse)
	assert.NotNil(t, resp.Payload, "a present empty payload stays present")
	assert.Empty(t, resp.Payload)
}

func TestFailureCodeErr(t *testing.T) {
	assert.NoError(t, FailureNone.Err())
	assert.ErrorIs(t, FailureCodec.Err(), ErrCodec)
	assert.ErrorIs(t, FailureState.Err(), ErrInvalidInternalState)
	assert.ErrorIs(t, FailureInternal.Err(), ErrInvalidInternalState)
}

func TestFailureCodeMapping(t *testing.T) {
	assert.Equal(t, FailureNone, failureCode(nil))
	assert.Equal(t, FailureCodec, failureCode(noise.ErrMalformedMessage))
	assert.Equal(t, FailureState, failureCode(noise.ErrInvalidState))
	assert.Equal(t, FailureState, failureCode(ErrInvalidInternalState))
	assert.Equal(t, FailureInternal, failureCode(assert.AnError))
}

func TestNewEncrypt(t *testing.T) {
	enc, err := NewEncrypt(node.RawMessage("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), enc.M)

	_, err = NewEncrypt(&HandshakeRequest{Kind: 0})
	assert.ErrorIs(t, err, ErrCodec)
}

func TestCounterNonce(t *testing.T) {
	prefix, nonce := counterNonce(1)
	assert.Equal(t, [2]byte{0x00, 0x01}, prefix)
	assert.Equal(t, [12]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x00, 0x01}, nonce)

	prefix, nonce = counterNonce(0xABCD)
	assert.Equal(t, [2]byte{0xAB, 0xCD}, prefix)
	assert.Equal(t, byte(0xAB), nonce[10])
	assert.Equal(t, byte(0xCD), nonce[11])

	counter, parsed, err := parseNoncePrefix(prefix[:])
	require.NoError(t, err)
	assert.Equal(t, uint16(0xABCD), counter)
	assert.Equal(t, nonce, parsed)

	for _, bad := range [][]byte{nil, {0x01}, {0x00, 0x01, 0x02}} {
		_, _, err := parseNoncePrefix(bad)
		assert.ErrorIs(t, err, ErrInvalidNonce)
	}
}

func TestChannelKeysCounter(t *testing.T) {
	k := newChannelKeys(&HandshakeKeys{EncryptKey: 1, DecryptKey: 2})
	assert.Equal(t, uint16(1), k.nonce)
	assert.False(t, k.Exhausted())

	k.nonce = math.MaxUint16
	assert.True(t, k.Exhausted())
}

func TestSessionIDs(t *testing.T) {
	assert.Equal(t, "channel/s1", Address("s1").String())
	assert.Equal(t, "channel/s1/kex", KexAddress("s1").String())

	id := NewSessionID()
	require.NoError(t, ValidateSessionID(id))
	assert.NotEqual(t, id, NewSessionID())

	for _, bad := range []string{"", "a/b", "1#x", strings.Repeat("x", 129)} {
		assert.ErrorIs(t, ValidateSessionID(bad), ErrInvalidSessionID, "id %q", bad)
	}
	assert.NoError(t, ValidateSessionID(strings.Repeat("x", 128)))
}

func TestOptionsLimiter(t *testing.T) {
	opts := DefaultOptions()
	assert.True(t, opts.StrictNonces)
	assert.True(t, opts.RejectCollisions)
	assert.Equal(t, noise.DefaultSuite, opts.Suite)
	assert.Nil(t, opts.newLimiter())

	opts.ListenerRate = 10
	l := opts.newLimiter()
	require.NotNil(t, l)
	assert.Equal(t, 1, l.Burst())
}
