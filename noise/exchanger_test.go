package noise

import (
	"errors"
	"testing"

	"github.com/opd-ai/securechannel/crypto"
	"github.com/opd-ai/securechannel/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type side struct {
	x     *Exchanger
	vault *vault.Software
}

func newPair(t *testing.T, suite Suite) (ini, res side) {
	t.Helper()
	ini.vault = vault.NewSoftware()
	res.vault = vault.NewSoftware()

	var err error
	ini.x, err = NewExchanger(Initiator, nil, ini.vault, suite)
	require.NoError(t, err)
	res.x, err = NewExchanger(Responder, nil, res.vault, suite)
	require.NoError(t, err)
	return ini, res
}

// runHandshake drives a full XX exchange and returns both key bundles.
func runHandshake(t *testing.T, ini, res side) (*Keys, *Keys) {
	t.Helper()

	m1, err := ini.x.Start()
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingPeerMessage, ini.x.State())

	out2, err := res.x.Advance(m1)
	require.NoError(t, err)
	require.NotEmpty(t, out2.Payload)
	require.Nil(t, out2.Keys)

	out3, err := ini.x.Advance(out2.Payload)
	require.NoError(t, err)
	require.NotEmpty(t, out3.Payload, "initiator sends message 3")
	require.NotNil(t, out3.Keys, "initiator completes with message 3")
	assert.Equal(t, StateComplete, ini.x.State())

	fin, err := res.x.Advance(out3.Payload)
	require.NoError(t, err)
	assert.Empty(t, fin.Payload)
	require.NotNil(t, fin.Keys)
	assert.Equal(t, StateComplete, res.x.State())

	return out3.Keys, fin.Keys
}

func nonce(n uint16) [vault.NonceSize]byte {
	var b [vault.NonceSize]byte
	b[10] = byte(n >> 8)
	b[11] = byte(n)
	return b
}

func TestXXHandshakeDerivesMatchingKeys(t *testing.T) {
	suites := []Suite{
		DefaultSuite,
		{Cipher: "ChaChaPoly", Hash: "SHA256"},
		{Cipher: "AESGCM", Hash: "BLAKE2s"},
	}

	for _, suite := range suites {
		t.Run(suite.String(), func(t *testing.T) {
			ini, res := newPair(t, suite)
			ik, rk := runHandshake(t, ini, res)

			assert.Equal(t, ik.TranscriptHash, rk.TranscriptHash)
			assert.NotEqual(t, [HashSize]byte{}, ik.TranscriptHash)
			assert.Equal(t, ini.x.LocalStatic(), rk.RemoteStatic)
			assert.Equal(t, res.x.LocalStatic(), ik.RemoteStatic)

			// initiator encrypt key == responder decrypt key
			ct, err := ini.vault.AEADEncrypt(ik.EncryptKey, []byte("to responder"), nonce(1), nil)
			require.NoError(t, err)
			pt, err := res.vault.AEADDecrypt(rk.DecryptKey, ct, nonce(1), nil)
			require.NoError(t, err)
			assert.Equal(t, "to responder", string(pt))

			// responder encrypt key == initiator decrypt key
			ct, err = res.vault.AEADEncrypt(rk.EncryptKey, []byte("to initiator"), nonce(1), nil)
			require.NoError(t, err)
			pt, err = ini.vault.AEADDecrypt(ik.DecryptKey, ct, nonce(1), nil)
			require.NoError(t, err)
			assert.Equal(t, "to initiator", string(pt))

			// the two directions use different keys
			_, err = ini.vault.AEADDecrypt(ik.DecryptKey, mustEncrypt(t, ini.vault, ik.EncryptKey), nonce(1), nil)
			assert.True(t, errors.Is(err, vault.ErrAuthFailed))
		})
	}
}

func mustEncrypt(t *testing.T, v vault.Vault, h vault.Handle) []byte {
	t.Helper()
	ct, err := v.AEADEncrypt(h, []byte("x"), nonce(1), nil)
	require.NoError(t, err)
	return ct
}

func TestExchangerRejectsReuseAfterComplete(t *testing.T) {
	ini, res := newPair(t, DefaultSuite)
	runHandshake(t, ini, res)

	_, err := ini.x.Advance([]byte("more"))
	assert.True(t, errors.Is(err, ErrInvalidState))
	_, err = res.x.Advance([]byte("more"))
	assert.True(t, errors.Is(err, ErrInvalidState))
	_, err = ini.x.Start()
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestExchangerRoleChecks(t *testing.T) {
	ini, res := newPair(t, DefaultSuite)

	_, err := res.x.Start()
	assert.True(t, errors.Is(err, ErrInvalidState), "responder cannot start")

	_, err = ini.x.Advance([]byte("early"))
	assert.True(t, errors.Is(err, ErrInvalidState), "initiator must start first")

	_, err = ini.x.Start()
	require.NoError(t, err)
	_, err = ini.x.Start()
	assert.True(t, errors.Is(err, ErrInvalidState), "start is one shot")
}

func TestExchangerMalformedMessageIsTerminal(t *testing.T) {
	ini, res := newPair(t, DefaultSuite)

	m1, err := ini.x.Start()
	require.NoError(t, err)
	out2, err := res.x.Advance(m1)
	require.NoError(t, err)

	tampered := append([]byte{}, out2.Payload...)
	tampered[len(tampered)-1] ^= 0x01
	_, err = ini.x.Advance(tampered)
	assert.True(t, errors.Is(err, ErrMalformedMessage))
	assert.Equal(t, StateFailed, ini.x.State())

	_, err = ini.x.Advance(out2.Payload)
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestExchangerUsesProvidedStaticKey(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	x, err := NewExchanger(Responder, kp, vault.NewSoftware(), DefaultSuite)
	require.NoError(t, err)
	assert.Equal(t, kp.Public[:], x.LocalStatic())
	assert.Equal(t, Responder, x.Role())
	assert.Equal(t, StateReady, x.State())
}

func TestNewExchangerValidation(t *testing.T) {
	_, err := NewExchanger(Initiator, nil, nil, DefaultSuite)
	assert.Error(t, err)

	_, err = NewExchanger(Initiator, nil, vault.NewSoftware(), Suite{Cipher: "DES"})
	assert.Error(t, err)

	_, err = NewExchanger(Initiator, nil, vault.NewSoftware(), Suite{Hash: "SHA512"})
	assert.Error(t, err)
}

func TestSuiteString(t *testing.T) {
	assert.Equal(t, "Noise_XX_25519_AESGCM_SHA256", DefaultSuite.String())
	assert.Equal(t, "Noise_XX_25519_ChaChaPoly_BLAKE2s", Suite{Cipher: "chachapoly", Hash: "blake2s"}.String())
	assert.Contains(t, Suite{Cipher: "nope"}.String(), "invalid")
	assert.Equal(t, "initiator", Initiator.String())
	assert.Equal(t, "awaiting_peer_message", StateAwaitingPeerMessage.String())
}
