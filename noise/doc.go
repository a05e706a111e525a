// Package noise implements the key exchanger used to bootstrap secure
// channels: one role of a Noise XX handshake built on the flynn/noise
// library.
//
// XX needs no prior knowledge of the peer's static key. Both sides exchange
// ephemeral and static keys over three messages:
//
//	Initiator                              Responder
//	─────────                              ─────────
//	-> e                     (message 1)
//	                                       <- e, ee, s, es   (message 2)
//	-> s, se                 (message 3)
//	[complete]                             [complete]
//
// An Exchanger is single use. It moves through an explicit state machine:
//
//	Ready ──Start/Advance──> AwaitingPeerMessage ──Advance──> Complete
//	  └──────────────────── any error ───────────────────────> Failed
//
// On the transition into Complete the underlying handshake state is
// released and the two derived cipher states are imported into a vault.
// The caller receives a Keys bundle holding the transcript hash and the two
// vault handles; raw key bytes never leave the vault. Any call after
// Complete or Failed returns ErrInvalidState.
//
// Example:
//
//	ini, _ := noise.NewExchanger(noise.Initiator, nil, vault.NewSoftware(), noise.DefaultSuite)
//	res, _ := noise.NewExchanger(noise.Responder, nil, vault.NewSoftware(), noise.DefaultSuite)
//
//	m1, _ := ini.Start()
//	out2, _ := res.Advance(m1)         // out2.Payload is message 2
//	out3, _ := ini.Advance(out2.Payload) // out3.Payload is message 3, out3.Keys set
//	fin, _ := res.Advance(out3.Payload)  // fin.Keys set
//
// # Cipher Suite
//
// The default suite is Noise_XX_25519_AESGCM_SHA256. ChaChaPoly and BLAKE2s
// can be selected through Suite; both hashes yield the 32-byte transcript
// hash channels expose.
package noise
