package vault

import (
	"sync"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
)

// vaultRequest is one operation queued for the owning goroutine.
type vaultRequest struct {
	op   func(Vault)
	done chan struct{}
}

// Serialized funnels every operation on an inner Vault through one owning
// goroutine, so channels sharing key material never touch it concurrently.
type Serialized struct {
	requests chan vaultRequest
	stop     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewSerialized starts the owner goroutine for inner. Call Close to stop it.
func NewSerialized(inner Vault) *Serialized {
	s := &Serialized{
		requests: make(chan vaultRequest),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go s.serve(inner)

	logrus.WithFields(logrus.Fields{
		"function": "NewSerialized",
	}).Debug("Shared vault owner started")
	return s
}

func (s *Serialized) serve(inner Vault) {
	defer close(s.stopped)
	for {
		select {
		case req := <-s.requests:
			req.op(inner)
			close(req.done)
		case <-s.stop:
			return
		}
	}
}

func (s *Serialized) do(op func(Vault)) error {
	req := vaultRequest{op: op, done: make(chan struct{})}
	select {
	case s.requests <- req:
	case <-s.stop:
		return ErrClosed
	}
	<-req.done
	return nil
}

// Close stops the owner goroutine. Later operations fail with ErrClosed.
func (s *Serialized) Close() error {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	<-s.stopped
	return nil
}

// ImportCipher implements Vault.
func (s *Serialized) ImportCipher(c noise.Cipher) (Handle, error) {
	var (
		h   Handle
		err error
	)
	if derr := s.do(func(v Vault) { h, err = v.ImportCipher(c) }); derr != nil {
		return 0, derr
	}
	return h, err
}

// AEADEncrypt implements Vault.
func (s *Serialized) AEADEncrypt(h Handle, plaintext []byte, nonce [NonceSize]byte, aad []byte) ([]byte, error) {
	var (
		out []byte
		err error
	)
	if derr := s.do(func(v Vault) { out, err = v.AEADEncrypt(h, plaintext, nonce, aad) }); derr != nil {
		return nil, derr
	}
	return out, err
}

// AEADDecrypt implements Vault.
func (s *Serialized) AEADDecrypt(h Handle, ciphertext []byte, nonce [NonceSize]byte, aad []byte) ([]byte, error) {
	var (
		out []byte
		err error
	)
	if derr := s.do(func(v Vault) { out, err = v.AEADDecrypt(h, ciphertext, nonce, aad) }); derr != nil {
		return nil, derr
	}
	return out, err
}

// DestroySecret implements Vault.
func (s *Serialized) DestroySecret(h Handle) error {
	var err error
	if derr := s.do(func(v Vault) { err = v.DestroySecret(h) }); derr != nil {
		return derr
	}
	return err
}
