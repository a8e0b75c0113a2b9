// Package keywrap seals and unseals per-object data keys for single
// recipients. Wrapping is the only way a DataKey ever leaves process
// memory.
package keywrap

import (
	"github.com/i5heu/ouroboros-vault/pkg/primitives"
	"github.com/i5heu/ouroboros-vault/pkg/types"
)

// Wrapper wraps and unwraps data keys for one recipient at a time.
type Wrapper interface {
	WrapFor(dataKey []byte, recipientPub [32]byte) (types.WrappedKey, error)
	UnwrapFor(wk types.WrappedKey, recipientPriv [32]byte) ([]byte, error)
	Rewrap(dataKey []byte, newRecipientPub [32]byte) (types.WrappedKey, error)
}

// DefaultWrapper is the box-based Wrapper implementation.
type DefaultWrapper struct{}

// New creates the default Wrapper.
func New() *DefaultWrapper {
	return &DefaultWrapper{}
}

// WrapFor seals the data key to the recipient's public key with a
// fresh ephemeral keypair.
func (w *DefaultWrapper) WrapFor(dataKey []byte, recipientPub [32]byte) (types.WrappedKey, error) {
	if len(dataKey) != primitives.KeySize {
		return types.WrappedKey{}, primitives.ErrInvalidKeyLength
	}
	ephPub, nonce, ct, err := primitives.BoxSeal(dataKey, recipientPub)
	if err != nil {
		return types.WrappedKey{}, err
	}
	return types.WrappedKey{
		EphemeralPublicKey: ephPub,
		Nonce:              nonce,
		Ciphertext:         ct,
	}, nil
}

// UnwrapFor recovers the data key with the recipient's private key.
// The caller owns the returned bytes and must wipe them after use.
func (w *DefaultWrapper) UnwrapFor(wk types.WrappedKey, recipientPriv [32]byte) ([]byte, error) {
	return primitives.BoxOpen(wk.EphemeralPublicKey, wk.Nonce, wk.Ciphertext, recipientPriv)
}

// Rewrap produces a WrappedKey for an additional recipient from the
// cleartext data key. The caller must already hold the cleartext key,
// obtained by unwrapping their own entry first; the object ciphertext
// is never touched, which is what makes post-hoc grants O(1).
func (w *DefaultWrapper) Rewrap(dataKey []byte, newRecipientPub [32]byte) (types.WrappedKey, error) {
	return w.WrapFor(dataKey, newRecipientPub)
}

var _ Wrapper = (*DefaultWrapper)(nil)
