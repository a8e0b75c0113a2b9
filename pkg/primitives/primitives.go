// Package primitives wraps the authenticated symmetric cipher and the
// asymmetric public-key box used everywhere else in ouroboros-vault.
// It is stateless; callers supply keys and nonces and are responsible
// for nonce freshness.
package primitives

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the symmetric key length (XSalsa20-Poly1305).
	KeySize = 32
	// NonceSize is the symmetric and box nonce length.
	NonceSize = 24
	// PublicKeySize is the X25519 public key length.
	PublicKeySize = 32
)

var (
	ErrInvalidKeyLength     = errors.New("primitives: invalid key length")
	ErrAuthenticationFailed = errors.New("primitives: authentication failed")
	ErrInvalidPublicKey     = errors.New("primitives: invalid public key")
)

// NewDataKey returns a fresh random 32-byte symmetric key.
func NewDataKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// NewNonce returns a fresh random 24-byte nonce.
func NewNonce() ([NonceSize]byte, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, err
	}
	return nonce, nil
}

// GenerateKeyPair returns a fresh X25519 keypair for use with
// BoxSeal/BoxOpen.
func GenerateKeyPair() (pub, priv [32]byte, err error) {
	pubPtr, privPtr, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return pub, priv, err
	}
	pub = *pubPtr
	priv = *privPtr
	Wipe(privPtr[:])
	return pub, priv, nil
}

// Seal encrypts plaintext with XSalsa20-Poly1305. The nonce must be
// freshly random per call and must never repeat for the same key;
// this is a caller precondition, not enforced here.
func Seal(key []byte, nonce [NonceSize]byte, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	var k [KeySize]byte
	copy(k[:], key)
	defer Wipe(k[:])
	return secretbox.Seal(nil, plaintext, &nonce, &k), nil
}

// Open decrypts a Seal output. The only failure it signals is
// ErrAuthenticationFailed: wrong key, corrupted ciphertext or a
// tampered tag all look identical, and no partial plaintext is ever
// returned.
func Open(key []byte, nonce [NonceSize]byte, ciphertext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	var k [KeySize]byte
	copy(k[:], key)
	defer Wipe(k[:])
	plaintext, ok := secretbox.Open(nil, ciphertext, &nonce, &k)
	if !ok {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// BoxSeal encrypts plaintext to the recipient public key with a fresh
// ephemeral keypair. The ephemeral private key is wiped before
// returning; only its public half leaves this function.
func BoxSeal(plaintext []byte, recipientPub [32]byte) (ephPub [32]byte, nonce [NonceSize]byte, ciphertext []byte, err error) {
	if recipientPub == ([32]byte{}) {
		return ephPub, nonce, nil, ErrInvalidPublicKey
	}
	ephPubPtr, ephPrivPtr, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return ephPub, nonce, nil, err
	}
	defer Wipe(ephPrivPtr[:])

	nonce, err = NewNonce()
	if err != nil {
		return ephPub, nonce, nil, err
	}

	ciphertext = box.Seal(nil, plaintext, &nonce, &recipientPub, ephPrivPtr)
	ephPub = *ephPubPtr
	return ephPub, nonce, ciphertext, nil
}

// BoxOpen decrypts a BoxSeal output with the recipient private key.
func BoxOpen(ephPub [32]byte, nonce [NonceSize]byte, ciphertext []byte, recipientPriv [32]byte) ([]byte, error) {
	if ephPub == ([32]byte{}) {
		return nil, ErrInvalidPublicKey
	}
	plaintext, ok := box.Open(nil, ciphertext, &nonce, &ephPub, &recipientPriv)
	if !ok {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// Wipe overwrites the buffer with zeros. Key material must pass
// through here on every exit path.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
