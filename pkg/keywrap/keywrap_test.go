package keywrap

import (
	"bytes"
	"errors"
	"testing"

	"github.com/i5heu/ouroboros-vault/pkg/primitives"
)

func TestWrapUnwrapRoundTrip(t *testing.T) {
	w := New()
	pub, priv, err := primitives.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	dataKey, _ := primitives.NewDataKey()
	wk, err := w.WrapFor(dataKey, pub)
	if err != nil {
		t.Fatalf("WrapFor failed: %v", err)
	}

	unwrapped, err := w.UnwrapFor(wk, priv)
	if err != nil {
		t.Fatalf("UnwrapFor failed: %v", err)
	}
	if !bytes.Equal(unwrapped, dataKey) {
		t.Error("unwrapped key does not match original data key")
	}
}

func TestWrapRejectsShortKey(t *testing.T) {
	w := New()
	pub, _, _ := primitives.GenerateKeyPair()
	if _, err := w.WrapFor(make([]byte, 16), pub); !errors.Is(err, primitives.ErrInvalidKeyLength) {
		t.Errorf("expected ErrInvalidKeyLength, got %v", err)
	}
}

func TestRewrapFreshEphemeral(t *testing.T) {
	w := New()
	pub, priv, _ := primitives.GenerateKeyPair()
	dataKey, _ := primitives.NewDataKey()

	wk1, err := w.WrapFor(dataKey, pub)
	if err != nil {
		t.Fatalf("WrapFor failed: %v", err)
	}
	wk2, err := w.Rewrap(dataKey, pub)
	if err != nil {
		t.Fatalf("Rewrap failed: %v", err)
	}

	// Same key, same recipient: bytes must differ (fresh ephemeral
	// keypair and nonce), but both must unwrap to the identical key.
	if wk1.EphemeralPublicKey == wk2.EphemeralPublicKey {
		t.Error("ephemeral key reused across wrappings")
	}
	if bytes.Equal(wk1.Ciphertext, wk2.Ciphertext) {
		t.Error("wrapped ciphertext identical across wrappings")
	}

	k1, err := w.UnwrapFor(wk1, priv)
	if err != nil {
		t.Fatalf("UnwrapFor wk1 failed: %v", err)
	}
	k2, err := w.UnwrapFor(wk2, priv)
	if err != nil {
		t.Fatalf("UnwrapFor wk2 failed: %v", err)
	}
	if !bytes.Equal(k1, dataKey) || !bytes.Equal(k2, dataKey) {
		t.Error("rewrapped keys do not unwrap to the original data key")
	}
}

func TestUnwrapWrongRecipient(t *testing.T) {
	w := New()
	pub, _, _ := primitives.GenerateKeyPair()
	_, otherPriv, _ := primitives.GenerateKeyPair()
	dataKey, _ := primitives.NewDataKey()

	wk, _ := w.WrapFor(dataKey, pub)
	if _, err := w.UnwrapFor(wk, otherPriv); !errors.Is(err, primitives.ErrAuthenticationFailed) {
		t.Errorf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestUnwrapTamperedEntry(t *testing.T) {
	w := New()
	pub, priv, _ := primitives.GenerateKeyPair()
	dataKey, _ := primitives.NewDataKey()
	wk, _ := w.WrapFor(dataKey, pub)

	wk.Ciphertext[3] ^= 0x08
	if _, err := w.UnwrapFor(wk, priv); !errors.Is(err, primitives.ErrAuthenticationFailed) {
		t.Errorf("expected ErrAuthenticationFailed, got %v", err)
	}
}
