package primitives

import (
	"bytes"
	"errors"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := NewDataKey()
	if err != nil {
		t.Fatalf("NewDataKey failed: %v", err)
	}
	nonce, err := NewNonce()
	if err != nil {
		t.Fatalf("NewNonce failed: %v", err)
	}

	plaintext := []byte("confidential dispute evidence payload")
	sealed, err := Seal(key, nonce, plaintext)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	opened, err := Open(key, nonce, sealed)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("round trip mismatch: got %q, want %q", opened, plaintext)
	}
}

func TestSealRejectsBadKeyLength(t *testing.T) {
	nonce, _ := NewNonce()
	if _, err := Seal(make([]byte, 16), nonce, []byte("x")); !errors.Is(err, ErrInvalidKeyLength) {
		t.Errorf("expected ErrInvalidKeyLength, got %v", err)
	}
	if _, err := Open(make([]byte, 31), nonce, []byte("x")); !errors.Is(err, ErrInvalidKeyLength) {
		t.Errorf("expected ErrInvalidKeyLength, got %v", err)
	}
}

func TestOpenDetectsTamper(t *testing.T) {
	key, _ := NewDataKey()
	nonce, _ := NewNonce()
	sealed, err := Seal(key, nonce, []byte("payload under test"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	// Flipping any single bit must fail authentication, never return
	// wrong-but-accepted plaintext.
	for i := 0; i < len(sealed); i++ {
		tampered := make([]byte, len(sealed))
		copy(tampered, sealed)
		tampered[i] ^= 0x01
		if _, err := Open(key, nonce, tampered); !errors.Is(err, ErrAuthenticationFailed) {
			t.Fatalf("bit flip at byte %d not detected: %v", i, err)
		}
	}

	badNonce := nonce
	badNonce[0] ^= 0x01
	if _, err := Open(key, badNonce, sealed); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("nonce tamper not detected: %v", err)
	}
}

func TestOpenWrongKey(t *testing.T) {
	key, _ := NewDataKey()
	other, _ := NewDataKey()
	nonce, _ := NewNonce()
	sealed, _ := Seal(key, nonce, []byte("payload"))

	if _, err := Open(other, nonce, sealed); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestBoxSealOpenRoundTrip(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	plaintext := []byte("data key material")
	ephPub, nonce, ct, err := BoxSeal(plaintext, pub)
	if err != nil {
		t.Fatalf("BoxSeal failed: %v", err)
	}

	opened, err := BoxOpen(ephPub, nonce, ct, priv)
	if err != nil {
		t.Fatalf("BoxOpen failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("box round trip mismatch")
	}
}

func TestBoxSealFreshEphemeralPerCall(t *testing.T) {
	pub, _, _ := GenerateKeyPair()
	ephPub1, _, _, err := BoxSeal([]byte("k"), pub)
	if err != nil {
		t.Fatalf("BoxSeal failed: %v", err)
	}
	ephPub2, _, _, err := BoxSeal([]byte("k"), pub)
	if err != nil {
		t.Fatalf("BoxSeal failed: %v", err)
	}
	if ephPub1 == ephPub2 {
		t.Error("ephemeral public key reused across BoxSeal calls")
	}
}

func TestBoxRejectsZeroPublicKey(t *testing.T) {
	var zero [32]byte
	if _, _, _, err := BoxSeal([]byte("k"), zero); !errors.Is(err, ErrInvalidPublicKey) {
		t.Errorf("BoxSeal: expected ErrInvalidPublicKey, got %v", err)
	}

	_, priv, _ := GenerateKeyPair()
	var nonce [NonceSize]byte
	if _, err := BoxOpen(zero, nonce, []byte("ct"), priv); !errors.Is(err, ErrInvalidPublicKey) {
		t.Errorf("BoxOpen: expected ErrInvalidPublicKey, got %v", err)
	}
}

func TestBoxOpenDetectsTamper(t *testing.T) {
	pub, priv, _ := GenerateKeyPair()
	ephPub, nonce, ct, _ := BoxSeal([]byte("data key"), pub)

	ct[0] ^= 0x01
	if _, err := BoxOpen(ephPub, nonce, ct, priv); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestWipe(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	Wipe(b)
	for i, v := range b {
		if v != 0 {
			t.Errorf("byte %d not wiped", i)
		}
	}
}
