package blobstore

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store, err := NewStore(StoreConfig{
		Path:   t.TempDir(),
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func randomBlob(t *testing.T, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand.Read failed: %v", err)
	}
	return data
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	blob := randomBlob(t, 1<<20)

	id, err := store.Put(blob)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := store.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, blob) {
		t.Error("round trip mismatch")
	}
}

func TestPutIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	blob := randomBlob(t, 256<<10)

	id1, err := store.Put(blob)
	if err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	id2, err := store.Put(blob)
	if err != nil {
		t.Fatalf("second Put failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("same content produced different ids: %s vs %s", id1, id2)
	}
}

func TestGetUnknownBlob(t *testing.T) {
	store := newTestStore(t)
	var id ContentID
	id[0] = 0xaa

	_, err := store.Get(id)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestHasAndDelete(t *testing.T) {
	store := newTestStore(t)
	blob := randomBlob(t, 64<<10)

	id, err := store.Put(blob)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	ok, err := store.Has(id)
	if err != nil || !ok {
		t.Fatalf("Has after Put: ok=%v err=%v", ok, err)
	}

	if err := store.Delete(id); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	ok, err = store.Has(id)
	if err != nil || ok {
		t.Errorf("Has after Delete: ok=%v err=%v", ok, err)
	}
	if _, err := store.Get(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete: expected ErrNotFound, got %v", err)
	}
}

func TestSharedChunksAcrossBlobs(t *testing.T) {
	store := newTestStore(t)

	base := randomBlob(t, 1<<20)
	variant := make([]byte, len(base))
	copy(variant, base)
	variant[len(variant)-1] ^= 0x01

	if _, err := store.Put(base); err != nil {
		t.Fatalf("Put base failed: %v", err)
	}
	_, writesAfterBase := store.Counters()

	id2, err := store.Put(variant)
	if err != nil {
		t.Fatalf("Put variant failed: %v", err)
	}
	_, writesAfterVariant := store.Counters()

	// A one byte change near the end must not rewrite every chunk of
	// the blob.
	if delta := writesAfterVariant - writesAfterBase; delta >= writesAfterBase {
		t.Errorf("variant rewrote %d chunks, base wrote %d", delta, writesAfterBase)
	}

	got, err := store.Get(id2)
	if err != nil {
		t.Fatalf("Get variant failed: %v", err)
	}
	if !bytes.Equal(got, variant) {
		t.Error("variant round trip mismatch")
	}
}

func TestReopenPersists(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	dir := t.TempDir()

	store, err := NewStore(StoreConfig{Path: dir, Logger: logger})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	blob := []byte("persistent encrypted payload")
	id, err := store.Put(blob)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewStore(StoreConfig{Path: dir, Logger: logger})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(id)
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if !bytes.Equal(got, blob) {
		t.Error("round trip mismatch after reopen")
	}
}

func TestConfigValidation(t *testing.T) {
	if _, err := NewStore(StoreConfig{}); err == nil {
		t.Error("empty path should be rejected")
	}
}
