package vault

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/i5heu/ouroboros-vault/pkg/committee"
	"github.com/i5heu/ouroboros-vault/pkg/pipeline"
	"github.com/i5heu/ouroboros-vault/pkg/primitives"
	"github.com/i5heu/ouroboros-vault/pkg/registry"
	"github.com/i5heu/ouroboros-vault/pkg/types"
	"github.com/i5heu/ouroboros-vault/pkg/wire"
)

func startedVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New(Config{Paths: []string{t.TempDir()}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()
	if err := v.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { v.Close(context.Background()) })
	return v
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := startedVault(t)
	ctx := context.Background()

	ownerPub, ownerPriv, err := primitives.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	payload := []byte("the content of a private document")
	id, err := v.EncryptToStore(ctx, EncryptRequest{
		ObjectID:       "doc-1",
		Payload:        payload,
		Mode:           types.ModePrivate,
		OwnerPublicKey: ownerPub,
		ContentType:    "text/plain",
	})
	if err != nil {
		t.Fatalf("EncryptToStore failed: %v", err)
	}

	got, err := v.DecryptFromStore(ctx, id, "doc-1", types.OwnerPrincipal(), ownerPriv)
	if err != nil {
		t.Fatalf("DecryptFromStore failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("round trip mismatch")
	}
}

func TestLifecycleGuards(t *testing.T) {
	v, err := New(Config{Paths: []string{t.TempDir()}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	if _, err := v.EncryptToStore(ctx, EncryptRequest{}); !errors.Is(err, ErrNotStarted) {
		t.Errorf("before Start: expected ErrNotStarted, got %v", err)
	}

	if err := v.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := v.Start(ctx); err != nil {
		t.Errorf("second Start failed: %v", err)
	}

	if err := v.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := v.Close(ctx); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	if _, err := v.EncryptToStore(ctx, EncryptRequest{}); !errors.Is(err, ErrClosed) {
		t.Errorf("after Close: expected ErrClosed, got %v", err)
	}
}

func TestGrantAccessExtendsStoredObject(t *testing.T) {
	v := startedVault(t)
	ctx := context.Background()

	ownerPub, ownerPriv, _ := primitives.GenerateKeyPair()
	payload := []byte("shared evidence")
	id, err := v.EncryptToStore(ctx, EncryptRequest{
		ObjectID:       "doc-1",
		Payload:        payload,
		Mode:           types.ModeAuthorized,
		OwnerPublicKey: ownerPub,
	})
	if err != nil {
		t.Fatalf("EncryptToStore failed: %v", err)
	}

	grantee := types.IndividualPrincipal("r1")
	granteePub, granteePriv, _ := primitives.GenerateKeyPair()
	v.Mirror().RegisterPublicKey(grantee, granteePub)

	rec, newID, err := v.GrantAccess(ctx, id, "doc-1", types.OwnerPrincipal(), ownerPriv, grantee, granteePub, types.RoleReviewer, types.ScopeReadOnly, time.Time{})
	if err != nil {
		t.Fatalf("GrantAccess failed: %v", err)
	}
	if rec.ObjectID != "doc-1" || rec.Entry.Grantee != grantee {
		t.Errorf("unexpected grant record: %+v", rec)
	}
	if newID == id {
		t.Error("extended object should have a new content id")
	}

	got, err := v.DecryptFromStore(ctx, newID, "doc-1", grantee, granteePriv)
	if err != nil {
		t.Fatalf("grantee DecryptFromStore failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("grantee round trip mismatch")
	}

	// The original blob is untouched and still owner-readable.
	got, err = v.DecryptFromStore(ctx, id, "doc-1", types.OwnerPrincipal(), ownerPriv)
	if err != nil {
		t.Fatalf("owner DecryptFromStore failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("owner round trip mismatch")
	}
}

func TestRevokeBlocksDecryption(t *testing.T) {
	v := startedVault(t)
	ctx := context.Background()

	ownerPub, ownerPriv, _ := primitives.GenerateKeyPair()
	id, err := v.EncryptToStore(ctx, EncryptRequest{
		ObjectID:       "doc-1",
		Payload:        []byte("payload"),
		Mode:           types.ModeAuthorized,
		OwnerPublicKey: ownerPub,
	})
	if err != nil {
		t.Fatalf("EncryptToStore failed: %v", err)
	}

	grantee := types.IndividualPrincipal("r1")
	granteePub, granteePriv, _ := primitives.GenerateKeyPair()
	v.Mirror().RegisterPublicKey(grantee, granteePub)
	_, newID, err := v.GrantAccess(ctx, id, "doc-1", types.OwnerPrincipal(), ownerPriv, grantee, granteePub, types.RoleReviewer, types.ScopeReadOnly, time.Time{})
	if err != nil {
		t.Fatalf("GrantAccess failed: %v", err)
	}

	if err := v.ApplyRevoke(ctx, registry.NewRevokeRecord("doc-1", grantee)); err != nil {
		t.Fatalf("ApplyRevoke failed: %v", err)
	}

	if _, err := v.DecryptFromStore(ctx, newID, "doc-1", grantee, granteePriv); !errors.Is(err, pipeline.ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized after revoke, got %v", err)
	}
}

func TestRestoreGrantsAfterRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	v, err := New(Config{Paths: []string{dir}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := v.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ownerPub, ownerPriv, _ := primitives.GenerateKeyPair()
	id, err := v.EncryptToStore(ctx, EncryptRequest{
		ObjectID:       "doc-1",
		Payload:        []byte("durable payload"),
		Mode:           types.ModeAuthorized,
		OwnerPublicKey: ownerPub,
	})
	if err != nil {
		t.Fatalf("EncryptToStore failed: %v", err)
	}

	grantee := types.IndividualPrincipal("r1")
	granteePub, granteePriv, _ := primitives.GenerateKeyPair()
	v.Mirror().RegisterPublicKey(grantee, granteePub)
	_, newID, err := v.GrantAccess(ctx, id, "doc-1", types.OwnerPrincipal(), ownerPriv, grantee, granteePub, types.RoleReviewer, types.ScopeReadOnly, time.Time{})
	if err != nil {
		t.Fatalf("GrantAccess failed: %v", err)
	}
	if err := v.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	restarted, err := New(Config{Paths: []string{dir}})
	if err != nil {
		t.Fatalf("New after restart failed: %v", err)
	}
	if err := restarted.Start(ctx); err != nil {
		t.Fatalf("Start after restart failed: %v", err)
	}
	defer restarted.Close(ctx)

	if err := restarted.RestoreGrants(ctx, "doc-1"); err != nil {
		t.Fatalf("RestoreGrants failed: %v", err)
	}
	restarted.Mirror().RegisterPublicKey(grantee, granteePub)

	got, err := restarted.DecryptFromStore(ctx, newID, "doc-1", grantee, granteePriv)
	if err != nil {
		t.Fatalf("DecryptFromStore after restart failed: %v", err)
	}
	if string(got) != "durable payload" {
		t.Error("round trip mismatch after restart")
	}
}

func TestCollaborativeDecryptFromStore(t *testing.T) {
	v := startedVault(t)
	ctx := context.Background()

	members := map[string][32]byte{}
	privs := map[string][32]byte{}
	for _, id := range []string{"m1", "m2", "m3"} {
		pub, priv, _ := primitives.GenerateKeyPair()
		members[id] = pub
		privs[id] = priv
	}
	policy, sealed, err := committee.NewCommittee(members, 2)
	if err != nil {
		t.Fatalf("NewCommittee failed: %v", err)
	}
	v.Mirror().SetCommittee("doc-1", policy)

	ownerPub, _, _ := primitives.GenerateKeyPair()
	payload := []byte("committee governed content")
	id, err := v.EncryptToStore(ctx, EncryptRequest{
		ObjectID:       "doc-1",
		Payload:        payload,
		Mode:           types.ModeAuthorized,
		OwnerPublicKey: ownerPub,
	})
	if err != nil {
		t.Fatalf("EncryptToStore failed: %v", err)
	}

	source := shareSourceFunc(func(ctx context.Context, req committee.ShareRequest) (<-chan types.KeyShare, error) {
		ch := make(chan types.KeyShare, 1)
		payload, err := primitives.BoxOpen(sealed["m2"].EphemeralPublicKey, sealed["m2"].Nonce, sealed["m2"].Ciphertext, privs["m2"])
		if err != nil {
			close(ch)
			return ch, nil
		}
		share, err := wire.UnmarshalShare(payload)
		if err != nil {
			close(ch)
			return ch, nil
		}
		ch <- share
		close(ch)
		return ch, nil
	})

	got, err := v.CollaborativeDecryptFromStore(ctx, id, "doc-1", "m1", privs["m1"], sealed["m1"], source)
	if err != nil {
		t.Fatalf("CollaborativeDecryptFromStore failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("collaborative round trip mismatch")
	}
}

type shareSourceFunc func(ctx context.Context, req committee.ShareRequest) (<-chan types.KeyShare, error)

func (f shareSourceFunc) RequestShares(ctx context.Context, req committee.ShareRequest) (<-chan types.KeyShare, error) {
	return f(ctx, req)
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	if err := os.WriteFile(path, []byte("minimumFreeGB: 2\ncompress: true\n"), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if config.MinimumFreeGB != 2 || !config.Compress {
		t.Errorf("unexpected config: %+v", config)
	}
	if len(config.Paths) == 0 {
		t.Error("absent paths should get a default")
	}
}

func TestFailedStartKeepsReporting(t *testing.T) {
	// Use a regular file as the data path so MkdirAll fails.
	dir := t.TempDir()
	path := dir + "/occupied"
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("writing file: %v", err)
	}

	v, err := New(Config{Paths: []string{path}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	if err := v.Start(ctx); err == nil {
		t.Fatal("Start over a regular file should fail")
	}
	if err := v.Start(ctx); err == nil {
		t.Error("second Start after a failed first must report the failure, not nil")
	}
	if _, err := v.EncryptToStore(ctx, EncryptRequest{}); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
}
