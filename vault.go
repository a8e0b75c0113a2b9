// Package vault is the confidential content service facade: hybrid
// encryption of content objects, registry-backed access control for
// individual grantees, threshold committees for collaborative
// decryption, and a content-addressed blob store for the sealed
// results.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-vault/internal/workerpool"
	"github.com/i5heu/ouroboros-vault/pkg/blobstore"
	"github.com/i5heu/ouroboros-vault/pkg/committee"
	"github.com/i5heu/ouroboros-vault/pkg/logging"
	"github.com/i5heu/ouroboros-vault/pkg/pipeline"
	"github.com/i5heu/ouroboros-vault/pkg/registry"
	"github.com/i5heu/ouroboros-vault/pkg/types"
	"github.com/i5heu/ouroboros-vault/pkg/wire"
)

var (
	ErrNotStarted = errors.New("vault: not started")
	ErrClosed     = errors.New("vault: closed")
)

// Vault is the main service handle. It owns the registry mirror, the
// encryption pipeline, the blob store and the lifecycle of background
// components.
type Vault struct {
	log    *slog.Logger
	config Config

	mirror *registry.Mirror
	pipe   *pipeline.Pipeline
	pool   *workerpool.Pool

	storeMu sync.RWMutex
	blobs   *blobstore.Store
	grants  *registry.Store

	started   atomic.Bool
	startOnce sync.Once
	startErr  error
	closeOnce sync.Once
}

// New constructs a vault handle. New does not perform heavy I/O or
// start background goroutines. Call Start to initialize subsystems.
func New(conf Config) (*Vault, error) {
	if len(conf.Paths) == 0 {
		return nil, fmt.Errorf("at least one path must be provided in config")
	}
	if conf.Logger == nil {
		conf.Logger = logging.NewLogger(slog.LevelInfo)
	}
	return &Vault{
		log:    conf.Logger,
		config: conf,
	}, nil
}

// Mirror returns the registry mirror so the host can apply ledger
// records and register principal keys.
func (v *Vault) Mirror() *registry.Mirror {
	return v.mirror
}

// Start opens the on-disk stores and wires the pipeline. Start is safe
// to call multiple times; only the first call has effect, and a failed
// first call is reported again by every later call.
func (v *Vault) Start(ctx context.Context) error {
	v.startOnce.Do(func() {
		dataRoot := v.config.Paths[0]
		if err := os.MkdirAll(dataRoot, 0o700); err != nil {
			v.startErr = fmt.Errorf("mkdir %s: %w", dataRoot, err)
			return
		}

		storeLogger := logrus.New()

		blobs, err := blobstore.NewStore(blobstore.StoreConfig{
			Path:          filepath.Join(dataRoot, "blobs"),
			MinimumFreeGB: int(v.config.MinimumFreeGB),
			Logger:        storeLogger,
		})
		if err != nil {
			v.startErr = fmt.Errorf("init blobstore: %w", err)
			return
		}

		grants, err := registry.NewStore(registry.StoreConfig{
			Path:   filepath.Join(dataRoot, "grants"),
			Logger: storeLogger,
		})
		if err != nil {
			blobs.Close()
			v.startErr = fmt.Errorf("init grant store: %w", err)
			return
		}

		v.mirror = registry.NewMirror()
		v.pool = workerpool.New(workerpool.Config{})

		pipe, err := pipeline.New(pipeline.Config{
			Registry: v.mirror,
			Pool:     v.pool,
			Logger:   v.log,
			Compress: v.config.Compress,
		})
		if err != nil {
			blobs.Close()
			grants.Close()
			v.startErr = fmt.Errorf("init pipeline: %w", err)
			return
		}

		v.pipe = pipe
		v.storeMu.Lock()
		v.blobs = blobs
		v.grants = grants
		v.storeMu.Unlock()

		v.started.Store(true)
		v.log.Info("vault started", "path", dataRoot)
	})
	return v.startErr
}

// Run starts the vault, then blocks until ctx is canceled, and finally
// performs a bounded graceful shutdown. It is a convenience for
// services.
func (v *Vault) Run(ctx context.Context) error {
	if err := v.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return v.Close(shutdownCtx)
}

// Close terminates background components and releases resources.
// Close is idempotent and safe to call multiple times.
func (v *Vault) Close(ctx context.Context) error {
	var closeErr error
	v.closeOnce.Do(func() {
		v.storeMu.Lock()
		blobs := v.blobs
		grants := v.grants
		v.blobs = nil
		v.grants = nil
		v.storeMu.Unlock()

		if blobs != nil {
			if err := blobs.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close blobstore: %w", err))
			}
		}
		if grants != nil {
			if err := grants.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close grant store: %w", err))
			}
		}
		if v.pool != nil {
			v.pool.Close()
		}

		v.log.Info("vault closed")
	})
	return closeErr
}

func (v *Vault) stores() (*blobstore.Store, *registry.Store, error) {
	if !v.started.Load() {
		return nil, nil, ErrNotStarted
	}

	v.storeMu.RLock()
	blobs := v.blobs
	grants := v.grants
	v.storeMu.RUnlock()
	if blobs == nil || grants == nil {
		return nil, nil, ErrClosed
	}
	return blobs, grants, nil
}

// EncryptRequest mirrors the pipeline request; the vault adds storage
// on top.
type EncryptRequest = pipeline.EncryptRequest

// EncryptToStore runs the payload through the encryption pipeline,
// serializes the resulting object and stores it as a blob. The
// returned content id addresses the stored object.
func (v *Vault) EncryptToStore(ctx context.Context, req EncryptRequest) (blobstore.ContentID, error) {
	if err := ctx.Err(); err != nil {
		return blobstore.ContentID{}, err
	}
	blobs, _, err := v.stores()
	if err != nil {
		return blobstore.ContentID{}, err
	}

	obj, err := v.pipe.Encrypt(req)
	if err != nil {
		return blobstore.ContentID{}, err
	}

	encoded, err := wire.MarshalObject(obj)
	if err != nil {
		return blobstore.ContentID{}, fmt.Errorf("encoding object %s: %w", req.ObjectID, err)
	}
	return blobs.Put(encoded)
}

// LoadObject fetches and decodes a stored encrypted object without
// decrypting it.
func (v *Vault) LoadObject(ctx context.Context, id blobstore.ContentID) (*types.EncryptedObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	blobs, _, err := v.stores()
	if err != nil {
		return nil, err
	}

	encoded, err := blobs.Get(id)
	if err != nil {
		return nil, err
	}
	return wire.UnmarshalObject(encoded)
}

// DecryptFromStore loads a stored object and decrypts it for a single
// caller, enforcing the authorization registry.
func (v *Vault) DecryptFromStore(ctx context.Context, id blobstore.ContentID, objectID string, caller types.Principal, priv [32]byte) ([]byte, error) {
	obj, err := v.LoadObject(ctx, id)
	if err != nil {
		return nil, err
	}
	return v.pipe.Decrypt(obj, objectID, caller, priv)
}

// CollaborativeDecryptFromStore loads a stored committee-governed
// object and runs a collaborative decryption round over the given
// share source.
func (v *Vault) CollaborativeDecryptFromStore(ctx context.Context, id blobstore.ContentID, objectID, member string, memberPriv [32]byte, ownShare types.WrappedKey, source committee.ShareSource) ([]byte, error) {
	obj, err := v.LoadObject(ctx, id)
	if err != nil {
		return nil, err
	}

	coordinator, err := committee.NewCoordinator(committee.Config{
		Pipeline: v.pipe,
		Resolver: v.mirror,
		Source:   source,
		Logger:   v.log,
	})
	if err != nil {
		return nil, err
	}
	return coordinator.CollaborativeDecrypt(ctx, obj, objectID, member, memberPriv, ownShare)
}

// ApplyGrant mirrors an accepted grant record and persists the
// object's entry list.
func (v *Vault) ApplyGrant(ctx context.Context, rec registry.GrantRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, grants, err := v.stores()
	if err != nil {
		return err
	}

	if err := v.mirror.ApplyGrant(rec.ObjectID, rec.Entry); err != nil {
		return err
	}
	return grants.SaveObjectGrants(rec.ObjectID, v.mirror.Entries(rec.ObjectID))
}

// ApplyRevoke mirrors an accepted revocation and persists the object's
// entry list.
func (v *Vault) ApplyRevoke(ctx context.Context, rec registry.RevokeRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, grants, err := v.stores()
	if err != nil {
		return err
	}

	if err := v.mirror.ApplyRevoke(rec.ObjectID, rec.Principal); err != nil {
		return err
	}
	return grants.SaveObjectGrants(rec.ObjectID, v.mirror.Entries(rec.ObjectID))
}

// RestoreGrants rehydrates the mirror for an object from the
// persistent grant store, used after a restart instead of replaying
// the ledger.
func (v *Vault) RestoreGrants(ctx context.Context, objectID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, grants, err := v.stores()
	if err != nil {
		return err
	}

	entries, err := grants.LoadObjectGrants(objectID)
	if err != nil {
		return err
	}
	v.mirror.LoadEntries(objectID, entries)
	return nil
}

// GrantAccess unwraps the granter's entry of a stored object, rewraps
// the data key for the grantee, applies the grant to the mirror and
// persists it. Blobs are content addressed and immutable, so the
// object is re-stored with the grantee's wrapped key added; the
// ciphertext chunks are shared with the previous version. The returned
// record is what the host submits to the ledger, and the returned id
// addresses the extended object.
func (v *Vault) GrantAccess(ctx context.Context, id blobstore.ContentID, objectID string, granter types.Principal, granterPriv [32]byte, grantee types.Principal, granteePub [32]byte, role types.Role, scope types.Scope, expiresAt time.Time) (registry.GrantRecord, blobstore.ContentID, error) {
	obj, err := v.LoadObject(ctx, id)
	if err != nil {
		return registry.GrantRecord{}, blobstore.ContentID{}, err
	}

	rec, err := v.pipe.GrantAccess(obj, objectID, granter, granterPriv, grantee, granteePub, role, scope, expiresAt)
	if err != nil {
		return registry.GrantRecord{}, blobstore.ContentID{}, err
	}

	if err := v.ApplyGrant(ctx, rec); err != nil {
		return registry.GrantRecord{}, blobstore.ContentID{}, err
	}

	obj.WrappedKeys[grantee.Key()] = rec.Wrapped
	encoded, err := wire.MarshalObject(obj)
	if err != nil {
		return registry.GrantRecord{}, blobstore.ContentID{}, fmt.Errorf("encoding object %s: %w", objectID, err)
	}

	blobs, _, err := v.stores()
	if err != nil {
		return registry.GrantRecord{}, blobstore.ContentID{}, err
	}
	newID, err := blobs.Put(encoded)
	if err != nil {
		return registry.GrantRecord{}, blobstore.ContentID{}, err
	}
	return rec, newID, nil
}
