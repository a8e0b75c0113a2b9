package registry

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"github.com/i5heu/ouroboros-vault/pkg/types"
	"github.com/i5heu/ouroboros-vault/pkg/wire"
)

// StoreConfig configures the persistent mirror store.
type StoreConfig struct {
	Path   string
	Logger *logrus.Logger
}

// Store persists mirrored registry entries in badger so a host can
// restart without replaying the ledger. It holds no authority either;
// it is a cache of what the mirror already accepted.
type Store struct {
	config   StoreConfig
	badgerDB *badger.DB
	log      *logrus.Logger
}

// NewStore opens the badger-backed mirror store.
func NewStore(config StoreConfig) (*Store, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if config.Path == "" {
		return nil, fmt.Errorf("registry: store path is required")
	}

	opts := badger.DefaultOptions(config.Path)
	opts.Logger = nil
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("error opening registry store: %w", err)
	}

	return &Store{
		config:   config,
		badgerDB: db,
		log:      config.Logger,
	}, nil
}

// Object IDs are arbitrary caller strings and may contain the key
// separator, so keys embed the fixed-length hash of the ID instead of
// the ID itself. Otherwise the prefix scan for object "a" would also
// match object "a/b".
func grantPrefix(objectID string) []byte {
	id := blake2b.Sum256([]byte(objectID))
	return []byte(fmt.Sprintf("grant/%x/", id))
}

func grantKey(objectID string, seq int) []byte {
	return append(grantPrefix(objectID), []byte(fmt.Sprintf("%08d", seq))...)
}

// SaveObjectGrants replaces the persisted entry list for an object.
func (s *Store) SaveObjectGrants(objectID string, entries []types.AuthorizationEntry) error {
	err := s.badgerDB.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := grantPrefix(objectID)
		var stale [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}

		for i, e := range entries {
			if err := txn.Set(grantKey(objectID, i), wire.MarshalEntry(e)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("error saving grants for %s: %w", objectID, err)
	}

	s.log.WithFields(logrus.Fields{
		"object":  objectID,
		"entries": len(entries),
	}).Debug("persisted mirrored grants")
	return nil
}

// LoadObjectGrants reads the persisted entry list for an object.
func (s *Store) LoadObjectGrants(objectID string) ([]types.AuthorizationEntry, error) {
	var entries []types.AuthorizationEntry
	err := s.badgerDB.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := grantPrefix(objectID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				e, err := wire.UnmarshalEntry(val)
				if err != nil {
					return err
				}
				entries = append(entries, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error loading grants for %s: %w", objectID, err)
	}
	return entries, nil
}

// Close closes the underlying badger database.
func (s *Store) Close() error {
	return s.badgerDB.Close()
}
