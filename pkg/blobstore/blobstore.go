// Package blobstore persists opaque encrypted payloads in a
// content-addressed badger store. Payloads are chunked with a
// content-defined rolling hash so re-uploads of slightly changed
// ciphertexts share unchanged chunks; the store never sees plaintext.
package blobstore

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	chunker "github.com/ipfs/boxo/chunker"
	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// ContentID addresses a stored blob by the BLAKE2b-256 hash of its
// full content.
type ContentID [32]byte

func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

var (
	ErrNotFound     = fmt.Errorf("blobstore: blob not found")
	ErrCorruptBlob  = fmt.Errorf("blobstore: reassembled blob does not match its content id")
	ErrNotEnoughGBs = fmt.Errorf("blobstore: not enough free space on disk")
)

const (
	chunkPrefix    = "c/"
	manifestPrefix = "m/"
	hashSize       = 32
)

type StoreConfig struct {
	Path string
	// MinimumFreeGB refuses to open the store when the volume holding
	// Path has less free space, in gigabytes.
	MinimumFreeGB int
	Logger        *logrus.Logger
}

type Store struct {
	config       StoreConfig
	badgerDB     *badger.DB
	log          *logrus.Logger
	readCounter  uint64
	writeCounter uint64
}

// NewStore opens (or creates) the blob store at the configured path.
func NewStore(config StoreConfig) (*Store, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	if err := checkConfig(config); err != nil {
		return nil, fmt.Errorf("error checking config for blobstore: %w", err)
	}

	opts := badger.DefaultOptions(config.Path)
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("error opening blobstore at %s: %w", config.Path, err)
	}

	store := &Store{
		config:   config,
		badgerDB: db,
		log:      config.Logger,
	}
	store.logDiskUsage()
	return store, nil
}

func checkConfig(config StoreConfig) error {
	if config.Path == "" {
		return fmt.Errorf("no path provided in configuration")
	}

	info, err := os.Stat(config.Path)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(config.Path, 0o700); err != nil {
			return fmt.Errorf("creating blobstore path: %w", err)
		}
	} else if err != nil {
		return err
	} else if !info.IsDir() {
		return fmt.Errorf("path is not a directory")
	}

	if config.MinimumFreeGB > 0 {
		usage, err := disk.Usage(config.Path)
		if err != nil {
			return fmt.Errorf("reading disk usage for %s: %w", config.Path, err)
		}
		freeGB := usage.Free / (1024 * 1024 * 1024)
		if int(freeGB) < config.MinimumFreeGB {
			return fmt.Errorf("%w: %d GB free, %d GB required", ErrNotEnoughGBs, freeGB, config.MinimumFreeGB)
		}
	}
	return nil
}

func (s *Store) logDiskUsage() {
	usage, err := disk.Usage(s.config.Path)
	if err != nil {
		s.log.WithField("path", s.config.Path).Warnf("could not read disk usage: %v", err)
		return
	}
	s.log.WithFields(logrus.Fields{
		"path":       s.config.Path,
		"total (GB)": fmt.Sprintf("%.2f", float64(usage.Total)/1e9),
		"free (GB)":  fmt.Sprintf("%.2f", float64(usage.Free)/1e9),
	}).Info("blobstore disk usage")
}

// Put chunks the blob, writes any chunks the store does not already
// hold, writes the manifest and returns the blob's content id. Putting
// the same content twice is idempotent.
func (s *Store) Put(data []byte) (ContentID, error) {
	id := ContentID(blake2b.Sum256(data))

	bz := chunker.NewBuzhash(bytes.NewReader(data))
	var manifest []byte
	var chunks [][]byte
	var hashes [][]byte
	for {
		chunk, err := bz.NextBytes()
		if err == io.EOF {
			break
		}
		if err != nil {
			return ContentID{}, fmt.Errorf("error chunking blob: %w", err)
		}
		h := blake2b.Sum256(chunk)
		manifest = append(manifest, h[:]...)
		chunks = append(chunks, chunk)
		hashes = append(hashes, h[:])
	}

	existing, err := s.batchCheckExistence(hashes)
	if err != nil {
		return ContentID{}, fmt.Errorf("error checking chunk existence: %w", err)
	}

	wb := s.badgerDB.NewWriteBatch()
	defer wb.Cancel()
	written := 0
	for i, chunk := range chunks {
		if existing[string(hashes[i])] {
			continue
		}
		atomic.AddUint64(&s.writeCounter, 1)
		if err := wb.Set(chunkKey(hashes[i]), chunk); err != nil {
			return ContentID{}, fmt.Errorf("error writing chunk: %w", err)
		}
		written++
	}
	atomic.AddUint64(&s.writeCounter, 1)
	if err := wb.Set(manifestKey(id), manifest); err != nil {
		return ContentID{}, fmt.Errorf("error writing manifest: %w", err)
	}
	if err := wb.Flush(); err != nil {
		return ContentID{}, fmt.Errorf("error flushing blob write: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"blob":       id.String(),
		"chunks":     len(chunks),
		"new chunks": written,
		"size":       len(data),
	}).Debug("blob stored")
	return id, nil
}

func (s *Store) batchCheckExistence(keys [][]byte) (map[string]bool, error) {
	existsMap := make(map[string]bool)
	err := s.badgerDB.View(func(txn *badger.Txn) error {
		for _, key := range keys {
			atomic.AddUint64(&s.readCounter, 1)
			_, err := txn.Get(chunkKey(key))
			if err == badger.ErrKeyNotFound {
				existsMap[string(key)] = false
				continue
			}
			if err != nil {
				return err
			}
			existsMap[string(key)] = true
		}
		return nil
	})
	return existsMap, err
}

// Get reassembles a blob from its manifest and verifies the result
// against the content id before returning it.
func (s *Store) Get(id ContentID) ([]byte, error) {
	var data []byte
	err := s.badgerDB.View(func(txn *badger.Txn) error {
		atomic.AddUint64(&s.readCounter, 1)
		item, err := txn.Get(manifestKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		manifest, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if len(manifest)%hashSize != 0 {
			return fmt.Errorf("blobstore: malformed manifest for %s", id)
		}

		for off := 0; off < len(manifest); off += hashSize {
			atomic.AddUint64(&s.readCounter, 1)
			chunkItem, err := txn.Get(chunkKey(manifest[off : off+hashSize]))
			if err == badger.ErrKeyNotFound {
				return fmt.Errorf("%w: missing chunk for %s", ErrCorruptBlob, id)
			}
			if err != nil {
				return err
			}
			chunk, err := chunkItem.ValueCopy(nil)
			if err != nil {
				return err
			}
			data = append(data, chunk...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if blake2b.Sum256(data) != [32]byte(id) {
		return nil, fmt.Errorf("%w: %s", ErrCorruptBlob, id)
	}
	return data, nil
}

// Has reports whether the store holds a manifest for the blob. It does
// not verify chunk presence.
func (s *Store) Has(id ContentID) (bool, error) {
	err := s.badgerDB.View(func(txn *badger.Txn) error {
		atomic.AddUint64(&s.readCounter, 1)
		_, err := txn.Get(manifestKey(id))
		return err
	})
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the blob's manifest. Chunks are left in place since
// they may be shared with other blobs.
func (s *Store) Delete(id ContentID) error {
	return s.badgerDB.Update(func(txn *badger.Txn) error {
		atomic.AddUint64(&s.writeCounter, 1)
		return txn.Delete(manifestKey(id))
	})
}

// Counters returns the cumulative read and write operation counts.
func (s *Store) Counters() (reads, writes uint64) {
	return atomic.LoadUint64(&s.readCounter), atomic.LoadUint64(&s.writeCounter)
}

func (s *Store) Close() error {
	if err := s.badgerDB.Sync(); err != nil {
		s.log.Warnf("error syncing blobstore: %v", err)
	}
	return s.badgerDB.Close()
}

func chunkKey(hash []byte) []byte {
	return append([]byte(chunkPrefix), hash...)
}

func manifestKey(id ContentID) []byte {
	return append([]byte(manifestPrefix), id[:]...)
}
