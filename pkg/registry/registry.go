// Package registry mirrors authorization records from the external
// ledger and answers validity queries over them. It has no mutation
// authority of its own: grants and revocations are applied to the
// mirror after the ledger accepted them, and the Grant/Revoke record
// builders only produce what the caller's transaction layer submits.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-vault/pkg/types"
)

var (
	ErrNotAuthorized  = errors.New("registry: not authorized")
	ErrUnknownKey     = errors.New("registry: no public key for principal")
	ErrNoCommittee    = errors.New("registry: no committee policy for object")
	ErrOwnerImmutable = errors.New("registry: owner grant cannot be revoked")
)

// Registry is the read surface the pipeline consumes.
type Registry interface {
	ListActiveGrants(objectID string) ([]types.AuthorizationEntry, error)
	GetPublicKey(p types.Principal) ([32]byte, bool)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

// SystemClock returns the wall clock.
func SystemClock() Clock {
	return realClock{}
}

// Mirror is the in-memory query representation of ledger grant
// records. It is the only mutable state in the subsystem and guards
// itself; everything downstream of it is pure.
type Mirror struct {
	mu         sync.RWMutex
	grants     map[string][]types.AuthorizationEntry // objectID -> entries
	keys       map[string][32]byte                   // principal key -> public key
	committees map[string]types.CommitteePolicy      // objectID -> policy
	clock      Clock
}

// NewMirror creates an empty mirror with the real clock.
func NewMirror() *Mirror {
	return NewMirrorWithClock(realClock{})
}

// NewMirrorWithClock creates an empty mirror with an injected clock.
func NewMirrorWithClock(clock Clock) *Mirror {
	return &Mirror{
		grants:     make(map[string][]types.AuthorizationEntry),
		keys:       make(map[string][32]byte),
		committees: make(map[string]types.CommitteePolicy),
		clock:      clock,
	}
}

// RegisterPublicKey records a principal's public key as published on
// the ledger.
func (m *Mirror) RegisterPublicKey(p types.Principal, pub [32]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[p.Key()] = pub
}

// GetPublicKey returns the registered public key for a principal.
func (m *Mirror) GetPublicKey(p types.Principal) ([32]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pub, ok := m.keys[p.Key()]
	return pub, ok
}

// ApplyGrant mirrors an accepted grant. The (object, grantee)
// invariant holds: a new active entry deactivates any previous active
// entry for the same grantee instead of coexisting with it.
func (m *Mirror) ApplyGrant(objectID string, e types.AuthorizationEntry) error {
	if objectID == "" {
		return fmt.Errorf("registry: empty object id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.grants[objectID]
	for i := range entries {
		if entries[i].Grantee == e.Grantee && entries[i].Active {
			entries[i].Active = false
		}
	}
	m.grants[objectID] = append(entries, e)
	return nil
}

// ApplyRevoke mirrors an accepted revocation: the grantee's active
// entry becomes inert. The wrapped key bytes in old object copies are
// untouched; enforcement happens at lookup time.
func (m *Mirror) ApplyRevoke(objectID string, p types.Principal) error {
	if p.Kind == types.KindOwner {
		return ErrOwnerImmutable
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.grants[objectID]
	revoked := false
	for i := range entries {
		if entries[i].Grantee == p && entries[i].Active {
			entries[i].Active = false
			revoked = true
		}
	}
	if !revoked {
		return fmt.Errorf("%w: no active grant for %s on %s", ErrNotAuthorized, p, objectID)
	}
	return nil
}

// ListActiveGrants returns the currently valid entries for an object.
// Expired entries are filtered, not deleted.
func (m *Mirror) ListActiveGrants(objectID string) ([]types.AuthorizationEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock.Now()
	var active []types.AuthorizationEntry
	for _, e := range m.grants[objectID] {
		if e.ValidAt(now) {
			active = append(active, e)
		}
	}
	return active, nil
}

// Entries returns every mirrored entry for an object, active and
// inert, for persistence.
func (m *Mirror) Entries(objectID string) []types.AuthorizationEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]types.AuthorizationEntry, len(m.grants[objectID]))
	copy(entries, m.grants[objectID])
	return entries
}

// LoadEntries replaces the mirrored entry list for an object, used
// when rehydrating the mirror from the persistent store.
func (m *Mirror) LoadEntries(objectID string, entries []types.AuthorizationEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[objectID] = append([]types.AuthorizationEntry(nil), entries...)
}

// HasValidGrant reports whether the principal holds a currently valid
// grant on the object.
func (m *Mirror) HasValidGrant(objectID string, p types.Principal) bool {
	entries, _ := m.ListActiveGrants(objectID)
	for _, e := range entries {
		if e.Grantee == p {
			return true
		}
	}
	return false
}

// SetCommittee records the committee policy governing an object.
func (m *Mirror) SetCommittee(objectID string, policy types.CommitteePolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.committees[objectID] = policy
}

// Committee returns the committee policy for an object.
func (m *Mirror) Committee(objectID string) (types.CommitteePolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	policy, ok := m.committees[objectID]
	if !ok {
		return types.CommitteePolicy{}, ErrNoCommittee
	}
	return policy, nil
}

var _ Registry = (*Mirror)(nil)

// GrantRecord is what the caller's ledger layer submits to grant
// access: the registry entry plus the wrapped key the grantee will
// use. The subsystem never writes the ledger itself.
type GrantRecord struct {
	ObjectID string
	Entry    types.AuthorizationEntry
	Wrapped  types.WrappedKey
}

// RevokeRecord is what the caller's ledger layer submits to revoke
// access.
type RevokeRecord struct {
	ObjectID  string
	Principal types.Principal
}

// NewGrantRecord builds a grant record for submission. expiresAt may
// be the zero time for a grant without expiry.
func NewGrantRecord(objectID string, p types.Principal, wrapped types.WrappedKey, role types.Role, scope types.Scope, grantedAt, expiresAt time.Time) GrantRecord {
	return GrantRecord{
		ObjectID: objectID,
		Entry: types.AuthorizationEntry{
			Grantee:   p,
			Role:      role,
			Scope:     scope,
			GrantedAt: grantedAt,
			ExpiresAt: expiresAt,
			Active:    true,
		},
		Wrapped: wrapped,
	}
}

// NewRevokeRecord builds a revoke record for submission.
func NewRevokeRecord(objectID string, p types.Principal) RevokeRecord {
	return RevokeRecord{ObjectID: objectID, Principal: p}
}
