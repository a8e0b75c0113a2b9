// Package types contains the shared data model of ouroboros-vault:
// principals, roles, authorization entries, wrapped keys, key shares
// and the durable encrypted object.
package types

import (
	"fmt"
	"time"
)

// Role is the closed set of grantee roles a registry entry can carry.
type Role uint8

const (
	RoleOwner Role = iota
	RoleFamilyMember
	RoleReviewer
	RoleAutomatedAgent
	RoleBountyAnswerer
)

func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "Owner"
	case RoleFamilyMember:
		return "FamilyMember"
	case RoleReviewer:
		return "Reviewer"
	case RoleAutomatedAgent:
		return "AutomatedAgent"
	case RoleBountyAnswerer:
		return "BountyAnswerer"
	}
	return "Unknown"
}

// Scope is the access scope of an authorization entry.
type Scope uint8

const (
	ScopeReadOnly Scope = iota
	ScopeWriteOnly
	ScopeFullAccess
)

func (s Scope) String() string {
	switch s {
	case ScopeReadOnly:
		return "ReadOnly"
	case ScopeWriteOnly:
		return "WriteOnly"
	case ScopeFullAccess:
		return "FullAccess"
	}
	return "Unknown"
}

// PrivacyMode selects how an object is protected.
// Public objects bypass the pipeline entirely.
type PrivacyMode uint8

const (
	ModePublic PrivacyMode = iota
	ModePrivate
	ModeAuthorized
)

func (m PrivacyMode) String() string {
	switch m {
	case ModePublic:
		return "Public"
	case ModePrivate:
		return "Private"
	case ModeAuthorized:
		return "Authorized"
	}
	return "Unknown"
}

// PrincipalKind discriminates the Principal variant.
type PrincipalKind uint8

const (
	KindOwner PrincipalKind = iota
	KindIndividual
	KindCommittee
)

// Principal is a closed tagged variant identifying who a wrapped key
// or grant is addressed to: the object owner, a named individual, or
// the committee as a whole. ID is only set for individuals.
type Principal struct {
	Kind PrincipalKind
	ID   string
}

func OwnerPrincipal() Principal {
	return Principal{Kind: KindOwner}
}

func IndividualPrincipal(id string) Principal {
	return Principal{Kind: KindIndividual, ID: id}
}

func CommitteePrincipal() Principal {
	return Principal{Kind: KindCommittee}
}

// Key returns the stable map key used for wrapped_keys entries.
func (p Principal) Key() string {
	switch p.Kind {
	case KindOwner:
		return "owner"
	case KindCommittee:
		return "committee"
	case KindIndividual:
		return "id:" + p.ID
	}
	return "unknown"
}

func (p Principal) String() string {
	if p.Kind == KindIndividual {
		return fmt.Sprintf("Individual(%s)", p.ID)
	}
	return p.Key()
}

// PrincipalFromKey parses a wrapped_keys map key back into a Principal.
func PrincipalFromKey(key string) (Principal, error) {
	switch {
	case key == "owner":
		return OwnerPrincipal(), nil
	case key == "committee":
		return CommitteePrincipal(), nil
	case len(key) > 3 && key[:3] == "id:":
		return IndividualPrincipal(key[3:]), nil
	}
	return Principal{}, fmt.Errorf("invalid principal key %q", key)
}

// WrappedKey is a DataKey (or key share) asymmetrically sealed to one
// recipient's public key with a fresh ephemeral keypair.
type WrappedKey struct {
	EphemeralPublicKey [32]byte
	Nonce              [24]byte
	Ciphertext         []byte
}

// KeyShare is one share of a threshold-split secret. Index is the
// 1-based evaluation point of the sharing polynomial.
type KeyShare struct {
	Index uint8
	Value []byte
}

// ObjectMetadata travels alongside the ciphertext. It is covered by
// the object's content hash, not by the cipher itself.
type ObjectMetadata struct {
	ContentType  string
	OriginalSize uint64
	CreatedAt    int64 // unix seconds
	Encryptor    string
	Compression  string // "" or "xz"
}

// EncryptedObject is the immutable durable artifact. Authorization
// changes never touch Ciphertext; they only add or revoke wrapped-key
// entries and registry records.
type EncryptedObject struct {
	Version     uint8
	Nonce       [24]byte
	Ciphertext  []byte
	ContentHash [32]byte // blake2b-256 over the plaintext
	WrappedKeys map[string]WrappedKey
	Metadata    ObjectMetadata
}

// WrappedKeyFor resolves the wrapped-key entry for a principal.
func (o *EncryptedObject) WrappedKeyFor(p Principal) (WrappedKey, bool) {
	wk, ok := o.WrappedKeys[p.Key()]
	return wk, ok
}

// AuthorizationEntry mirrors one grant record from the external
// ledger. Expiry, once passed, makes the entry inert without deletion.
type AuthorizationEntry struct {
	Grantee   Principal
	Role      Role
	Scope     Scope
	GrantedAt time.Time
	ExpiresAt time.Time // zero means no expiry
	Active    bool
}

// ValidAt reports whether the entry authorizes access at the given
// instant.
func (e AuthorizationEntry) ValidAt(now time.Time) bool {
	if !e.Active {
		return false
	}
	if !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt) {
		return false
	}
	return true
}

// CommitteePolicy describes a committee: its member principal IDs, the
// reconstruction threshold, and the committee public key objects are
// wrapped to. The underlying shared key is split once at formation and
// never rotated; membership churn only re-wraps shares.
type CommitteePolicy struct {
	Members   []string
	Threshold uint8
	PublicKey [32]byte
}

// HasMember reports whether the principal ID is a current member.
func (c CommitteePolicy) HasMember(id string) bool {
	for _, m := range c.Members {
		if m == id {
			return true
		}
	}
	return false
}
