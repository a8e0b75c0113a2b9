// Package committee implements threshold-governed objects: a shared
// committee key is split into per-member shares at committee creation,
// and decryption requires a coordinator plus enough cooperating
// members to reconstruct the key. The shared key itself never rotates;
// membership changes only move share custody.
package committee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/curve25519"

	"github.com/i5heu/ouroboros-vault/pkg/logging"
	"github.com/i5heu/ouroboros-vault/pkg/pipeline"
	"github.com/i5heu/ouroboros-vault/pkg/primitives"
	"github.com/i5heu/ouroboros-vault/pkg/threshold"
	"github.com/i5heu/ouroboros-vault/pkg/types"
	"github.com/i5heu/ouroboros-vault/pkg/wire"
)

var (
	ErrNotAuthorized = errors.New("committee: caller is not a committee member")
	// ErrCollectionTimeout is returned when the coordinator could not
	// gather enough member shares before the deadline.
	ErrCollectionTimeout = errors.New("committee: share collection timed out")
	ErrInvalidMembers    = errors.New("committee: invalid member set")
)

// DefaultCollectionTimeout bounds how long a coordinator waits for
// member shares when the caller's context carries no deadline.
const DefaultCollectionTimeout = 30 * time.Second

// NewCommittee generates a fresh shared key, derives the committee
// public key the encryption pipeline wraps data keys to, splits the
// shared key into one share per member with threshold k, and seals
// each share to its member's public key. The cleartext shared key and
// shares are wiped before returning; only the policy and the sealed
// shares survive.
func NewCommittee(memberPubs map[string][32]byte, k uint8) (types.CommitteePolicy, map[string]types.WrappedKey, error) {
	n := len(memberPubs)
	if n == 0 || n > 255 {
		return types.CommitteePolicy{}, nil, fmt.Errorf("%w: %d members", ErrInvalidMembers, n)
	}

	sharedKey, err := primitives.NewDataKey()
	if err != nil {
		return types.CommitteePolicy{}, nil, fmt.Errorf("generating shared key: %w", err)
	}
	defer primitives.Wipe(sharedKey)

	pub, err := curve25519.X25519(sharedKey, curve25519.Basepoint)
	if err != nil {
		return types.CommitteePolicy{}, nil, fmt.Errorf("deriving committee public key: %w", err)
	}

	shares, err := threshold.Split(sharedKey, uint8(n), k)
	if err != nil {
		return types.CommitteePolicy{}, nil, err
	}
	defer func() {
		for _, s := range shares {
			primitives.Wipe(s.Value)
		}
	}()

	members := make([]string, 0, n)
	for id := range memberPubs {
		members = append(members, id)
	}
	sort.Strings(members)

	sealed := make(map[string]types.WrappedKey, n)
	for i, id := range members {
		payload := wire.MarshalShare(shares[i])
		ephPub, nonce, ct, err := primitives.BoxSeal(payload, memberPubs[id])
		primitives.Wipe(payload)
		if err != nil {
			return types.CommitteePolicy{}, nil, fmt.Errorf("sealing share for %s: %w", id, err)
		}
		sealed[id] = types.WrappedKey{
			EphemeralPublicKey: ephPub,
			Nonce:              nonce,
			Ciphertext:         ct,
		}
	}

	var policyPub [32]byte
	copy(policyPub[:], pub)
	return types.CommitteePolicy{
		Members:   members,
		Threshold: k,
		PublicKey: policyPub,
	}, sealed, nil
}

// RewrapShare transfers share custody from a departing member to a
// successor: the departing member's share is unsealed with their
// private key and resealed to the successor's public key. The shared
// key is untouched, so no object ever needs re-encryption when
// membership changes.
func RewrapShare(sealed types.WrappedKey, memberPriv [32]byte, successorPub [32]byte) (types.WrappedKey, error) {
	payload, err := primitives.BoxOpen(sealed.EphemeralPublicKey, sealed.Nonce, sealed.Ciphertext, memberPriv)
	if err != nil {
		return types.WrappedKey{}, fmt.Errorf("unsealing share: %w", err)
	}
	defer primitives.Wipe(payload)

	ephPub, nonce, ct, err := primitives.BoxSeal(payload, successorPub)
	if err != nil {
		return types.WrappedKey{}, fmt.Errorf("resealing share: %w", err)
	}
	return types.WrappedKey{
		EphemeralPublicKey: ephPub,
		Nonce:              nonce,
		Ciphertext:         ct,
	}, nil
}

// ShareRequest identifies one collection round broadcast to committee
// members.
type ShareRequest struct {
	// ID is unique per collection round so members can correlate and
	// audit contribution requests.
	ID        string
	ObjectID  string
	Requester string
	// Needed is how many additional shares the coordinator requires.
	Needed int
}

// ShareSource delivers other members' shares to a coordinator. The
// transport behind it is the caller's concern; implementations must
// close the channel once no further shares will arrive and must stop
// sending when ctx is done.
type ShareSource interface {
	RequestShares(ctx context.Context, req ShareRequest) (<-chan types.KeyShare, error)
}

// Config configures a Coordinator. Pipeline, Resolver and Source are
// required.
type Config struct {
	Pipeline *pipeline.Pipeline
	Resolver pipeline.CommitteeResolver
	Source   ShareSource
	Logger   *slog.Logger
	// Timeout bounds share collection when the caller's context has no
	// deadline. Zero means DefaultCollectionTimeout.
	Timeout time.Duration
}

// Coordinator runs collaborative decryption rounds on behalf of one
// committee member.
type Coordinator struct {
	pipe     *pipeline.Pipeline
	resolver pipeline.CommitteeResolver
	source   ShareSource
	log      *slog.Logger
	timeout  time.Duration
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Pipeline == nil || cfg.Resolver == nil || cfg.Source == nil {
		return nil, fmt.Errorf("committee: pipeline, resolver and source are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger(slog.LevelInfo)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCollectionTimeout
	}
	return &Coordinator{
		pipe:     cfg.Pipeline,
		resolver: cfg.Resolver,
		source:   cfg.Source,
		log:      cfg.Logger,
		timeout:  cfg.Timeout,
	}, nil
}

// CollaborativeDecrypt reconstructs the committee shared key from the
// caller's own share plus threshold-1 shares collected from other
// members, then opens the object's committee entry with it. Every
// share and the reconstructed key are wiped on all return paths; the
// shared key exists in cleartext only for the duration of this call.
func (c *Coordinator) CollaborativeDecrypt(ctx context.Context, obj *types.EncryptedObject, objectID, member string, memberPriv [32]byte, ownShare types.WrappedKey) ([]byte, error) {
	policy, err := c.resolver.Committee(objectID)
	if err != nil {
		return nil, fmt.Errorf("resolving committee for %s: %w", objectID, err)
	}
	if !policy.HasMember(member) {
		return nil, fmt.Errorf("%w: %s on %s", ErrNotAuthorized, member, objectID)
	}

	payload, err := primitives.BoxOpen(ownShare.EphemeralPublicKey, ownShare.Nonce, ownShare.Ciphertext, memberPriv)
	if err != nil {
		return nil, fmt.Errorf("unsealing own share: %w", err)
	}
	defer primitives.Wipe(payload)

	own, err := wire.UnmarshalShare(payload)
	if err != nil {
		return nil, fmt.Errorf("decoding own share: %w", err)
	}

	shares := []types.KeyShare{own}
	defer func() {
		for _, s := range shares {
			primitives.Wipe(s.Value)
		}
	}()

	needed := int(policy.Threshold) - 1
	if needed > 0 {
		collected, err := c.collect(ctx, objectID, member, own.Index, needed)
		if err != nil {
			return nil, err
		}
		shares = append(shares, collected...)
	}

	sharedKey, err := threshold.Combine(shares)
	if err != nil {
		return nil, fmt.Errorf("reconstructing shared key: %w", err)
	}
	defer primitives.Wipe(sharedKey)

	var priv [32]byte
	copy(priv[:], sharedKey)
	defer primitives.Wipe(priv[:])

	c.log.Debug("committee key reconstructed",
		"object", objectID,
		"coordinator", member,
		"shares", len(shares),
	)
	return c.pipe.DecryptEntry(obj, types.CommitteePrincipal(), priv)
}

// collect gathers needed distinct shares from the source, bounded by
// the caller's context or the configured timeout.
func (c *Coordinator) collect(ctx context.Context, objectID, member string, ownIndex uint8, needed int) ([]types.KeyShare, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req := ShareRequest{
		ID:        uuid.NewString(),
		ObjectID:  objectID,
		Requester: member,
		Needed:    needed,
	}
	ch, err := c.source.RequestShares(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("requesting shares: %w", err)
	}

	seen := map[uint8]bool{ownIndex: true}
	var collected []types.KeyShare
	for len(collected) < needed {
		select {
		case <-ctx.Done():
			for _, s := range collected {
				primitives.Wipe(s.Value)
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: got %d of %d shares", ErrCollectionTimeout, len(collected), needed)
			}
			return nil, ctx.Err()
		case s, ok := <-ch:
			if !ok {
				for _, s := range collected {
					primitives.Wipe(s.Value)
				}
				return nil, fmt.Errorf("%w: source closed with %d of %d shares", ErrCollectionTimeout, len(collected), needed)
			}
			if seen[s.Index] {
				continue
			}
			seen[s.Index] = true
			// Copy into a coordinator-owned buffer: the source keeps
			// ownership of its slice and may reuse it for retransmits,
			// so only the copies are ever wiped here.
			collected = append(collected, types.KeyShare{
				Index: s.Index,
				Value: append([]byte(nil), s.Value...),
			})
		}
	}
	return collected, nil
}
