// Package pipeline orchestrates hybrid encryption of confidential
// content: a fresh data key per object, authenticated sealing of the
// payload, and wrapping of the data key for the owner, every active
// grantee, and (when a committee governs the object) the committee
// public key. Decryption reverses the path for a single caller.
package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ulikunitz/xz"
	"golang.org/x/crypto/blake2b"

	"github.com/i5heu/ouroboros-vault/internal/workerpool"
	"github.com/i5heu/ouroboros-vault/pkg/keywrap"
	"github.com/i5heu/ouroboros-vault/pkg/logging"
	"github.com/i5heu/ouroboros-vault/pkg/primitives"
	"github.com/i5heu/ouroboros-vault/pkg/registry"
	"github.com/i5heu/ouroboros-vault/pkg/types"
)

var (
	// ErrPublicMode is returned when a Public object is pushed through
	// the pipeline; public content is stored as plaintext and never
	// enters here.
	ErrPublicMode    = errors.New("pipeline: public objects bypass the pipeline")
	ErrNotAuthorized = errors.New("pipeline: not authorized")
	ErrHashMismatch  = errors.New("pipeline: content hash mismatch")
)

// Stage names the encrypt state machine states; terminal states are
// Encrypted and Failed. Failures carry the stage in their message.
type Stage uint8

const (
	StageGeneratingKey Stage = iota
	StageSealing
	StageWrapping
	StageEncrypted
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageGeneratingKey:
		return "GeneratingKey"
	case StageSealing:
		return "Sealing"
	case StageWrapping:
		return "Wrapping"
	case StageEncrypted:
		return "Encrypted"
	case StageFailed:
		return "Failed"
	}
	return "Unknown"
}

// CommitteeResolver is the optional registry surface for objects
// governed by a committee.
type CommitteeResolver interface {
	Committee(objectID string) (types.CommitteePolicy, error)
}

// Config configures a Pipeline. Registry is required; everything else
// has defaults.
type Config struct {
	Registry registry.Registry
	Wrapper  keywrap.Wrapper
	Pool     *workerpool.Pool
	Logger   *slog.Logger
	Clock    registry.Clock
	// Compress enables xz compression of the plaintext before
	// sealing. Recorded in metadata and reversed on decrypt.
	Compress bool
}

// Pipeline is stateless across calls; it is safe to share between
// goroutines encrypting unrelated objects.
type Pipeline struct {
	reg      registry.Registry
	wrapper  keywrap.Wrapper
	pool     *workerpool.Pool
	log      *slog.Logger
	clock    registry.Clock
	compress bool
}

// New creates a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("pipeline: registry is required")
	}
	if cfg.Wrapper == nil {
		cfg.Wrapper = keywrap.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger(slog.LevelInfo)
	}
	if cfg.Clock == nil {
		cfg.Clock = registry.SystemClock()
	}
	return &Pipeline{
		reg:      cfg.Registry,
		wrapper:  cfg.Wrapper,
		pool:     cfg.Pool,
		log:      cfg.Logger,
		clock:    cfg.Clock,
		compress: cfg.Compress,
	}, nil
}

// EncryptRequest carries one object through the pipeline.
type EncryptRequest struct {
	ObjectID       string
	Payload        []byte
	Mode           types.PrivacyMode
	OwnerPublicKey [32]byte
	ContentType    string
	// Encryptor is the account identity recorded in metadata.
	Encryptor string
}

// Encrypt runs the state machine: GeneratingKey -> Sealing ->
// Wrapping -> Encrypted. Any failure wipes the data key and surfaces
// as Failed with the failing stage in the error.
func (p *Pipeline) Encrypt(req EncryptRequest) (*types.EncryptedObject, error) {
	if req.Mode == types.ModePublic {
		return nil, ErrPublicMode
	}

	dataKey, err := primitives.NewDataKey()
	if err != nil {
		return nil, p.fail(StageGeneratingKey, err)
	}
	defer primitives.Wipe(dataKey)

	contentHash := blake2b.Sum256(req.Payload)

	plaintext := req.Payload
	compression := ""
	if p.compress {
		compressed, err := xzCompress(req.Payload)
		if err != nil {
			return nil, p.fail(StageSealing, err)
		}
		plaintext = compressed
		compression = "xz"
	}

	nonce, err := primitives.NewNonce()
	if err != nil {
		return nil, p.fail(StageSealing, err)
	}
	ciphertext, err := primitives.Seal(dataKey, nonce, plaintext)
	if err != nil {
		return nil, p.fail(StageSealing, err)
	}

	wrapped, err := p.wrapForRecipients(req, dataKey)
	if err != nil {
		return nil, p.fail(StageWrapping, err)
	}

	obj := &types.EncryptedObject{
		Version:     2,
		Nonce:       nonce,
		Ciphertext:  ciphertext,
		ContentHash: contentHash,
		WrappedKeys: wrapped,
		Metadata: types.ObjectMetadata{
			ContentType:  req.ContentType,
			OriginalSize: uint64(len(req.Payload)),
			CreatedAt:    p.clock.Now().Unix(),
			Encryptor:    req.Encryptor,
			Compression:  compression,
		},
	}

	p.log.Debug("object encrypted",
		"object", req.ObjectID,
		"stage", StageEncrypted.String(),
		"mode", req.Mode.String(),
		"recipients", len(wrapped),
	)
	return obj, nil
}

func (p *Pipeline) fail(stage Stage, err error) error {
	return fmt.Errorf("pipeline: stage %s: %w", stage, err)
}

// wrapForRecipients wraps the data key for the owner and, in
// Authorized mode, for every currently active grantee plus the
// committee public key when a committee governs the object.
func (p *Pipeline) wrapForRecipients(req EncryptRequest, dataKey []byte) (map[string]types.WrappedKey, error) {
	wrapped := make(map[string]types.WrappedKey)

	ownerWrap, err := p.wrapper.WrapFor(dataKey, req.OwnerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("wrapping for owner: %w", err)
	}
	wrapped[types.OwnerPrincipal().Key()] = ownerWrap

	if req.Mode != types.ModeAuthorized {
		return wrapped, nil
	}

	grants, err := p.reg.ListActiveGrants(req.ObjectID)
	if err != nil {
		return nil, fmt.Errorf("listing grants: %w", err)
	}

	type target struct {
		key string
		pub [32]byte
	}
	var targets []target
	for _, g := range grants {
		if g.Grantee.Kind != types.KindIndividual {
			continue
		}
		pub, ok := p.reg.GetPublicKey(g.Grantee)
		if !ok {
			return nil, fmt.Errorf("%w for grantee %s", registry.ErrUnknownKey, g.Grantee)
		}
		targets = append(targets, target{key: g.Grantee.Key(), pub: pub})
	}

	if cr, ok := p.reg.(CommitteeResolver); ok {
		policy, err := cr.Committee(req.ObjectID)
		if err == nil {
			targets = append(targets, target{
				key: types.CommitteePrincipal().Key(),
				pub: policy.PublicKey,
			})
		} else if !errors.Is(err, registry.ErrNoCommittee) {
			return nil, fmt.Errorf("resolving committee: %w", err)
		}
	}

	type result struct {
		key string
		wk  types.WrappedKey
		err error
	}

	if p.pool != nil && len(targets) > 1 {
		room := p.pool.CreateRoom(len(targets))
		for _, tg := range targets {
			tg := tg
			room.Submit(func() interface{} {
				wk, err := p.wrapper.WrapFor(dataKey, tg.pub)
				return result{key: tg.key, wk: wk, err: err}
			})
		}
		for _, r := range room.Wait() {
			res := r.(result)
			if res.err != nil {
				return nil, fmt.Errorf("wrapping for %s: %w", res.key, res.err)
			}
			wrapped[res.key] = res.wk
		}
		return wrapped, nil
	}

	for _, tg := range targets {
		wk, err := p.wrapper.WrapFor(dataKey, tg.pub)
		if err != nil {
			return nil, fmt.Errorf("wrapping for %s: %w", tg.key, err)
		}
		wrapped[tg.key] = wk
	}
	return wrapped, nil
}

// Decrypt resolves the caller's wrapped-key entry, checks the
// authorization registry, unwraps, opens and verifies the content
// hash. It is a single synchronous call with no persisted
// intermediate state.
func (p *Pipeline) Decrypt(obj *types.EncryptedObject, objectID string, caller types.Principal, priv [32]byte) ([]byte, error) {
	switch caller.Kind {
	case types.KindOwner:
		// The owner's entry is wrapped unconditionally and never
		// revocable.
	case types.KindIndividual:
		if !p.hasValidGrant(objectID, caller) {
			return nil, fmt.Errorf("%w: %s on %s", ErrNotAuthorized, caller, objectID)
		}
	case types.KindCommittee:
		return nil, fmt.Errorf("%w: committee entries decrypt via the collaborative protocol", ErrNotAuthorized)
	}

	return p.DecryptEntry(obj, caller, priv)
}

// DecryptEntry unwraps the given principal's entry and opens the
// object without consulting the registry. Callers must have
// established authorization already; the collaborative decryption
// protocol uses this after verifying committee membership.
func (p *Pipeline) DecryptEntry(obj *types.EncryptedObject, entry types.Principal, priv [32]byte) ([]byte, error) {
	wk, ok := obj.WrappedKeyFor(entry)
	if !ok {
		return nil, fmt.Errorf("%w: no wrapped key for %s", ErrNotAuthorized, entry)
	}

	dataKey, err := p.wrapper.UnwrapFor(wk, priv)
	if err != nil {
		return nil, fmt.Errorf("unwrapping data key: %w", err)
	}
	defer primitives.Wipe(dataKey)

	plaintext, err := primitives.Open(dataKey, obj.Nonce, obj.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("opening ciphertext: %w", err)
	}

	if obj.Metadata.Compression == "xz" {
		plaintext, err = xzDecompress(plaintext)
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
	}

	// The cipher authenticates the ciphertext; the content hash
	// additionally pins the plaintext against a substituted object
	// whose key the caller happens to hold.
	if blake2b.Sum256(plaintext) != obj.ContentHash {
		return nil, ErrHashMismatch
	}
	return plaintext, nil
}

// hasValidGrant reports whether the caller holds a currently valid
// grant whose scope permits reading. A WriteOnly grant authorizes
// submitting content, not opening it.
func (p *Pipeline) hasValidGrant(objectID string, caller types.Principal) bool {
	grants, err := p.reg.ListActiveGrants(objectID)
	if err != nil {
		return false
	}
	for _, g := range grants {
		if g.Grantee == caller && g.Scope != types.ScopeWriteOnly {
			return true
		}
	}
	return false
}

// GrantAccess unwraps the granter's own entry and rewraps the data
// key for a new grantee, returning the grant record for the caller's
// ledger layer. The object ciphertext is untouched.
func (p *Pipeline) GrantAccess(obj *types.EncryptedObject, objectID string, granter types.Principal, granterPriv [32]byte, grantee types.Principal, granteePub [32]byte, role types.Role, scope types.Scope, expiresAt time.Time) (registry.GrantRecord, error) {
	wk, ok := obj.WrappedKeyFor(granter)
	if !ok {
		return registry.GrantRecord{}, fmt.Errorf("%w: no wrapped key for %s", ErrNotAuthorized, granter)
	}

	dataKey, err := p.wrapper.UnwrapFor(wk, granterPriv)
	if err != nil {
		return registry.GrantRecord{}, fmt.Errorf("unwrapping granter key: %w", err)
	}
	defer primitives.Wipe(dataKey)

	rewrapped, err := p.wrapper.Rewrap(dataKey, granteePub)
	if err != nil {
		return registry.GrantRecord{}, fmt.Errorf("rewrapping for %s: %w", grantee, err)
	}

	return registry.NewGrantRecord(objectID, grantee, rewrapped, role, scope, p.clock.Now(), expiresAt), nil
}

func xzCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func xzDecompress(data []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
