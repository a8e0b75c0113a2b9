// Package wire is the versioned serialization of the durable vault
// artifacts: encrypted objects, wrapped keys, key shares and mirrored
// registry entries.
//
// Fields are protowire length-delimited records, so framing mistakes
// surface as decode errors instead of silent offset bugs. Unknown
// fields are skipped on read, which lets future versions add fields
// without breaking old readers.
package wire

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/i5heu/ouroboros-vault/pkg/types"
)

// ObjectVersion is the current encrypted-object format version. The
// dapp's JSON "2.0" objects carried the same field content; version 2
// here is the protowire framing of it.
const ObjectVersion = 2

var (
	ErrTruncated          = errors.New("wire: truncated payload")
	ErrUnsupportedVersion = errors.New("wire: unsupported format version")
)

// Encrypted object field numbers.
const (
	objFieldVersion     = 1
	objFieldNonce       = 2
	objFieldCiphertext  = 3
	objFieldContentHash = 4
	objFieldWrappedKey  = 5 // repeated wrappedEntry
	objFieldMetadata    = 6
)

// Wrapped-key entry field numbers (principal key + WrappedKey).
const (
	wkFieldPrincipal = 1
	wkFieldEphPub    = 2
	wkFieldNonce     = 3
	wkFieldCipher    = 4
)

// Metadata field numbers.
const (
	metaFieldContentType  = 1
	metaFieldOriginalSize = 2
	metaFieldCreatedAt    = 3
	metaFieldEncryptor    = 4
	metaFieldCompression  = 5
)

// Key-share field numbers.
const (
	shareFieldIndex = 1
	shareFieldValue = 2
)

// Authorization entry field numbers.
const (
	authFieldPrincipal = 1
	authFieldRole      = 2
	authFieldScope     = 3
	authFieldGrantedAt = 4
	authFieldExpiresAt = 5
	authFieldActive    = 6
)

// MarshalObject serializes an EncryptedObject into its canonical wire
// form. Wrapped-key entries are emitted in sorted principal order so
// equal objects marshal to equal bytes.
func MarshalObject(o *types.EncryptedObject) ([]byte, error) {
	if o == nil {
		return nil, errors.New("wire: object must not be nil")
	}

	var buf []byte
	buf = protowire.AppendTag(buf, objFieldVersion, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(o.Version))
	buf = protowire.AppendTag(buf, objFieldNonce, protowire.BytesType)
	buf = protowire.AppendBytes(buf, o.Nonce[:])
	buf = protowire.AppendTag(buf, objFieldCiphertext, protowire.BytesType)
	buf = protowire.AppendBytes(buf, o.Ciphertext)
	buf = protowire.AppendTag(buf, objFieldContentHash, protowire.BytesType)
	buf = protowire.AppendBytes(buf, o.ContentHash[:])

	for _, principal := range sortedKeys(o.WrappedKeys) {
		entry := marshalWrappedEntry(principal, o.WrappedKeys[principal])
		buf = protowire.AppendTag(buf, objFieldWrappedKey, protowire.BytesType)
		buf = protowire.AppendBytes(buf, entry)
	}

	buf = protowire.AppendTag(buf, objFieldMetadata, protowire.BytesType)
	buf = protowire.AppendBytes(buf, marshalMetadata(o.Metadata))
	return buf, nil
}

// UnmarshalObject parses a canonical object payload.
func UnmarshalObject(data []byte) (*types.EncryptedObject, error) {
	obj := &types.EncryptedObject{
		WrappedKeys: make(map[string]types.WrappedKey),
	}
	seenVersion := false

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, ErrTruncated
		}
		data = data[n:]

		switch num {
		case objFieldVersion:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return nil, fmt.Errorf("read version: %w", err)
			}
			data = data[n:]
			if v != ObjectVersion {
				return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
			}
			obj.Version = uint8(v)
			seenVersion = true
		case objFieldNonce:
			b, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, fmt.Errorf("read nonce: %w", err)
			}
			data = data[n:]
			if len(b) != len(obj.Nonce) {
				return nil, fmt.Errorf("wire: nonce length %d", len(b))
			}
			copy(obj.Nonce[:], b)
		case objFieldCiphertext:
			b, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, fmt.Errorf("read ciphertext: %w", err)
			}
			data = data[n:]
			obj.Ciphertext = append([]byte(nil), b...)
		case objFieldContentHash:
			b, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, fmt.Errorf("read content hash: %w", err)
			}
			data = data[n:]
			if len(b) != len(obj.ContentHash) {
				return nil, fmt.Errorf("wire: content hash length %d", len(b))
			}
			copy(obj.ContentHash[:], b)
		case objFieldWrappedKey:
			b, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, fmt.Errorf("read wrapped key: %w", err)
			}
			data = data[n:]
			principal, wk, err := unmarshalWrappedEntry(b)
			if err != nil {
				return nil, err
			}
			obj.WrappedKeys[principal] = wk
		case objFieldMetadata:
			b, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, fmt.Errorf("read metadata: %w", err)
			}
			data = data[n:]
			meta, err := unmarshalMetadata(b)
			if err != nil {
				return nil, err
			}
			obj.Metadata = meta
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, ErrTruncated
			}
			data = data[n:]
		}
	}

	if !seenVersion {
		return nil, fmt.Errorf("%w: version field missing", ErrUnsupportedVersion)
	}
	return obj, nil
}

func marshalWrappedEntry(principal string, wk types.WrappedKey) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, wkFieldPrincipal, protowire.BytesType)
	buf = protowire.AppendString(buf, principal)
	buf = protowire.AppendTag(buf, wkFieldEphPub, protowire.BytesType)
	buf = protowire.AppendBytes(buf, wk.EphemeralPublicKey[:])
	buf = protowire.AppendTag(buf, wkFieldNonce, protowire.BytesType)
	buf = protowire.AppendBytes(buf, wk.Nonce[:])
	buf = protowire.AppendTag(buf, wkFieldCipher, protowire.BytesType)
	buf = protowire.AppendBytes(buf, wk.Ciphertext)
	return buf
}

func unmarshalWrappedEntry(data []byte) (string, types.WrappedKey, error) {
	var principal string
	var wk types.WrappedKey

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", wk, ErrTruncated
		}
		data = data[n:]

		b, n, err := consumeBytes(data, typ)
		if err != nil {
			return "", wk, fmt.Errorf("read wrapped entry field %d: %w", num, err)
		}
		data = data[n:]

		switch num {
		case wkFieldPrincipal:
			principal = string(b)
		case wkFieldEphPub:
			if len(b) != len(wk.EphemeralPublicKey) {
				return "", wk, fmt.Errorf("wire: ephemeral key length %d", len(b))
			}
			copy(wk.EphemeralPublicKey[:], b)
		case wkFieldNonce:
			if len(b) != len(wk.Nonce) {
				return "", wk, fmt.Errorf("wire: wrap nonce length %d", len(b))
			}
			copy(wk.Nonce[:], b)
		case wkFieldCipher:
			wk.Ciphertext = append([]byte(nil), b...)
		}
	}

	if principal == "" {
		return "", wk, errors.New("wire: wrapped entry missing principal")
	}
	if _, err := types.PrincipalFromKey(principal); err != nil {
		return "", wk, fmt.Errorf("wire: %w", err)
	}
	return principal, wk, nil
}

func marshalMetadata(m types.ObjectMetadata) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, metaFieldContentType, protowire.BytesType)
	buf = protowire.AppendString(buf, m.ContentType)
	buf = protowire.AppendTag(buf, metaFieldOriginalSize, protowire.VarintType)
	buf = protowire.AppendVarint(buf, m.OriginalSize)
	buf = protowire.AppendTag(buf, metaFieldCreatedAt, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.CreatedAt))
	buf = protowire.AppendTag(buf, metaFieldEncryptor, protowire.BytesType)
	buf = protowire.AppendString(buf, m.Encryptor)
	if m.Compression != "" {
		buf = protowire.AppendTag(buf, metaFieldCompression, protowire.BytesType)
		buf = protowire.AppendString(buf, m.Compression)
	}
	return buf
}

func unmarshalMetadata(data []byte) (types.ObjectMetadata, error) {
	var m types.ObjectMetadata
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return m, ErrTruncated
		}
		data = data[n:]

		switch num {
		case metaFieldOriginalSize, metaFieldCreatedAt:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return m, fmt.Errorf("read metadata field %d: %w", num, err)
			}
			data = data[n:]
			if num == metaFieldOriginalSize {
				m.OriginalSize = v
			} else {
				m.CreatedAt = int64(v)
			}
		default:
			b, n, err := consumeBytes(data, typ)
			if err != nil {
				return m, fmt.Errorf("read metadata field %d: %w", num, err)
			}
			data = data[n:]
			switch num {
			case metaFieldContentType:
				m.ContentType = string(b)
			case metaFieldEncryptor:
				m.Encryptor = string(b)
			case metaFieldCompression:
				m.Compression = string(b)
			}
		}
	}
	return m, nil
}

// MarshalShare serializes a key share.
func MarshalShare(s types.KeyShare) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, shareFieldIndex, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(s.Index))
	buf = protowire.AppendTag(buf, shareFieldValue, protowire.BytesType)
	buf = protowire.AppendBytes(buf, s.Value)
	return buf
}

// UnmarshalShare parses a key share payload.
func UnmarshalShare(data []byte) (types.KeyShare, error) {
	var s types.KeyShare
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return s, ErrTruncated
		}
		data = data[n:]

		switch num {
		case shareFieldIndex:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return s, fmt.Errorf("read share index: %w", err)
			}
			data = data[n:]
			if v == 0 || v > 255 {
				return s, fmt.Errorf("wire: invalid share index %d", v)
			}
			s.Index = uint8(v)
		case shareFieldValue:
			b, n, err := consumeBytes(data, typ)
			if err != nil {
				return s, fmt.Errorf("read share value: %w", err)
			}
			data = data[n:]
			s.Value = append([]byte(nil), b...)
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return s, ErrTruncated
			}
			data = data[n:]
		}
	}
	if s.Index == 0 || len(s.Value) == 0 {
		return s, errors.New("wire: incomplete key share")
	}
	return s, nil
}

// MarshalEntry serializes a mirrored authorization entry for the
// persistent registry mirror.
func MarshalEntry(e types.AuthorizationEntry) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, authFieldPrincipal, protowire.BytesType)
	buf = protowire.AppendString(buf, e.Grantee.Key())
	buf = protowire.AppendTag(buf, authFieldRole, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(e.Role))
	buf = protowire.AppendTag(buf, authFieldScope, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(e.Scope))
	buf = protowire.AppendTag(buf, authFieldGrantedAt, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(e.GrantedAt.Unix()))
	if !e.ExpiresAt.IsZero() {
		buf = protowire.AppendTag(buf, authFieldExpiresAt, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(e.ExpiresAt.Unix()))
	}
	var active uint64
	if e.Active {
		active = 1
	}
	buf = protowire.AppendTag(buf, authFieldActive, protowire.VarintType)
	buf = protowire.AppendVarint(buf, active)
	return buf
}

// UnmarshalEntry parses a mirrored authorization entry.
func UnmarshalEntry(data []byte) (types.AuthorizationEntry, error) {
	var e types.AuthorizationEntry
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return e, ErrTruncated
		}
		data = data[n:]

		switch num {
		case authFieldPrincipal:
			b, n, err := consumeBytes(data, typ)
			if err != nil {
				return e, fmt.Errorf("read grantee: %w", err)
			}
			data = data[n:]
			p, err := types.PrincipalFromKey(string(b))
			if err != nil {
				return e, fmt.Errorf("wire: %w", err)
			}
			e.Grantee = p
		default:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return e, fmt.Errorf("read entry field %d: %w", num, err)
			}
			data = data[n:]
			switch num {
			case authFieldRole:
				e.Role = types.Role(v)
			case authFieldScope:
				e.Scope = types.Scope(v)
			case authFieldGrantedAt:
				e.GrantedAt = time.Unix(int64(v), 0).UTC()
			case authFieldExpiresAt:
				e.ExpiresAt = time.Unix(int64(v), 0).UTC()
			case authFieldActive:
				e.Active = v == 1
			}
		}
	}
	return e, nil
}

func consumeVarint(data []byte, typ protowire.Type) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("wire: unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return 0, 0, ErrTruncated
	}
	return v, n, nil
}

func consumeBytes(data []byte, typ protowire.Type) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("wire: unexpected wire type %d", typ)
	}
	b, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return nil, 0, ErrTruncated
	}
	return b, n, nil
}

func sortedKeys(m map[string]types.WrappedKey) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
