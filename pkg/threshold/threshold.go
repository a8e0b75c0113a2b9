// Package threshold implements Shamir secret sharing over GF(256).
//
// Split appends a blake2b checksum tag to the secret before sharing,
// so Combine can tell a correctly reconstructed secret from one
// assembled below threshold or from forged shares. Any k of the n
// shares reconstruct the secret exactly; k-1 shares carry no
// information about it.
package threshold

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/i5heu/ouroboros-vault/pkg/primitives"
	"github.com/i5heu/ouroboros-vault/pkg/types"
)

var (
	ErrInvalidParameters  = errors.New("threshold: invalid parameters")
	ErrInsufficientShares = errors.New("threshold: insufficient shares")
	ErrShareIntegrity     = errors.New("threshold: reconstructed secret failed integrity check")
	ErrDuplicateIndex     = errors.New("threshold: duplicate share index")
)

// checksumSize is the length of the tag appended to the secret before
// splitting.
const checksumSize = 8

// checksumDomain separates the share checksum from other blake2b uses
// in this module.
var checksumDomain = []byte("ouroboros-vault/threshold/v1")

func checksum(secret []byte) []byte {
	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 with a nil key cannot fail.
		panic(err)
	}
	h.Write(checksumDomain)
	h.Write(secret)
	sum := h.Sum(nil)
	return sum[:checksumSize]
}

// Split shares the secret into n shares with reconstruction threshold
// k. Requires 1 <= k <= n <= 255 and a non-empty secret.
func Split(secret []byte, n, k uint8) ([]types.KeyShare, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty secret", ErrInvalidParameters)
	}
	if k < 1 || n < 1 || k > n {
		return nil, fmt.Errorf("%w: n=%d k=%d", ErrInvalidParameters, n, k)
	}

	// The shared material is secret || checksum(secret); the tag
	// travels inside the shares and is what Combine verifies.
	tagged := make([]byte, 0, len(secret)+checksumSize)
	tagged = append(tagged, secret...)
	tagged = append(tagged, checksum(secret)...)
	defer primitives.Wipe(tagged)

	shares := make([]types.KeyShare, n)
	for i := range shares {
		shares[i] = types.KeyShare{
			Index: uint8(i + 1),
			Value: make([]byte, len(tagged)),
		}
	}

	// One random polynomial of degree k-1 per secret byte, with the
	// byte as the constant term. Share i holds the evaluations at x=i.
	coeffs := make([]byte, k)
	defer primitives.Wipe(coeffs)
	for pos, b := range tagged {
		coeffs[0] = b
		if _, err := rand.Read(coeffs[1:]); err != nil {
			return nil, fmt.Errorf("sampling polynomial: %w", err)
		}
		for i := range shares {
			shares[i].Value[pos] = evalPoly(coeffs, shares[i].Index)
		}
	}

	return shares, nil
}

// Combine reconstructs the secret from the given shares. The module
// does not know k; if fewer than k valid shares are supplied the
// embedded checksum will not verify and ErrShareIntegrity is returned
// instead of a silently wrong secret. The caller owns the returned
// bytes and must wipe them after use.
func Combine(shares []types.KeyShare) ([]byte, error) {
	if len(shares) == 0 {
		return nil, ErrInsufficientShares
	}

	length := len(shares[0].Value)
	if length <= checksumSize {
		return nil, fmt.Errorf("%w: share too short", ErrInvalidParameters)
	}
	seen := make(map[uint8]struct{}, len(shares))
	for _, s := range shares {
		if s.Index == 0 {
			return nil, fmt.Errorf("%w: share index 0", ErrInvalidParameters)
		}
		if len(s.Value) != length {
			return nil, fmt.Errorf("%w: share length mismatch", ErrInvalidParameters)
		}
		if _, ok := seen[s.Index]; ok {
			return nil, ErrDuplicateIndex
		}
		seen[s.Index] = struct{}{}
	}

	tagged := make([]byte, length)
	defer primitives.Wipe(tagged)
	for pos := 0; pos < length; pos++ {
		tagged[pos] = interpolateAtZero(shares, pos)
	}

	secret := tagged[:length-checksumSize]
	tag := tagged[length-checksumSize:]
	if subtle.ConstantTimeCompare(tag, checksum(secret)) != 1 {
		return nil, ErrShareIntegrity
	}

	out := make([]byte, len(secret))
	copy(out, secret)
	return out, nil
}

// evalPoly evaluates the polynomial with the given coefficients at x
// using Horner's method in GF(256).
func evalPoly(coeffs []byte, x uint8) byte {
	var acc byte
	for i := len(coeffs) - 1; i >= 0; i-- {
		acc = gfMul(acc, x) ^ coeffs[i]
	}
	return acc
}

// interpolateAtZero computes the Lagrange interpolation of the shares'
// byte at the given position, evaluated at x=0.
func interpolateAtZero(shares []types.KeyShare, pos int) byte {
	var acc byte
	for i, si := range shares {
		num, den := byte(1), byte(1)
		for j, sj := range shares {
			if i == j {
				continue
			}
			num = gfMul(num, sj.Index)
			den = gfMul(den, si.Index^sj.Index)
		}
		term := gfMul(si.Value[pos], gfMul(num, gfInv(den)))
		acc ^= term
	}
	return acc
}

// gfMul multiplies in GF(2^8) with the AES reduction polynomial.
func gfMul(a, b byte) byte {
	var p byte
	for b > 0 {
		if b&1 == 1 {
			p ^= a
		}
		carry := a & 0x80
		a <<= 1
		if carry != 0 {
			a ^= 0x1b
		}
		b >>= 1
	}
	return p
}

// gfInv computes the multiplicative inverse via a^254.
func gfInv(a byte) byte {
	// a^254 = a^-1 in GF(256); 0 has no inverse and maps to 0, which
	// never occurs for distinct share indices.
	var result byte = 1
	base := a
	exp := 254
	for exp > 0 {
		if exp&1 == 1 {
			result = gfMul(result, base)
		}
		base = gfMul(base, base)
		exp >>= 1
	}
	return result
}
