package vault

import (
	"crypto/sha512"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

// Algorithm identifies which KDF produced a blob's key, recorded in
// the header flag bits.
type Algorithm int

const (
	AlgorithmArgon2id Algorithm = iota
	AlgorithmPBKDF2
)

const (
	argon2Time     = 3
	argon2Memory   = 64 * 1024 // KiB, i.e. 64 MiB
	argon2Threads  = 4
	derivedKeySize = 32

	pbkdf2MinIterations     = 20_000
	pbkdf2MaxIterations     = 500_000
	pbkdf2DefaultIterations = 120_000
)

// Params bundles what the header needs to reproduce a derivation:
// which algorithm, and (for PBKDF2 only) the iteration count.
type Params struct {
	Algorithm  Algorithm
	Iterations uint32 // PBKDF2 only; ignored for Argon2id
}

// DefaultParams is the KDF choice used for newly created blobs unless
// the caller opts into the legacy PBKDF2 path.
func DefaultParams() Params {
	return Params{Algorithm: AlgorithmArgon2id}
}

// ValidateIterations enforces the 20,000-500,000 PBKDF2 iteration
// bound. Argon2id parameters are fixed by the format and never vary.
func ValidateIterations(n uint32) error {
	if n < pbkdf2MinIterations || n > pbkdf2MaxIterations {
		return newErr("kdf.validate_iterations", KindResourceLimit, nil)
	}
	return nil
}

// DeriveKey derives a 32-byte key from password and salt under the
// given parameters. password is taken as a raw UTF-8 byte view; the
// caller owns wiping the original buffer once this returns. KDF
// failures are fatal: they never occur in steady state, so any
// error here is surfaced as KindKdfError rather than retried.
func DeriveKey(password []byte, salt []byte, p Params) ([]byte, error) {
	switch p.Algorithm {
	case AlgorithmArgon2id:
		return argon2.IDKey(password, salt, argon2Time, argon2Memory, argon2Threads, derivedKeySize), nil
	case AlgorithmPBKDF2:
		iter := p.Iterations
		if iter == 0 {
			iter = pbkdf2DefaultIterations
		}
		if err := ValidateIterations(iter); err != nil {
			return nil, err
		}
		return pbkdf2.Key(password, salt, int(iter), derivedKeySize, sha512.New), nil
	default:
		return nil, newErr("kdf.derive", KindKdfError, nil)
	}
}
