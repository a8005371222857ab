// Package checksum implements the Checksum value type shared by the
// pool, index and fetch packages: up to two strong hashes (SHA-256,
// SHA-512) identifying the same content.
package checksum

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"

	"github.com/pkg/errors"
)

// Algo names a supported hash algorithm. The string value doubles as
// the pool directory name (pool_dir/<algo>/<hex>).
type Algo string

const (
	SHA256 Algo = "sha256"
	SHA512 Algo = "sha512"
)

// ErrNoSecureChecksum is returned whenever an operation is given a
// Checksum with neither SHA-256 nor SHA-512 set.
var ErrNoSecureChecksum = errors.New("missing secure checksum")

// ErrMismatch is returned by Verify when recomputed bytes disagree
// with a present hash.
var ErrMismatch = errors.New("checksum mismatch")

// Checksum carries the hash values known for one blob. At least one
// of SHA256/SHA512 must be present for any pool operation.
type Checksum struct {
	SHA256 []byte // 32 bytes when present
	SHA512 []byte // 64 bytes when present
}

// HasSHA256 reports whether a SHA-256 value is present.
func (c Checksum) HasSHA256() bool { return len(c.SHA256) == sha256.Size }

// HasSHA512 reports whether a SHA-512 value is present.
func (c Checksum) HasSHA512() bool { return len(c.SHA512) == sha512.Size }

// Empty reports whether neither algorithm is present.
func (c Checksum) Empty() bool { return !c.HasSHA256() && !c.HasSHA512() }

// Validate returns ErrNoSecureChecksum unless at least one strong hash
// is present.
func (c Checksum) Validate() error {
	if c.Empty() {
		return ErrNoSecureChecksum
	}

	return nil
}

// PreferredAlgo returns the algorithm add_file should use for the
// primary on-disk copy: SHA-512 is preferred over SHA-256 (§4.1).
func (c Checksum) PreferredAlgo() (Algo, error) {
	switch {
	case c.HasSHA512():
		return SHA512, nil
	case c.HasSHA256():
		return SHA256, nil
	default:
		return "", ErrNoSecureChecksum
	}
}

// Hex returns the lowercase hex encoding of algo's value, and whether
// it is present.
func (c Checksum) Hex(algo Algo) (string, bool) {
	switch algo {
	case SHA256:
		if !c.HasSHA256() {
			return "", false
		}

		return hex.EncodeToString(c.SHA256), true
	case SHA512:
		if !c.HasSHA512() {
			return "", false
		}

		return hex.EncodeToString(c.SHA512), true
	default:
		return "", false
	}
}

// Algos returns the algorithms present, primary first.
func (c Checksum) Algos() []Algo {
	var algos []Algo

	if c.HasSHA512() {
		algos = append(algos, SHA512)
	}

	if c.HasSHA256() {
		algos = append(algos, SHA256)
	}

	return algos
}

// Equal compares two checksums per-algorithm: two checksums are equal
// iff every algorithm present in both agrees. Checksums with no
// overlapping algorithm are not equal.
func (c Checksum) Equal(other Checksum) bool {
	compared := false

	if c.HasSHA512() && other.HasSHA512() {
		if !bytes.Equal(c.SHA512, other.SHA512) {
			return false
		}

		compared = true
	}

	if c.HasSHA256() && other.HasSHA256() {
		if !bytes.Equal(c.SHA256, other.SHA256) {
			return false
		}

		compared = true
	}

	return compared
}

// Of computes a Checksum covering both algorithms for data.
func Of(data []byte) Checksum {
	s256 := sha256.Sum256(data)
	s512 := sha512.Sum512(data)

	return Checksum{SHA256: s256[:], SHA512: s512[:]}
}

// Verify recomputes every hash present in c against data and fails on
// the first mismatch.
func Verify(data []byte, c Checksum) error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.HasSHA256() {
		got := sha256.Sum256(data)
		if !bytes.Equal(got[:], c.SHA256) {
			return errors.Wrap(ErrMismatch, "sha256")
		}
	}

	if c.HasSHA512() {
		got := sha512.Sum512(data)
		if !bytes.Equal(got[:], c.SHA512) {
			return errors.Wrap(ErrMismatch, "sha512")
		}
	}

	return nil
}

// FromHex builds a Checksum from a (possibly absent) hex string for
// each algorithm.
func FromHex(sha256Hex, sha512Hex string) (Checksum, error) {
	var c Checksum

	if sha256Hex != "" {
		b, err := hex.DecodeString(sha256Hex)
		if err != nil {
			return Checksum{}, errors.Wrap(err, "sha256")
		}

		c.SHA256 = b
	}

	if sha512Hex != "" {
		b, err := hex.DecodeString(sha512Hex)
		if err != nil {
			return Checksum{}, errors.Wrap(err, "sha512")
		}

		c.SHA512 = b
	}

	return c, nil
}

// Merge combines values from other into c for any algorithm c lacks.
// Used when rebuilding a Checksum from multiple pool_dir aliases of
// the same inode during a pool scan.
func (c Checksum) Merge(other Checksum) Checksum {
	out := c

	if !out.HasSHA256() && other.HasSHA256() {
		out.SHA256 = other.SHA256
	}

	if !out.HasSHA512() && other.HasSHA512() {
		out.SHA512 = other.SHA512
	}

	return out
}
