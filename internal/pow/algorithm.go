package pow

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"math/bits"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"github.com/powgate/internal/protocol"
)

// ErrUnknownAlgorithm indicates a hash name outside the supported set.
var ErrUnknownAlgorithm = errors.New("unknown hash algorithm")

// Algorithm selects the hash used for the work search.
type Algorithm uint8

// Supported algorithms.
const (
	SHA256 Algorithm = iota + 1
	SHA3_256
	BLAKE3
)

// Algorithms lists every supported algorithm in wire order.
var Algorithms = []Algorithm{SHA256, SHA3_256, BLAKE3}

// DigestSize is the output size of every supported hash.
const DigestSize = 32

// MaxDifficulty is the largest meaningful difficulty: every digest bit zero.
const MaxDifficulty = DigestSize * 8

// ParseAlgorithm maps a wire name to an Algorithm. Unknown names are a
// ValidationError.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "sha256":
		return SHA256, nil
	case "sha3-256":
		return SHA3_256, nil
	case "blake3":
		return BLAKE3, nil
	default:
		return 0, protocol.ValidationError("parse algorithm", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name))
	}
}

// String returns the wire name.
func (a Algorithm) String() string {
	switch a {
	case SHA256:
		return "sha256"
	case SHA3_256:
		return "sha3-256"
	case BLAKE3:
		return "blake3"
	default:
		return fmt.Sprintf("Algorithm(%d)", uint8(a))
	}
}

// IsValid reports whether a is one of the supported algorithms.
func (a Algorithm) IsValid() bool {
	return a >= SHA256 && a <= BLAKE3
}

// Sum hashes data with the selected algorithm. It panics on an invalid
// algorithm; callers validate first.
func (a Algorithm) Sum(data []byte) [DigestSize]byte {
	switch a {
	case SHA256:
		return sha256.Sum256(data)
	case SHA3_256:
		return sha3.Sum256(data)
	case BLAKE3:
		return blake3.Sum256(data)
	default:
		panic(fmt.Sprintf("pow: Sum called with %v", a))
	}
}

// MarshalJSON encodes the algorithm as its wire name.
func (a Algorithm) MarshalJSON() ([]byte, error) {
	if !a.IsValid() {
		return nil, protocol.ValidationError("marshal algorithm", fmt.Errorf("%w: %d", ErrUnknownAlgorithm, uint8(a)))
	}
	return json.Marshal(a.String())
}

// UnmarshalJSON decodes a wire name.
func (a *Algorithm) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	alg, err := ParseAlgorithm(name)
	if err != nil {
		return err
	}
	*a = alg
	return nil
}

// LeadingZeroBits counts zero bits from the most significant bit of the
// first byte onwards.
func LeadingZeroBits(digest []byte) int {
	n := 0
	for _, b := range digest {
		if b != 0 {
			return n + bits.LeadingZeros8(b)
		}
		n += 8
	}
	return n
}

// HasLeadingZeros reports whether digest has at least n leading zero bits.
func HasLeadingZeros(digest []byte, n int) bool {
	if n > len(digest)*8 {
		return false
	}

	fullBytes := n / 8
	for i := 0; i < fullBytes; i++ {
		if digest[i] != 0 {
			return false
		}
	}

	remainingBits := n % 8
	if remainingBits > 0 {
		mask := byte(0xFF << (8 - remainingBits))
		if digest[fullBytes]&mask != 0 {
			return false
		}
	}

	return true
}
