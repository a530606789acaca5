// Package codec converts between bytes and the text encodings used on the
// wire: lowercase hex for challenge nonces and unpadded URL-safe base64 for
// keys and envelopes.
package codec

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/powgate/internal/protocol"
)

var (
	// ErrOddLength indicates a hex string with an odd number of characters.
	ErrOddLength = errors.New("hex string must have even length")

	// ErrInvalidPadding indicates a base64url string with an impossible
	// length or with padding that does not complete it.
	ErrInvalidPadding = errors.New("base64url string has invalid length or padding")
)

// HexEncode returns the lowercase hex encoding of b.
func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

// HexDecode decodes a hex string. Odd length or non-hex characters yield a
// FormatError.
func HexDecode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, protocol.FormatError("hex decode", fmt.Errorf("%w: %d", ErrOddLength, len(s)))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, protocol.FormatError("hex decode", err)
	}
	return b, nil
}

// EncodeBase64URL encodes b with the URL-safe alphabet and no padding.
func EncodeBase64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeBase64URL decodes an URL-safe base64 string, padded or unpadded.
// Padding must be correct for the length (at most two '=' completing a
// multiple of four) and unused trailing bits must be zero; anything else
// yields a FormatError.
func DecodeBase64URL(s string) ([]byte, error) {
	data := strings.TrimRight(s, "=")
	pad := len(s) - len(data)

	if len(data)%4 == 1 || pad > 2 || (pad > 0 && len(s)%4 != 0) {
		return nil, protocol.FormatError("base64url decode", fmt.Errorf("%w: %d", ErrInvalidPadding, len(s)))
	}

	enc := base64.RawURLEncoding
	if pad > 0 {
		enc = base64.URLEncoding
	}
	b, err := enc.Strict().DecodeString(s)
	if err != nil {
		return nil, protocol.FormatError("base64url decode", err)
	}
	return b, nil
}
