// Package pow implements the proof-of-work puzzle: challenge and answer
// documents, the counter search over sha256, sha3-256 and blake3, and the
// issuing side's generator, verifier and difficulty control.
package pow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/powgate/internal/codec"
	"github.com/powgate/internal/protocol"
)

// Wire field names.
const (
	FieldType       = "type"
	FieldChallenge  = "challenge"
	FieldDifficulty = "difficulty"
	FieldAlgorithm  = "algorithm"
	FieldLatency    = "latency"
	FieldTimestamp  = "timestamp"
	FieldSignature  = "signature"
	FieldAnswer     = "answer"
)

var requiredFields = []string{FieldType, FieldChallenge, FieldDifficulty, FieldAlgorithm, FieldLatency}

var (
	// ErrInvalidNonce indicates a challenge nonce that is not 16 bytes of hex.
	ErrInvalidNonce = errors.New("challenge nonce must be 16 bytes")

	// ErrInvalidDifficulty indicates a difficulty outside [0, 256].
	ErrInvalidDifficulty = errors.New("invalid difficulty")

	// ErrInvalidLatency indicates a negative latency.
	ErrInvalidLatency = errors.New("latency must not be negative")

	// ErrUnsupportedType indicates a challenge type other than "pow".
	ErrUnsupportedType = errors.New("unsupported challenge type")
)

// Challenge is the decrypted challenge document. The solver reads the typed
// fields; every other field is kept verbatim in Extra and echoed back in the
// answer.
type Challenge struct {
	Type       string
	Nonce      string
	Difficulty int
	Algorithm  Algorithm
	Latency    int

	Extra map[string]json.RawMessage
}

// ParseChallenge decodes and validates a decrypted challenge. Malformed
// JSON and missing fields are ProtocolErrors; unusable values are
// ValidationErrors.
func ParseChallenge(data []byte) (*Challenge, error) {
	var c Challenge
	if err := json.Unmarshal(data, &c); err != nil {
		if protocol.KindOf(err) == protocol.KindValidation {
			return nil, err
		}
		return nil, protocol.ProtocolError("parse challenge", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the fields the solver depends on.
func (c *Challenge) Validate() error {
	if c.Type != protocol.ChallengeTypePoW {
		return protocol.ValidationError("validate challenge", fmt.Errorf("%w: %q", ErrUnsupportedType, c.Type))
	}
	if _, err := decodeNonce(c.Nonce); err != nil {
		return err
	}
	if err := validateDifficulty(c.Difficulty); err != nil {
		return err
	}
	if !c.Algorithm.IsValid() {
		return protocol.ValidationError("validate challenge", fmt.Errorf("%w: %d", ErrUnknownAlgorithm, uint8(c.Algorithm)))
	}
	if c.Latency < 0 {
		return protocol.ValidationError("validate challenge", fmt.Errorf("%w: %d", ErrInvalidLatency, c.Latency))
	}
	return nil
}

// Field decodes the passthrough field name into v. It reports false when
// the field is absent.
func (c *Challenge) Field(name string, v any) (bool, error) {
	raw, ok := c.Extra[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("field %s: %w", name, err)
	}
	return true, nil
}

// SetField stores v under name as a passthrough field.
func (c *Challenge) SetField(name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("field %s: %w", name, err)
	}
	if c.Extra == nil {
		c.Extra = make(map[string]json.RawMessage)
	}
	c.Extra[name] = raw
	return nil
}

func (c *Challenge) fields() (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(c.Extra)+len(requiredFields))
	for k, v := range c.Extra {
		out[k] = v
	}

	alg, err := c.Algorithm.MarshalJSON()
	if err != nil {
		return nil, err
	}
	out[FieldAlgorithm] = alg

	for name, v := range map[string]any{
		FieldType:       c.Type,
		FieldChallenge:  c.Nonce,
		FieldDifficulty: c.Difficulty,
		FieldLatency:    c.Latency,
	} {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out[name] = raw
	}
	return out, nil
}

// MarshalJSON writes the typed fields together with every passthrough field.
func (c Challenge) MarshalJSON() ([]byte, error) {
	m, err := c.fields()
	if err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// UnmarshalJSON reads the typed fields and keeps the rest in Extra.
func (c *Challenge) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("%w: challenge is null", protocol.ErrMissingField)
	}

	for _, name := range requiredFields {
		if raw, ok := m[name]; !ok || isNull(raw) {
			return fmt.Errorf("%w: %s", protocol.ErrMissingField, name)
		}
	}

	var out Challenge
	targets := map[string]any{
		FieldType:       &out.Type,
		FieldChallenge:  &out.Nonce,
		FieldDifficulty: &out.Difficulty,
		FieldLatency:    &out.Latency,
	}
	for name, dst := range targets {
		if err := json.Unmarshal(m[name], dst); err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
		delete(m, name)
	}

	if err := out.Algorithm.UnmarshalJSON(m[FieldAlgorithm]); err != nil {
		return err
	}
	delete(m, FieldAlgorithm)

	if len(m) > 0 {
		out.Extra = m
	}
	*c = out
	return nil
}

// Answer is a challenge together with the counter that solves it.
type Answer struct {
	Challenge
	Counter uint32
}

// MarshalJSON writes the challenge fields plus the answer counter.
func (a Answer) MarshalJSON() ([]byte, error) {
	m, err := a.Challenge.fields()
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(a.Counter)
	if err != nil {
		return nil, err
	}
	m[FieldAnswer] = raw
	return json.Marshal(m)
}

// UnmarshalJSON reads an answer document.
func (a *Answer) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	raw, ok := m[FieldAnswer]
	if !ok || isNull(raw) {
		return fmt.Errorf("%w: %s", protocol.ErrMissingField, FieldAnswer)
	}

	var counter uint32
	if err := json.Unmarshal(raw, &counter); err != nil {
		return fmt.Errorf("field %s: %w", FieldAnswer, err)
	}
	delete(m, FieldAnswer)

	rest, err := json.Marshal(m)
	if err != nil {
		return err
	}
	var c Challenge
	if err := c.UnmarshalJSON(rest); err != nil {
		return err
	}

	a.Challenge = c
	a.Counter = counter
	return nil
}

// isNull reports whether raw is the JSON literal null, which decodes into a
// number or string as its zero value.
func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func decodeNonce(nonceHex string) ([]byte, error) {
	nonce, err := codec.HexDecode(nonceHex)
	if err != nil {
		return nil, protocol.ValidationError("decode nonce", fmt.Errorf("%w: %w", ErrInvalidNonce, err))
	}
	if len(nonce) != protocol.NonceSize {
		return nil, protocol.ValidationError("decode nonce", fmt.Errorf("%w: got %d", ErrInvalidNonce, len(nonce)))
	}
	return nonce, nil
}

func validateDifficulty(d int) error {
	if d < 0 || d > MaxDifficulty {
		return protocol.ValidationError("validate difficulty",
			fmt.Errorf("%w: got %d, want 0-%d", ErrInvalidDifficulty, d, MaxDifficulty))
	}
	return nil
}
