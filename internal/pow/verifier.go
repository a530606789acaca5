package pow

import (
	"crypto/hmac"
	"errors"
	"fmt"
	"time"

	"github.com/powgate/internal/codec"
)

// Reasons Verify rejects an answer.
var (
	ErrMissingSignature = errors.New("challenge is not signed")
	ErrInvalidSignature = errors.New("signature is incorrect")
	ErrChallengeExpired = errors.New("challenge expired")
	ErrAnsweredTooEarly = errors.New("latency is incorrect")
	ErrInsufficientWork = errors.New("solution does not meet difficulty requirement")
)

// Verifier verifies answers to challenges issued by a Generator with the
// same secret.
type Verifier interface {
	// Verify returns nil if the answer is valid, or an error describing
	// the first failed check.
	Verify(answer *Answer) error
}

// VerifierConfig holds configuration for the verifier.
type VerifierConfig struct {
	Secret           []byte
	ChallengeTimeout time.Duration // Maximum age of challenge (default: 60s)
	ClockSkew        time.Duration // Extra tolerance on expiry (default: 0)

	Now func() time.Time
}

type verifierImpl struct {
	secret           []byte
	challengeTimeout time.Duration
	clockSkew        time.Duration
	now              func() time.Time
}

// NewVerifier creates a new answer verifier.
func NewVerifier(cfg VerifierConfig) (Verifier, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: got %d bytes", ErrSecretTooShort, len(cfg.Secret))
	}

	timeout := cfg.ChallengeTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &verifierImpl{
		secret:           cfg.Secret,
		challengeTimeout: timeout,
		clockSkew:        cfg.ClockSkew,
		now:              now,
	}, nil
}

// Verify runs, in order: field validation, signature, expiry, pacing and
// the work check.
func (v *verifierImpl) Verify(answer *Answer) error {
	c := &answer.Challenge

	if err := c.Validate(); err != nil {
		return err
	}

	var (
		timestamp int64
		sigHex    string
	)
	if ok, err := c.Field(FieldTimestamp, &timestamp); err != nil || !ok {
		return fmt.Errorf("%w: timestamp", ErrMissingSignature)
	}
	if ok, err := c.Field(FieldSignature, &sigHex); err != nil || !ok {
		return fmt.Errorf("%w: signature", ErrMissingSignature)
	}

	sig, err := codec.HexDecode(sigHex)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	if !hmac.Equal(sig, sign(v.secret, c, timestamp)) {
		return ErrInvalidSignature
	}

	now := v.now().UnixMilli()
	if timestamp+(v.challengeTimeout+v.clockSkew).Milliseconds() < now {
		return ErrChallengeExpired
	}
	if timestamp+int64(c.Latency) > now {
		return ErrAnsweredTooEarly
	}

	nonce, err := decodeNonce(c.Nonce)
	if err != nil {
		return err
	}
	digest := Digest(c.Algorithm, nonce, answer.Counter)
	if !HasLeadingZeros(digest[:], c.Difficulty) {
		return ErrInsufficientWork
	}

	return nil
}
