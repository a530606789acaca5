package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxMessageSize bounds every JSON body read from the wire.
const MaxMessageSize = 64 << 10

var (
	// ErrMessageTooLarge indicates the body exceeds MaxMessageSize.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")

	// ErrMissingField indicates a required JSON field is absent or empty.
	ErrMissingField = errors.New("missing required field")
)

// ChallengeResponse is the body returned by the challenge endpoint.
type ChallengeResponse struct {
	PublicKey string `json:"publicKey"`
	Challenge string `json:"challenge"`
}

// Validate checks that both fields are present.
func (m *ChallengeResponse) Validate() error {
	if m.PublicKey == "" {
		return fmt.Errorf("%w: publicKey", ErrMissingField)
	}
	if m.Challenge == "" {
		return fmt.Errorf("%w: challenge", ErrMissingField)
	}
	return nil
}

// VerifyRequest is the body accepted by the verify endpoint.
type VerifyRequest struct {
	Answer string `json:"answer"`
}

// Validate checks that the answer is present.
func (m *VerifyRequest) Validate() error {
	if m.Answer == "" {
		return fmt.Errorf("%w: answer", ErrMissingField)
	}
	return nil
}

// VerifyResult is the body returned by the verify endpoint.
type VerifyResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// validator is implemented by every message in this package.
type validator interface {
	Validate() error
}

// ReadMessage decodes a single JSON message from r into v and validates it.
// Any failure is reported as a ProtocolError.
func ReadMessage(r io.Reader, v validator) error {
	data, err := io.ReadAll(io.LimitReader(r, MaxMessageSize+1))
	if err != nil {
		return ProtocolError("read message", err)
	}
	return DecodeMessage(data, v)
}

// DecodeMessage decodes a JSON message from data into v and validates it.
func DecodeMessage(data []byte, v validator) error {
	if len(data) > MaxMessageSize {
		return ProtocolError("decode message", fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data)))
	}
	if err := json.Unmarshal(data, v); err != nil {
		return ProtocolError("decode message", err)
	}
	if err := v.Validate(); err != nil {
		return ProtocolError("decode message", err)
	}
	return nil
}
