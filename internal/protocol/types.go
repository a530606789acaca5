// Package protocol defines the wire constants, JSON messages and error kinds
// shared by the challenge client and the challenge service.
package protocol

// Wire sizes
const (
	// PublicKeySize is the size of a Curve25519 public key.
	PublicKeySize = 32

	// PrivateKeySize is the size of a Curve25519 private key.
	PrivateKeySize = 32

	// IVSize is the AES-GCM nonce prefixed to every envelope.
	IVSize = 12

	// TagSize is the AES-GCM authentication tag appended to the ciphertext.
	TagSize = 16

	// NonceSize is the decoded size of a challenge nonce.
	NonceSize = 16

	// CounterSize is the size of the big-endian solution counter.
	CounterSize = 4

	// MinEnvelopeSize is IV plus tag: an envelope with an empty plaintext.
	MinEnvelopeSize = IVSize + TagSize

	// MinAnswerSize is the smallest answer envelope the service accepts.
	MinAnswerSize = PublicKeySize + MinEnvelopeSize
)

// HTTP surface
const (
	// HeaderAnswer carries the base64url answer envelope on the forwarded request.
	HeaderAnswer = "x-answer"

	// HeaderAPIKey authenticates calls to the verify endpoint.
	HeaderAPIKey = "ApiKey"

	// DefaultChallengePath and DefaultVerifyPath are the service routes.
	DefaultChallengePath = "/getChallenge"
	DefaultVerifyPath    = "/verifyChallenge"

	// ContentTypeText is used for the challenge request body.
	ContentTypeText = "text/plain"
)

// ChallengeTypePoW is the only challenge type the solver understands.
const ChallengeTypePoW = "pow"

// Kind classifies an error raised anywhere in the handshake.
type Kind uint8

// Error kinds.
const (
	// KindFormat indicates malformed hex or base64 input.
	KindFormat Kind = 0x01

	// KindValidation indicates a challenge the solver refuses to work on.
	KindValidation Kind = 0x02

	// KindAuthentication indicates an AEAD tag or envelope length failure.
	KindAuthentication Kind = 0x03

	// KindProtocol indicates an unexpected response from the challenge service.
	KindProtocol Kind = 0x04
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindFormat:
		return "FormatError"
	case KindValidation:
		return "ValidationError"
	case KindAuthentication:
		return "AuthenticationError"
	case KindProtocol:
		return "ProtocolError"
	default:
		return "UnknownError"
	}
}

// IsValid returns true if the kind is a known kind.
func (k Kind) IsValid() bool {
	return k >= KindFormat && k <= KindProtocol
}
