package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/powgate/internal/channel"
	"github.com/powgate/internal/codec"
	"github.com/powgate/internal/logging"
	"github.com/powgate/internal/metrics"
	"github.com/powgate/internal/pow"
	"github.com/powgate/internal/protocol"
)

var (
	// ErrInvalidAPIKey indicates a verify call without the configured key.
	ErrInvalidAPIKey = errors.New("invalid api key")

	// ErrInvalidPayload indicates a verify body that is not {"answer": "..."}.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrReplayed indicates an answer to a challenge that was already accepted.
	ErrReplayed = errors.New("challenge already used")

	// ErrMissingAnswer indicates a protected request without the answer header.
	ErrMissingAnswer = errors.New("no answer header")

	errReplayStore = errors.New("replay store unavailable")
)

// Rejection reasons used as metric labels.
const (
	reasonAPIKey    = "api_key"
	reasonPayload   = "payload"
	reasonMissing   = "missing"
	reasonFormat    = "format"
	reasonDecrypt   = "decrypt"
	reasonAlgorithm = "algorithm"
	reasonType      = "type"
	reasonSignature = "signature"
	reasonExpired   = "expired"
	reasonTooEarly  = "too_early"
	reasonWork      = "insufficient_work"
	reasonReplay    = "replay"
	reasonInvalid   = "invalid"
	reasonStore     = "store"
)

const (
	messageNotBase64   = "answer is not base64url"
	messageBody        = "body is incorrect"
	messageInvalid     = "invalid answer"
	messageUnavailable = "verification unavailable"
)

func result(message string) protocol.VerifyResult {
	return protocol.VerifyResult{Success: false, Error: message}
}

// classify maps a verification failure to a metric reason and the message
// returned to the caller.
func classify(err error) (reason, message string) {
	switch {
	case errors.Is(err, ErrInvalidAPIKey):
		return reasonAPIKey, ErrInvalidAPIKey.Error()
	case errors.Is(err, ErrInvalidPayload):
		return reasonPayload, ErrInvalidPayload.Error()
	case errors.Is(err, ErrMissingAnswer):
		return reasonMissing, ErrMissingAnswer.Error()
	case errors.Is(err, ErrReplayed):
		return reasonReplay, ErrReplayed.Error()
	case errors.Is(err, errReplayStore):
		return reasonStore, messageUnavailable
	case errors.Is(err, pow.ErrUnknownAlgorithm):
		return reasonAlgorithm, "algorithm is incorrect"
	case errors.Is(err, pow.ErrUnsupportedType):
		return reasonType, "invalid type challenge"
	case errors.Is(err, pow.ErrMissingSignature), errors.Is(err, pow.ErrInvalidSignature):
		return reasonSignature, pow.ErrInvalidSignature.Error()
	case errors.Is(err, pow.ErrChallengeExpired):
		return reasonExpired, pow.ErrChallengeExpired.Error()
	case errors.Is(err, pow.ErrAnsweredTooEarly):
		return reasonTooEarly, pow.ErrAnsweredTooEarly.Error()
	case errors.Is(err, pow.ErrInsufficientWork):
		return reasonWork, "invalid challenge"
	case errors.Is(err, channel.ErrAnswerTooShort):
		return reasonDecrypt, messageBody
	case protocol.KindOf(err) == protocol.KindFormat:
		return reasonFormat, messageNotBase64
	case protocol.KindOf(err) == protocol.KindAuthentication:
		return reasonDecrypt, messageBody
	default:
		return reasonInvalid, messageInvalid
	}
}

// handleChallenge issues a challenge encrypted for the posted public key.
func (g *Gateway) handleChallenge(c *fiber.Ctx) error {
	logger := logging.FromContext(c.UserContext())

	if d := g.limiter.Allow(clientKey(c)); !d.Allowed {
		g.metrics.RecordRejected(metrics.ReasonRateLimited)
		c.Set(fiber.HeaderRetryAfter, retryAfterSeconds(d.RetryAfter))
		logger.Debug("challenge rate limited", logging.Duration(d.RetryAfter))
		return fiber.NewError(fiber.StatusTooManyRequests, "rate limited")
	}

	raw, err := codec.DecodeBase64URL(strings.TrimSpace(string(c.Body())))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "public key is incorrect")
	}
	clientPub, err := channel.ParsePublicKey(raw)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "public key is incorrect")
	}

	challenge, err := g.generator.Generate()
	if err != nil {
		return fmt.Errorf("generate challenge: %w", err)
	}
	doc, err := json.Marshal(challenge)
	if err != nil {
		return fmt.Errorf("marshal challenge: %w", err)
	}
	envelope, err := channel.Encrypt(clientPub, g.keys.Private, doc)
	if err != nil {
		return fmt.Errorf("encrypt challenge: %w", err)
	}

	g.metrics.RecordChallengeIssued(challenge.Algorithm.String())
	g.metrics.SetCurrentDifficulty(challenge.Difficulty)
	logger.Debug("challenge issued",
		logging.Algorithm(challenge.Algorithm.String()),
		logging.Difficulty(challenge.Difficulty),
	)

	return c.JSON(protocol.ChallengeResponse{
		PublicKey: codec.EncodeBase64URL(g.keys.Public[:]),
		Challenge: codec.EncodeBase64URL(envelope),
	})
}

// handleVerify checks an answer on behalf of a backend. The outcome is
// always a 200 with {success, error}.
func (g *Gateway) handleVerify(c *fiber.Ctx) error {
	var req protocol.VerifyRequest
	if err := protocol.DecodeMessage(c.Body(), &req); err != nil {
		return g.reject(c, fmt.Errorf("%w: %w", ErrInvalidPayload, err))
	}

	if subtle.ConstantTimeCompare([]byte(c.Get(protocol.HeaderAPIKey)), []byte(g.cfg.APIKey)) != 1 {
		return g.reject(c, ErrInvalidAPIKey)
	}

	if err := g.verifyAnswer(c.UserContext(), req.Answer); err != nil {
		return g.reject(c, err)
	}

	g.metrics.RecordAnswer("")
	return c.JSON(protocol.VerifyResult{Success: true})
}

func (g *Gateway) reject(c *fiber.Ctx, err error) error {
	reason, message := classify(err)
	g.metrics.RecordAnswer(reason)
	logging.FromContext(c.UserContext()).Info("answer rejected",
		logging.Reason(reason),
		logging.Err(err),
	)
	return c.JSON(result(message))
}

// RequireAnswer returns middleware that lets a request through only when
// its answer header carries a valid, unused answer.
func (g *Gateway) RequireAnswer() fiber.Handler {
	return func(c *fiber.Ctx) error {
		answer := c.Get(protocol.HeaderAnswer)
		if answer == "" {
			g.metrics.RecordAnswer(reasonMissing)
			return c.Status(fiber.StatusUnauthorized).JSON(result(ErrMissingAnswer.Error()))
		}

		if err := g.verifyAnswer(c.UserContext(), answer); err != nil {
			reason, message := classify(err)
			g.metrics.RecordAnswer(reason)
			logging.FromContext(c.UserContext()).Info("protected request rejected",
				logging.Reason(reason),
				logging.Err(err),
			)
			return c.Status(fiber.StatusForbidden).JSON(result(message))
		}

		g.metrics.RecordAnswer("")
		return c.Next()
	}
}

func (g *Gateway) handleExample(c *fiber.Ctx) error {
	return c.JSON(protocol.VerifyResult{Success: true})
}

// verifyAnswer opens, verifies and consumes one answer envelope.
func (g *Gateway) verifyAnswer(ctx context.Context, encoded string) error {
	sealed, err := codec.DecodeBase64URL(encoded)
	if err != nil {
		return err
	}

	_, plaintext, err := channel.OpenAnswer(g.keys.Private, sealed)
	if err != nil {
		return err
	}

	var answer pow.Answer
	if err := json.Unmarshal(plaintext, &answer); err != nil {
		if protocol.KindOf(err) == 0 {
			return protocol.ProtocolError("decode answer", err)
		}
		return err
	}

	if err := g.verifier.Verify(&answer); err != nil {
		return err
	}

	fresh, err := g.replay.Remember(ctx, answer.Nonce, g.cfg.ReplayTTL)
	if err != nil {
		return fmt.Errorf("%w: %w", errReplayStore, err)
	}
	if !fresh {
		g.metrics.RecordReplay()
		return ErrReplayed
	}

	logging.FromContext(ctx).Debug("answer verified",
		logging.Algorithm(answer.Algorithm.String()),
		logging.Difficulty(answer.Difficulty),
		logging.Counter(answer.Counter),
	)
	return nil
}
