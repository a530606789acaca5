package pow

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/powgate/internal/codec"
	"github.com/powgate/internal/protocol"
)

const (
	// MinSecretLength is the minimum required length for HMAC secret.
	MinSecretLength = 32
)

// Generator configuration errors.
var (
	ErrSecretTooShort      = errors.New("HMAC secret must be at least 32 bytes")
	ErrInvalidLatencyRange = errors.New("invalid latency range")
)

// Generator creates signed challenges.
type Generator interface {
	Generate() (*Challenge, error)
}

// GeneratorConfig holds configuration for the generator.
type GeneratorConfig struct {
	Secret []byte

	// Difficulty supplies the difficulty of each new challenge.
	Difficulty DifficultyManager

	// Algorithms to pick from. Empty means all of them.
	Algorithms []Algorithm

	// LatencyMin and LatencyMax bound the pacing delay the client must
	// observe before answering.
	LatencyMin time.Duration
	LatencyMax time.Duration

	// Rand and Now are replaced in tests.
	Rand io.Reader
	Now  func() time.Time
}

type generatorImpl struct {
	secret     []byte
	difficulty DifficultyManager
	algorithms []Algorithm
	latencyMin int64
	latencyMax int64
	rand       io.Reader
	now        func() time.Time
}

// NewGenerator creates a challenge generator.
func NewGenerator(cfg GeneratorConfig) (Generator, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: got %d bytes", ErrSecretTooShort, len(cfg.Secret))
	}
	if cfg.LatencyMin < 0 || cfg.LatencyMax < cfg.LatencyMin || cfg.LatencyMax.Milliseconds() > 0xFFFF {
		return nil, fmt.Errorf("%w: %s-%s", ErrInvalidLatencyRange, cfg.LatencyMin, cfg.LatencyMax)
	}

	g := &generatorImpl{
		secret:     cfg.Secret,
		difficulty: cfg.Difficulty,
		algorithms: cfg.Algorithms,
		latencyMin: cfg.LatencyMin.Milliseconds(),
		latencyMax: cfg.LatencyMax.Milliseconds(),
		rand:       cfg.Rand,
		now:        cfg.Now,
	}
	if g.difficulty == nil {
		g.difficulty = StaticDifficultyManager(DefaultDifficultyConfig().Base)
	}
	if len(g.algorithms) == 0 {
		g.algorithms = Algorithms
	}
	for _, alg := range g.algorithms {
		if !alg.IsValid() {
			return nil, fmt.Errorf("%w: %d", ErrUnknownAlgorithm, uint8(alg))
		}
	}
	if g.rand == nil {
		g.rand = rand.Reader
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g, nil
}

// Generate creates a challenge with a random nonce, algorithm and latency,
// stamped and signed.
func (g *generatorImpl) Generate() (*Challenge, error) {
	nonce := make([]byte, protocol.NonceSize)
	if _, err := io.ReadFull(g.rand, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	algIdx, err := g.intn(int64(len(g.algorithms)))
	if err != nil {
		return nil, fmt.Errorf("failed to pick algorithm: %w", err)
	}
	latency, err := g.intn(g.latencyMax - g.latencyMin + 1)
	if err != nil {
		return nil, fmt.Errorf("failed to pick latency: %w", err)
	}

	c := &Challenge{
		Type:       protocol.ChallengeTypePoW,
		Nonce:      codec.HexEncode(nonce),
		Difficulty: g.difficulty.Current(),
		Algorithm:  g.algorithms[algIdx],
		Latency:    int(g.latencyMin + latency),
	}

	timestamp := g.now().UnixMilli()
	if err := c.SetField(FieldTimestamp, timestamp); err != nil {
		return nil, err
	}
	if err := c.SetField(FieldSignature, codec.HexEncode(sign(g.secret, c, timestamp))); err != nil {
		return nil, err
	}
	return c, nil
}

func (g *generatorImpl) intn(n int64) (int64, error) {
	if n <= 1 {
		return 0, nil
	}
	v, err := rand.Int(g.rand, big.NewInt(n))
	if err != nil {
		return 0, err
	}
	return v.Int64(), nil
}

// sign computes HMAC-SHA256 over
// type || challenge || byte(difficulty) || algorithm || be64(timestamp) || be16(latency).
func sign(secret []byte, c *Challenge, timestamp int64) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(c.Type))
	mac.Write([]byte(c.Nonce))
	mac.Write([]byte{byte(c.Difficulty)})
	mac.Write([]byte(c.Algorithm.String()))

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(timestamp))
	mac.Write(buf[:])
	binary.BigEndian.PutUint16(buf[:2], uint16(c.Latency))
	mac.Write(buf[:2])

	return mac.Sum(nil)
}
