package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Gateway configures the challenge service.
type Gateway struct {
	// Server
	ListenAddress   string        `env:"LISTEN_ADDRESS"`
	MetricsAddress  string        `env:"METRICS_ADDRESS"`
	MaxInFlight     int           `env:"MAX_IN_FLIGHT"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT"`
	GracefulTimeout time.Duration `env:"GRACEFUL_TIMEOUT"`

	// Routes
	ChallengePath   string `env:"CHALLENGE_PATH"`
	VerifyPath      string `env:"VERIFY_PATH"`
	ExampleEndpoint bool   `env:"EXAMPLE_ENDPOINT"`
	ExamplePath     string `env:"EXAMPLE_PATH"`
	APIKey          string `env:"API_KEY"`

	// Keys. Empty values are replaced by random ones at startup.
	PowSecret  []byte `env:"POW_SECRET"`
	PrivateKey string `env:"PRIVATE_KEY"`

	// PoW
	PowDifficulty      int           `env:"POW_DIFFICULTY"`
	PowMinDifficulty   int           `env:"POW_MIN_DIFFICULTY"`
	PowMaxDifficulty   int           `env:"POW_MAX_DIFFICULTY"`
	LatencyMin         time.Duration `env:"LATENCY_MIN"`
	LatencyMax         time.Duration `env:"LATENCY_MAX"`
	ChallengeTimeout   time.Duration `env:"CHALLENGE_TIMEOUT"`
	ClockSkewTolerance time.Duration `env:"CLOCK_SKEW_TOLERANCE"`

	// Replay protection. An empty RedisAddr keeps used challenges in memory.
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB"`
	ReplayTTL     time.Duration `env:"REPLAY_TTL"`

	// Rate limiting of challenge issuance per client IP
	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL"`
	LogFormat string `env:"LOG_FORMAT"`
}

// GatewayDefaults returns a gateway configuration with sensible defaults.
func GatewayDefaults() Gateway {
	return Gateway{
		ListenAddress:   ":4000",
		MetricsAddress:  ":9090",
		MaxInFlight:     10000,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		GracefulTimeout: 30 * time.Second,

		ChallengePath: "/getChallenge",
		VerifyPath:    "/verifyChallenge",
		ExamplePath:   "/exampleEndpoint",

		PowDifficulty:      16,
		PowMinDifficulty:   12,
		PowMaxDifficulty:   22,
		LatencyMin:         0,
		LatencyMax:         500 * time.Millisecond,
		ChallengeTimeout:   60 * time.Second,
		ClockSkewTolerance: 5 * time.Second,

		ReplayTTL: 2 * time.Minute,

		RateLimitRPS:   10,
		RateLimitBurst: 20,

		LogLevel:  "info",
		LogFormat: "json",
	}
}

// LoadGateway starts from GatewayDefaults and overrides with environment values.
func LoadGateway() (Gateway, error) {
	return loadGateway(nil)
}

func loadGateway(lookup func(string) (string, bool)) (Gateway, error) {
	cfg := GatewayDefaults()
	r := newEnvReader(lookup)

	r.String("LISTEN_ADDRESS", &cfg.ListenAddress)
	r.String("METRICS_ADDRESS", &cfg.MetricsAddress)
	r.Int("MAX_IN_FLIGHT", &cfg.MaxInFlight)
	r.Duration("READ_TIMEOUT", &cfg.ReadTimeout)
	r.Duration("WRITE_TIMEOUT", &cfg.WriteTimeout)
	r.Duration("GRACEFUL_TIMEOUT", &cfg.GracefulTimeout)

	r.String("CHALLENGE_PATH", &cfg.ChallengePath)
	r.String("VERIFY_PATH", &cfg.VerifyPath)
	r.Bool("EXAMPLE_ENDPOINT", &cfg.ExampleEndpoint)
	r.String("EXAMPLE_PATH", &cfg.ExamplePath)
	r.String("API_KEY", &cfg.APIKey)

	r.Bytes("POW_SECRET", &cfg.PowSecret)
	r.String("PRIVATE_KEY", &cfg.PrivateKey)

	r.Int("POW_DIFFICULTY", &cfg.PowDifficulty)
	r.Int("POW_MIN_DIFFICULTY", &cfg.PowMinDifficulty)
	r.Int("POW_MAX_DIFFICULTY", &cfg.PowMaxDifficulty)
	r.Duration("LATENCY_MIN", &cfg.LatencyMin)
	r.Duration("LATENCY_MAX", &cfg.LatencyMax)
	r.Duration("CHALLENGE_TIMEOUT", &cfg.ChallengeTimeout)
	r.Duration("CLOCK_SKEW_TOLERANCE", &cfg.ClockSkewTolerance)

	r.String("REDIS_ADDR", &cfg.RedisAddr)
	r.String("REDIS_PASSWORD", &cfg.RedisPassword)
	r.Int("REDIS_DB", &cfg.RedisDB)
	r.Duration("REPLAY_TTL", &cfg.ReplayTTL)

	r.Float("RATE_LIMIT_RPS", &cfg.RateLimitRPS)
	r.Int("RATE_LIMIT_BURST", &cfg.RateLimitBurst)

	r.String("LOG_LEVEL", &cfg.LogLevel)
	r.String("LOG_FORMAT", &cfg.LogFormat)

	if r.err != nil {
		return Gateway{}, r.err
	}
	return cfg, nil
}

// Gateway validation errors.
var (
	ErrMissingAPIKey          = errors.New("API_KEY is required")
	ErrPowSecretTooShort      = errors.New("POW_SECRET must be at least 32 bytes")
	ErrInvalidDifficultyRange = errors.New("POW_MIN_DIFFICULTY must be <= POW_MAX_DIFFICULTY, both within 0-256")
	ErrDifficultyOutOfRange   = errors.New("POW_DIFFICULTY must be between POW_MIN_DIFFICULTY and POW_MAX_DIFFICULTY")
	ErrInvalidLatencyRange    = errors.New("LATENCY_MIN must be <= LATENCY_MAX, both within 0-65535ms")
	ErrInvalidPath            = errors.New("route paths must start with / and be distinct")
	ErrInvalidMaxInFlight     = errors.New("MAX_IN_FLIGHT must be positive")
	ErrInvalidRateLimit       = errors.New("rate limit values must be positive")
	ErrReplayTTLTooShort      = errors.New("REPLAY_TTL must cover CHALLENGE_TIMEOUT plus CLOCK_SKEW_TOLERANCE")
)

// Validate checks the configuration for errors.
func (c Gateway) Validate() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	if len(c.PowSecret) > 0 && len(c.PowSecret) < 32 {
		return ErrPowSecretTooShort
	}

	if c.PowMinDifficulty < 0 || c.PowMaxDifficulty > 256 || c.PowMinDifficulty > c.PowMaxDifficulty {
		return ErrInvalidDifficultyRange
	}
	if c.PowDifficulty < c.PowMinDifficulty || c.PowDifficulty > c.PowMaxDifficulty {
		return ErrDifficultyOutOfRange
	}

	if c.LatencyMin < 0 || c.LatencyMin > c.LatencyMax || c.LatencyMax.Milliseconds() > 0xFFFF {
		return ErrInvalidLatencyRange
	}

	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 || c.GracefulTimeout <= 0 ||
		c.ChallengeTimeout <= 0 || c.ClockSkewTolerance < 0 {
		return ErrNegativeTimeout
	}
	if c.ReplayTTL < c.ChallengeTimeout+c.ClockSkewTolerance {
		return ErrReplayTTLTooShort
	}

	paths := []string{c.ChallengePath, c.VerifyPath}
	if c.ExampleEndpoint {
		paths = append(paths, c.ExamplePath)
	}
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		if !strings.HasPrefix(p, "/") || seen[p] {
			return fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
		seen[p] = true
	}

	if c.MaxInFlight <= 0 {
		return ErrInvalidMaxInFlight
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return ErrInvalidRateLimit
	}

	if !validLogLevel(c.LogLevel) {
		return ErrInvalidLogLevel
	}
	if !validLogFormat(c.LogFormat) {
		return ErrInvalidLogFormat
	}
	return nil
}

// MustLoadGateway loads and validates the gateway configuration, panicking on error.
func MustLoadGateway() Gateway {
	cfg, err := LoadGateway()
	if err != nil {
		panic(fmt.Sprintf("config load error: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("config validation error: %v", err))
	}
	return cfg
}
