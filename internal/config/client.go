package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/powgate/internal/protocol"
)

// Client configures the challenge client.
type Client struct {
	ChallengeURL   string        `env:"CHALLENGE_URL"`
	AnswerHeader   string        `env:"ANSWER_HEADER"`
	SolveWorkers   int           `env:"SOLVE_WORKERS"`
	MaxDifficulty  int           `env:"MAX_DIFFICULTY"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT"`

	// TLSProfile selects a browser TLS fingerprint for outgoing requests.
	// Empty uses the standard library client.
	TLSProfile string `env:"TLS_PROFILE"`
	ProxyURL   string `env:"PROXY_URL"`

	LogLevel       string `env:"LOG_LEVEL"`
	LogFormat      string `env:"LOG_FORMAT"`
	MetricsAddress string `env:"METRICS_ADDRESS"`
}

// ClientDefaults returns a client configuration with sensible defaults.
// ChallengeURL has no default.
func ClientDefaults() Client {
	return Client{
		AnswerHeader:   protocol.HeaderAnswer,
		SolveWorkers:   4,
		MaxDifficulty:  32,
		RequestTimeout: 30 * time.Second,
		LogLevel:       "info",
		LogFormat:      "json",
	}
}

// LoadClient starts from ClientDefaults and overrides with environment values.
func LoadClient() (Client, error) {
	return loadClient(nil)
}

func loadClient(lookup func(string) (string, bool)) (Client, error) {
	cfg := ClientDefaults()
	r := newEnvReader(lookup)

	r.String("CHALLENGE_URL", &cfg.ChallengeURL)
	r.String("ANSWER_HEADER", &cfg.AnswerHeader)
	r.Int("SOLVE_WORKERS", &cfg.SolveWorkers)
	r.Int("MAX_DIFFICULTY", &cfg.MaxDifficulty)
	r.Duration("REQUEST_TIMEOUT", &cfg.RequestTimeout)
	r.String("TLS_PROFILE", &cfg.TLSProfile)
	r.String("PROXY_URL", &cfg.ProxyURL)
	r.String("LOG_LEVEL", &cfg.LogLevel)
	r.String("LOG_FORMAT", &cfg.LogFormat)
	r.String("METRICS_ADDRESS", &cfg.MetricsAddress)

	if r.err != nil {
		return Client{}, r.err
	}
	return cfg, nil
}

// Merge returns c with every non-zero field of partial applied on top.
func (c Client) Merge(partial Client) Client {
	if partial.ChallengeURL != "" {
		c.ChallengeURL = partial.ChallengeURL
	}
	if partial.AnswerHeader != "" {
		c.AnswerHeader = partial.AnswerHeader
	}
	if partial.SolveWorkers != 0 {
		c.SolveWorkers = partial.SolveWorkers
	}
	if partial.MaxDifficulty != 0 {
		c.MaxDifficulty = partial.MaxDifficulty
	}
	if partial.RequestTimeout != 0 {
		c.RequestTimeout = partial.RequestTimeout
	}
	if partial.TLSProfile != "" {
		c.TLSProfile = partial.TLSProfile
	}
	if partial.ProxyURL != "" {
		c.ProxyURL = partial.ProxyURL
	}
	if partial.LogLevel != "" {
		c.LogLevel = partial.LogLevel
	}
	if partial.LogFormat != "" {
		c.LogFormat = partial.LogFormat
	}
	if partial.MetricsAddress != "" {
		c.MetricsAddress = partial.MetricsAddress
	}
	return c
}

// Client validation errors.
var (
	ErrMissingChallengeURL  = errors.New("CHALLENGE_URL is required")
	ErrInvalidChallengeURL  = errors.New("CHALLENGE_URL must be an absolute http(s) URL")
	ErrInvalidAnswerHeader  = errors.New("ANSWER_HEADER must be a valid header name")
	ErrInvalidSolveWorkers  = errors.New("SOLVE_WORKERS must be positive")
	ErrInvalidMaxDifficulty = errors.New("MAX_DIFFICULTY must be between 0 and 256")
	ErrNegativeTimeout      = errors.New("timeout values must be positive")
	ErrInvalidLogLevel      = errors.New("LOG_LEVEL must be one of: debug, info, warn, error")
	ErrInvalidLogFormat     = errors.New("LOG_FORMAT must be one of: json, text")
)

// Validate checks the configuration for errors.
func (c Client) Validate() error {
	if c.ChallengeURL == "" {
		return ErrMissingChallengeURL
	}
	u, err := url.Parse(c.ChallengeURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidChallengeURL, c.ChallengeURL)
	}

	if c.AnswerHeader == "" || !validHeaderName(c.AnswerHeader) {
		return ErrInvalidAnswerHeader
	}
	if c.SolveWorkers <= 0 {
		return ErrInvalidSolveWorkers
	}
	if c.MaxDifficulty < 0 || c.MaxDifficulty > 256 {
		return ErrInvalidMaxDifficulty
	}
	if c.RequestTimeout <= 0 {
		return ErrNegativeTimeout
	}
	if !validLogLevel(c.LogLevel) {
		return ErrInvalidLogLevel
	}
	if !validLogFormat(c.LogFormat) {
		return ErrInvalidLogFormat
	}
	return nil
}

// validHeaderName reports whether s is an RFC 7230 token.
func validHeaderName(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == '!' || c == '#' || c == '$' ||
			c == '%' || c == '&' || c == '\'' || c == '*' || c == '+' || c == '^' ||
			c == '`' || c == '|' || c == '~':
		default:
			return false
		}
	}
	return true
}

// MustLoadClient loads and validates the client configuration, panicking on error.
func MustLoadClient() Client {
	cfg, err := LoadClient()
	if err != nil {
		panic(fmt.Sprintf("config load error: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("config validation error: %v", err))
	}
	return cfg
}
