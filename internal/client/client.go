// Package client implements the challenge client: it obtains an encrypted
// proof-of-work challenge, solves it, and forwards the caller's request with
// the encrypted answer attached.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/powgate/internal/channel"
	"github.com/powgate/internal/codec"
	"github.com/powgate/internal/config"
	"github.com/powgate/internal/logging"
	"github.com/powgate/internal/metrics"
	"github.com/powgate/internal/pow"
	"github.com/powgate/internal/protocol"
	"github.com/powgate/internal/workpool"
)

var (
	// ErrUnexpectedStatus indicates the challenge endpoint did not answer 200.
	ErrUnexpectedStatus = errors.New("unexpected status from challenge endpoint")

	// ErrDifficultyTooHigh indicates a challenge above the configured MaxDifficulty.
	ErrDifficultyTooHigh = errors.New("challenge difficulty exceeds limit")
)

// Doer sends an HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// DoerFunc adapts a function to the Doer interface.
type DoerFunc func(req *http.Request) (*http.Response, error)

// Do calls f(req).
func (f DoerFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Handshake is the state of one challenge exchange.
type Handshake struct {
	// Keys is the ephemeral key pair generated for this exchange.
	Keys *channel.KeyPair

	// ServerKey is the public key the challenge service answered with.
	ServerKey *[protocol.PublicKeySize]byte

	// Challenge is the decrypted and validated challenge.
	Challenge *pow.Challenge
}

// Client answers challenges on behalf of outgoing requests.
type Client struct {
	cfg     config.Client
	doer    Doer
	solver  pow.Solver
	pool    *workpool.Pool
	logger  *logging.Logger
	metrics *metrics.Client
	rand    io.Reader
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithDoer sets the HTTP client used for both the challenge request and the
// forwarded request.
func WithDoer(d Doer) Option {
	return func(c *Client) {
		c.doer = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithMetrics sets the metrics instruments.
func WithMetrics(m *metrics.Client) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithPool sets the pool that solves run on. Sharing one pool across
// clients bounds the total number of concurrent solves.
func WithPool(p *workpool.Pool) Option {
	return func(c *Client) {
		c.pool = p
	}
}

// WithSolver replaces the proof-of-work solver.
func WithSolver(s pow.Solver) Option {
	return func(c *Client) {
		c.solver = s
	}
}

// WithRandom sets the entropy source for key generation.
func WithRandom(r io.Reader) Option {
	return func(c *Client) {
		c.rand = r
	}
}

// WithSleep replaces the pacing delay.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		c.sleep = fn
	}
}

// New creates a client from a validated configuration.
func New(cfg config.Client, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Client{
		cfg:   cfg,
		sleep: sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.doer == nil {
		c.doer = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if c.solver == nil {
		c.solver = pow.NewSolver()
	}
	if c.pool == nil {
		c.pool = workpool.New(cfg.SolveWorkers)
	}
	if c.logger == nil {
		c.logger = logging.Default()
	}
	if c.metrics == nil {
		c.metrics = metrics.DefaultClient()
	}

	return c, nil
}

// Config returns the configuration the client was built with.
func (c *Client) Config() config.Client {
	return c.cfg
}

// RequestChallenge generates a key pair, posts its public half to the
// challenge endpoint and decrypts the challenge it returns. Transport,
// status, body and decryption failures are ProtocolErrors; a decrypted
// challenge the solver cannot work on is a ValidationError.
func (c *Client) RequestChallenge(ctx context.Context) (*Handshake, error) {
	f := c.newFlow(c.cfg.ChallengeURL)
	h, err := c.requestChallenge(ctx, f)
	if err != nil {
		return nil, f.fail(err)
	}
	return h, nil
}

// BuildAnswer encrypts the challenge fields plus counter for the service
// and returns the header value.
func (c *Client) BuildAnswer(h *Handshake, counter uint32) (string, error) {
	doc, err := json.Marshal(pow.Answer{Challenge: *h.Challenge, Counter: counter})
	if err != nil {
		return "", fmt.Errorf("marshal answer: %w", err)
	}

	sealed, err := channel.SealAnswer(h.ServerKey, h.Keys, doc)
	if err != nil {
		return "", err
	}

	return codec.EncodeBase64URL(sealed), nil
}

// Do runs the handshake and forwards a copy of req with the answer header
// set. Caller headers are kept except the answer header, which is
// overwritten. Nothing is retried.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	f := c.newFlow(req.URL.String())
	start := time.Now()

	h, err := c.requestChallenge(ctx, f)
	if err != nil {
		return nil, f.fail(err)
	}

	counter, err := c.solve(ctx, f, h.Challenge)
	if err != nil {
		return nil, f.fail(err)
	}

	answer, err := c.BuildAnswer(h, counter)
	if err != nil {
		return nil, f.fail(err)
	}
	f.transition(StateAnswerEncrypted)

	if err := c.pace(ctx, h.Challenge.Latency); err != nil {
		return nil, f.fail(err)
	}

	out := req.Clone(ctx)
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	setAnswerHeader(out.Header, c.cfg.AnswerHeader, answer)
	f.transition(StateHeaderAttached)

	resp, err := c.doer.Do(out)
	if err != nil {
		return nil, f.fail(fmt.Errorf("forward request: %w", err))
	}
	f.transition(StateForwarded)

	c.metrics.RecordHandshake(true)
	c.metrics.RecordForwarded(resp.StatusCode)
	f.logger.Info("request forwarded",
		slog.Int("status", resp.StatusCode),
		logging.Duration(time.Since(start)),
	)

	return resp, nil
}

// setAnswerHeader replaces every value stored under name, including
// values the caller put under a non-canonical spelling of it.
func setAnswerHeader(h http.Header, name, value string) {
	for k := range h {
		if strings.EqualFold(k, name) {
			delete(h, k)
		}
	}
	h.Set(name, value)
}

// RequestOptions mirrors the options of a plain fetch call.
type RequestOptions struct {
	Method string
	Header http.Header
	Body   io.Reader
}

// Fetch builds a request for url and passes it through Do. A nil opts
// means a GET without headers.
func (c *Client) Fetch(ctx context.Context, url string, opts *RequestOptions) (*http.Response, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, url, opts.Body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	return c.Do(req)
}

func (c *Client) requestChallenge(ctx context.Context, f *flow) (*Handshake, error) {
	const op = "request challenge"

	keys, err := channel.GenerateKeyPair(c.rand)
	if err != nil {
		return nil, err
	}
	f.transition(StateKeysGenerated)

	body := codec.EncodeBase64URL(keys.Public[:])
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ChallengeURL, strings.NewReader(body))
	if err != nil {
		return nil, protocol.ProtocolError(op, err)
	}
	req.Header.Set("Content-Type", protocol.ContentTypeText)

	f.transition(StateChallengeRequested)
	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, protocol.ProtocolError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, protocol.MaxMessageSize))
		return nil, protocol.ProtocolError(op, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode))
	}

	var msg protocol.ChallengeResponse
	if err := protocol.ReadMessage(resp.Body, &msg); err != nil {
		return nil, err
	}
	f.transition(StateChallengeReceived)

	rawKey, err := codec.DecodeBase64URL(msg.PublicKey)
	if err != nil {
		return nil, protocol.ProtocolError("decode server key", err)
	}
	serverKey, err := channel.ParsePublicKey(rawKey)
	if err != nil {
		return nil, protocol.ProtocolError("decode server key", err)
	}
	envelope, err := codec.DecodeBase64URL(msg.Challenge)
	if err != nil {
		return nil, protocol.ProtocolError("decode challenge", err)
	}

	plaintext, err := channel.Decrypt(serverKey, keys.Private, envelope)
	if err != nil {
		return nil, protocol.ProtocolError("decrypt challenge", err)
	}

	challenge, err := pow.ParseChallenge(plaintext)
	if err != nil {
		return nil, err
	}
	if challenge.Difficulty > c.cfg.MaxDifficulty {
		return nil, protocol.ValidationError(op,
			fmt.Errorf("%w: %d > %d", ErrDifficultyTooHigh, challenge.Difficulty, c.cfg.MaxDifficulty))
	}
	f.transition(StateChallengeDecrypted)

	f.logger.Debug("challenge received",
		logging.Algorithm(challenge.Algorithm.String()),
		logging.Difficulty(challenge.Difficulty),
		slog.Int("latency_ms", challenge.Latency),
	)

	return &Handshake{Keys: keys, ServerKey: serverKey, Challenge: challenge}, nil
}

// solve runs the search on the pool and waits for its result.
func (c *Client) solve(ctx context.Context, f *flow, ch *pow.Challenge) (uint32, error) {
	res := <-workpool.Submit(ctx, c.pool, func(ctx context.Context) (uint32, error) {
		c.metrics.ActiveSolvers.Inc()
		defer c.metrics.ActiveSolvers.Dec()

		alg := ch.Algorithm.String()
		var reported uint64
		progress := func(iterations uint64) {
			c.metrics.AddHashes(alg, iterations-reported)
			reported = iterations
			f.logger.Debug("solving", logging.Algorithm(alg), slog.Uint64("iterations", iterations))
		}

		start := time.Now()
		var counter uint32
		var err error
		if sp, ok := c.solver.(pow.SolverWithProgress); ok {
			counter, err = sp.SolveWithProgress(ctx, ch.Nonce, ch.Difficulty, ch.Algorithm, progress)
		} else {
			counter, err = c.solver.Solve(ctx, ch.Nonce, ch.Difficulty, ch.Algorithm)
		}
		if err != nil {
			return 0, err
		}
		c.metrics.AddHashes(alg, uint64(counter)+1-reported)
		c.metrics.ObserveSolve(alg, ch.Difficulty, time.Since(start))
		return counter, nil
	})
	if res.Err != nil {
		return 0, res.Err
	}

	f.transition(StateSolved)
	f.logger.Debug("challenge solved", logging.Counter(res.Value))
	return res.Value, nil
}

// pace waits the latency the service demands between issuance and answer.
func (c *Client) pace(ctx context.Context, latencyMs int) error {
	d := time.Duration(latencyMs) * time.Millisecond
	if d > 0 {
		if err := c.sleep(ctx, d); err != nil {
			return err
		}
	}
	c.metrics.ObservePacing(d)
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// flow tracks one pass through the handshake.
type flow struct {
	state   State
	logger  *logging.Logger
	metrics *metrics.Client
}

func (c *Client) newFlow(url string) *flow {
	return &flow{
		state:   StateInit,
		logger:  c.logger.With(logging.FlowID(uuid.NewString()), logging.URL(url)),
		metrics: c.metrics,
	}
}

func (f *flow) transition(to State) {
	f.logger.Debug("state transition",
		slog.String("from", f.state.String()),
		logging.State(to),
	)
	f.state = to
}

// fail records err against the current state, moves to FAILED and returns err.
func (f *flow) fail(err error) error {
	failed := f.state
	f.transition(StateFailed)

	f.metrics.RecordHandshake(false)
	f.metrics.RecordFailure(failed.String(), failureKind(err))
	f.logger.Warn("handshake failed",
		slog.String("failed_state", failed.String()),
		logging.Err(err),
	)
	return err
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case protocol.KindOf(err) != 0:
		return protocol.KindOf(err).String()
	default:
		return "other"
	}
}
