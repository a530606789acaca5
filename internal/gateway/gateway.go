// Package gateway is the challenge service: it issues encrypted, signed
// proof-of-work challenges and verifies the answers clients attach to
// their requests.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/google/uuid"

	"github.com/powgate/internal/channel"
	"github.com/powgate/internal/config"
	"github.com/powgate/internal/logging"
	"github.com/powgate/internal/metrics"
	"github.com/powgate/internal/pow"
	"github.com/powgate/internal/ratelimit"
	"github.com/powgate/internal/replay"
	"github.com/powgate/internal/workpool"
)

// HeaderRequestID echoes the id assigned to every request.
const HeaderRequestID = "X-Request-ID"

// Gateway serves the challenge and verify endpoints.
type Gateway struct {
	cfg       config.Gateway
	app       *fiber.App
	keys      *channel.KeyPair
	generator pow.Generator
	verifier  pow.Verifier
	replay    replay.Store
	limiter   ratelimit.Limiter
	sampler   *ratelimit.Sampler
	inFlight  *workpool.Pool
	logger    *logging.Logger
	metrics   *metrics.Gateway

	running   atomic.Bool
	closeOnce sync.Once
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *Gateway) {
		g.logger = l
	}
}

// WithMetrics sets the metrics instruments.
func WithMetrics(m *metrics.Gateway) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithReplayStore sets the store of used challenges. The gateway closes it
// on shutdown.
func WithReplayStore(s replay.Store) Option {
	return func(g *Gateway) {
		g.replay = s
	}
}

// WithLimiter sets the challenge issuance limiter. The gateway closes it
// on shutdown.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(g *Gateway) {
		g.limiter = l
	}
}

// New creates a gateway. keys is the service key pair every challenge is
// encrypted with; generator and verifier must share a secret.
func New(cfg config.Gateway, keys *channel.KeyPair, generator pow.Generator, verifier pow.Verifier, opts ...Option) *Gateway {
	g := &Gateway{
		cfg:       cfg,
		keys:      keys,
		generator: generator,
		verifier:  verifier,
		inFlight:  workpool.New(cfg.MaxInFlight),
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.logger == nil {
		g.logger = logging.Default()
	}
	if g.metrics == nil {
		g.metrics = metrics.DefaultGateway()
	}
	if g.replay == nil {
		g.replay = replay.NewMemory(replay.DefaultMemoryConfig())
	}
	if g.limiter == nil {
		rl := ratelimit.DefaultConfig()
		rl.Rate = cfg.RateLimitRPS
		rl.Burst = cfg.RateLimitBurst
		g.limiter = ratelimit.New(rl)
	}
	g.sampler = ratelimit.NewSampler(g.limiter)

	g.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		ErrorHandler:          g.handleError,
	})
	g.routes()

	return g
}

func (g *Gateway) routes() {
	g.app.Use(g.trackRequest)

	if g.cfg.ExampleEndpoint {
		g.app.Use(cors.New())
	}

	g.app.Post(g.cfg.ChallengePath, g.handleChallenge)
	g.app.Post(g.cfg.VerifyPath, g.handleVerify)

	if g.cfg.ExampleEndpoint {
		g.app.All(g.cfg.ExamplePath, g.RequireAnswer(), g.handleExample)
	}
}

// App returns the underlying fiber application so callers can mount
// their own routes behind RequireAnswer.
func (g *Gateway) App() *fiber.App {
	return g.app
}

// trackRequest assigns a request id, scopes the logger to it and caps the
// number of requests served at once.
func (g *Gateway) trackRequest(c *fiber.Ctx) error {
	id := uuid.NewString()
	c.Set(HeaderRequestID, id)

	logger := g.logger.With(logging.RequestID(id), logging.RemoteAddr(c.IP()))
	c.SetUserContext(logging.WithContext(c.UserContext(), logger))

	if !g.inFlight.TryAcquire() {
		g.metrics.RecordRejected(metrics.ReasonPoolFull)
		logger.Debug("request rejected", logging.Err(workpool.ErrPoolFull))
		return fiber.NewError(fiber.StatusServiceUnavailable, workpool.ErrPoolFull.Error())
	}
	defer g.inFlight.Release()

	g.metrics.RequestsInFlight.Inc()
	defer g.metrics.RequestsInFlight.Dec()

	return c.Next()
}

func (g *Gateway) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	} else {
		logging.FromContext(c.UserContext()).Error("request failed", logging.Err(err))
	}
	return c.Status(code).JSON(result(err.Error()))
}

// Load reports the figures the difficulty manager adapts to.
func (g *Gateway) Load() pow.Load {
	rate, rejectRatio := g.sampler.Sample()
	return pow.Load{
		InFlight:    g.inFlight.Active(),
		Rate:        rate,
		RejectRatio: rejectRatio,
	}
}

// Start listens on the configured address until ctx ends, then shuts down
// within GracefulTimeout.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.running.CompareAndSwap(false, true) {
		return errors.New("gateway already running")
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gateway started",
			slog.String("address", g.cfg.ListenAddress),
			slog.String("challenge_path", g.cfg.ChallengePath),
			slog.String("verify_path", g.cfg.VerifyPath),
			slog.Bool("example_endpoint", g.cfg.ExampleEndpoint),
		)
		errCh <- g.app.Listen(g.cfg.ListenAddress)
	}()

	select {
	case err := <-errCh:
		g.close()
		return fmt.Errorf("listen on %s: %w", g.cfg.ListenAddress, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), g.cfg.GracefulTimeout)
	defer cancel()
	return g.Shutdown(shutdownCtx)
}

// Shutdown stops accepting requests, waits for in-flight ones until ctx
// ends and releases the limiter and replay store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("gateway shutting down")

	err := g.app.ShutdownWithContext(ctx)
	if err != nil {
		g.logger.Warn("graceful shutdown incomplete", logging.Err(err))
	}
	g.close()

	g.logger.Info("gateway stopped")
	return err
}

func (g *Gateway) close() {
	g.closeOnce.Do(func() {
		g.limiter.Close()
		if err := g.replay.Close(); err != nil {
			g.logger.Warn("close replay store", logging.Err(err))
		}
		g.running.Store(false)
	})
}

func retryAfterSeconds(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func clientKey(c *fiber.Ctx) string {
	return strings.Clone(c.IP())
}
