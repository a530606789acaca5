package main

import (
	"context"
	"crypto/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/powgate/internal/config"
	"github.com/powgate/internal/gateway"
	"github.com/powgate/internal/logging"
	"github.com/powgate/internal/metrics"
	"github.com/powgate/internal/pow"
	"github.com/powgate/internal/replay"
)

func main() {
	// Panics with the offending key if the environment is invalid
	cfg := config.MustLoadGateway()

	logger := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Output:  os.Stdout,
		Service: "powgate-server",
	})
	logging.SetDefault(logger)

	logger.Info("starting challenge service",
		"version", "1.0.0",
		"address", cfg.ListenAddress,
		"metrics_address", cfg.MetricsAddress,
	)

	metricsServer, err := metrics.StartServer(cfg.MetricsAddress, nil)
	if err != nil {
		logger.Error("failed to start metrics server", logging.Err(err))
		os.Exit(1)
	}
	logger.Info("metrics server started", "address", cfg.MetricsAddress)

	keys, err := gateway.LoadKeyPair(cfg.PrivateKey)
	if err != nil {
		logger.Error("failed to load service key", logging.Err(err))
		os.Exit(1)
	}
	if cfg.PrivateKey == "" {
		logger.Warn("PRIVATE_KEY not set, using an ephemeral key pair")
	}

	secret := cfg.PowSecret
	if len(secret) == 0 {
		// Challenges issued before a restart become unverifiable.
		secret = make([]byte, pow.MinSecretLength)
		if _, err := rand.Read(secret); err != nil {
			logger.Error("failed to generate signing secret", logging.Err(err))
			os.Exit(1)
		}
		logger.Warn("POW_SECRET not set, using an ephemeral signing secret")
	}

	difficultyManager := pow.NewDifficultyManager(pow.DifficultyConfig{
		Base:                    cfg.PowDifficulty,
		Min:                     cfg.PowMinDifficulty,
		Max:                     cfg.PowMaxDifficulty,
		UpdateInterval:          10 * time.Second,
		InFlightThresholdHigh:   cfg.MaxInFlight / 2,
		InFlightThresholdMedium: cfg.MaxInFlight / 10,
		RateThresholdHigh:       cfg.RateLimitRPS * 20,
		RateThresholdMedium:     cfg.RateLimitRPS * 5,
		RejectThreshold:         0.2,
	})

	generator, err := pow.NewGenerator(pow.GeneratorConfig{
		Secret:     secret,
		Difficulty: difficultyManager,
		LatencyMin: cfg.LatencyMin,
		LatencyMax: cfg.LatencyMax,
	})
	if err != nil {
		logger.Error("failed to create challenge generator", logging.Err(err))
		os.Exit(1)
	}

	verifier, err := pow.NewVerifier(pow.VerifierConfig{
		Secret:           secret,
		ChallengeTimeout: cfg.ChallengeTimeout,
		ClockSkew:        cfg.ClockSkewTolerance,
	})
	if err != nil {
		logger.Error("failed to create answer verifier", logging.Err(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := []gateway.Option{gateway.WithLogger(logger)}
	if cfg.RedisAddr != "" {
		store, err := replay.NewRedis(ctx, replay.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			logger.Error("failed to connect to redis", logging.Err(err))
			os.Exit(1)
		}
		logger.Info("using redis replay store", "address", cfg.RedisAddr)
		opts = append(opts, gateway.WithReplayStore(store))
	}

	gw := gateway.New(cfg, keys, generator, verifier, opts...)

	difficultyManager.Start(ctx, gw.Load)
	defer difficultyManager.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- gw.Start(ctx)
	}()

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
		if err := <-errChan; err != nil {
			logger.Error("gateway shutdown error", logging.Err(err))
		}
	case err := <-errChan:
		if err != nil {
			logger.Error("gateway error", logging.Err(err))
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", logging.Err(err))
	}

	logger.Info("server shutdown complete")
}
