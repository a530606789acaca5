package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/powgate/internal/client"
	"github.com/powgate/internal/config"
	"github.com/powgate/internal/logging"
	"github.com/powgate/internal/metrics"
	"github.com/powgate/internal/transport"
)

var (
	challengeURLFlag = &cli.StringFlag{
		Name:  "challenge-url",
		Usage: "Challenge endpoint of the service (overrides CHALLENGE_URL)",
	}
	methodFlag = &cli.StringFlag{
		Name:    "method",
		Aliases: []string{"X"},
		Value:   http.MethodGet,
		Usage:   "HTTP method of the protected request",
	}
	headerFlag = &cli.StringSliceFlag{
		Name:    "header",
		Aliases: []string{"H"},
		Usage:   "Extra request header as 'Name: value' (repeatable)",
	}
	dataFlag = &cli.StringFlag{
		Name:    "data",
		Aliases: []string{"d"},
		Usage:   "Request body",
	}
	answerHeaderFlag = &cli.StringFlag{
		Name:  "answer-header",
		Usage: "Header carrying the answer (overrides ANSWER_HEADER)",
	}
	workersFlag = &cli.IntFlag{
		Name:  "workers",
		Usage: "Concurrent solves (overrides SOLVE_WORKERS)",
	}
	maxDifficultyFlag = &cli.IntFlag{
		Name:  "max-difficulty",
		Usage: "Refuse challenges above this difficulty (overrides MAX_DIFFICULTY)",
	}
	timeoutFlag = &cli.DurationFlag{
		Name:  "timeout",
		Usage: "Per-request timeout (overrides REQUEST_TIMEOUT)",
	}
	tlsProfileFlag = &cli.StringFlag{
		Name:  "tls-profile",
		Usage: "Browser TLS fingerprint, e.g. chrome_124 (overrides TLS_PROFILE)",
	}
	proxyFlag = &cli.StringFlag{
		Name:  "proxy",
		Usage: "Proxy URL used with --tls-profile (overrides PROXY_URL)",
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "Log level: debug, info, warn, error (overrides LOG_LEVEL)",
	}
	metricsAddressFlag = &cli.StringFlag{
		Name:  "metrics-address",
		Usage: "Serve Prometheus metrics on this address while running",
	}
	verboseFlag = &cli.BoolFlag{
		Name:    "verbose",
		Aliases: []string{"v"},
		Usage:   "Print the response status and headers",
	}
)

func main() {
	app := &cli.App{
		Name:      "powgate-client",
		Usage:     "Fetch a protected URL, solving the proof-of-work challenge first",
		ArgsUsage: "URL",
		Flags: []cli.Flag{
			challengeURLFlag,
			methodFlag,
			headerFlag,
			dataFlag,
			answerHeaderFlag,
			workersFlag,
			maxDifficultyFlag,
			timeoutFlag,
			tlsProfileFlag,
			proxyFlag,
			logLevelFlag,
			metricsAddressFlag,
			verboseFlag,
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("exactly one URL argument is required", 2)
	}
	target := c.Args().First()

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Output:  os.Stderr,
		Service: "powgate-client",
	})
	logging.SetDefault(logger)

	if cfg.MetricsAddress != "" {
		srv, err := metrics.StartServer(cfg.MetricsAddress, nil)
		if err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer srv.Shutdown(context.Background())
	}

	opts := []client.Option{client.WithLogger(logger)}
	if cfg.TLSProfile != "" {
		tc, err := transport.NewTLSClient(transport.TLSConfig{
			Profile:  cfg.TLSProfile,
			Timeout:  cfg.RequestTimeout,
			ProxyURL: cfg.ProxyURL,
		})
		if err != nil {
			return err
		}
		opts = append(opts, client.WithDoer(tc))
	}

	agent, err := client.New(cfg, opts...)
	if err != nil {
		return err
	}

	header, err := parseHeaders(c.StringSlice(headerFlag.Name))
	if err != nil {
		return err
	}
	reqOpts := &client.RequestOptions{
		Method: strings.ToUpper(c.String(methodFlag.Name)),
		Header: header,
	}
	if data := c.String(dataFlag.Name); data != "" {
		reqOpts.Body = strings.NewReader(data)
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resp, err := agent.Fetch(ctx, target, reqOpts)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if c.Bool(verboseFlag.Name) {
		fmt.Fprintf(os.Stderr, "%s %s\n", resp.Proto, resp.Status)
		for name, values := range resp.Header {
			fmt.Fprintf(os.Stderr, "%s: %s\n", name, strings.Join(values, ", "))
		}
		fmt.Fprintln(os.Stderr)
	}

	if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return cli.Exit(fmt.Sprintf("request failed: %s", resp.Status), 1)
	}
	return nil
}

// loadConfig reads the environment and applies the flags on top.
func loadConfig(c *cli.Context) (config.Client, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return config.Client{}, err
	}

	cfg = cfg.Merge(config.Client{
		ChallengeURL:   c.String(challengeURLFlag.Name),
		AnswerHeader:   c.String(answerHeaderFlag.Name),
		SolveWorkers:   c.Int(workersFlag.Name),
		MaxDifficulty:  c.Int(maxDifficultyFlag.Name),
		RequestTimeout: c.Duration(timeoutFlag.Name),
		TLSProfile:     c.String(tlsProfileFlag.Name),
		ProxyURL:       c.String(proxyFlag.Name),
		LogLevel:       c.String(logLevelFlag.Name),
		MetricsAddress: c.String(metricsAddressFlag.Name),
	})
	if err := cfg.Validate(); err != nil {
		return config.Client{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func parseHeaders(values []string) (http.Header, error) {
	header := make(http.Header, len(values))
	for _, v := range values {
		name, value, ok := strings.Cut(v, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, want 'Name: value'", v)
		}
		header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return header, nil
}
