package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/urfave/cli/v2"

	"github.com/powgate/internal/client"
	"github.com/powgate/internal/config"
	"github.com/powgate/internal/logging"
	"github.com/powgate/internal/metrics"
	"github.com/powgate/internal/pow"
)

// Stats tracks load test statistics.
type Stats struct {
	totalRequests   atomic.Int64
	successRequests atomic.Int64
	failedRequests  atomic.Int64
	rejected        atomic.Int64 // protected endpoint answered >= 400
	totalRoundTrip  atomic.Int64 // nanoseconds
}

func main() {
	app := &cli.App{
		Name:  "powgate-loadtest",
		Usage: "Hammer a protected endpoint through the challenge client",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "challenge-url", Value: "http://localhost:4000/getChallenge", Usage: "Challenge endpoint"},
			&cli.StringFlag{Name: "target", Value: "http://localhost:4000/exampleEndpoint", Usage: "Protected URL"},
			&cli.StringFlag{Name: "method", Value: http.MethodPost, Usage: "HTTP method of the protected request"},
			&cli.IntFlag{Name: "workers", Value: 10, Usage: "Number of concurrent workers"},
			&cli.IntFlag{Name: "solvers", Value: 4, Usage: "Concurrent solves shared by all workers"},
			&cli.Uint64Flag{Name: "report-interval", Value: 100000, Usage: "Hashes between solver progress updates"},
			&cli.DurationFlag{Name: "duration", Value: 30 * time.Second, Usage: "Test duration"},
			&cli.DurationFlag{Name: "ramp-up", Value: 5 * time.Second, Usage: "Ramp-up time to start all workers"},
			&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second, Usage: "Per-request timeout"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	workers := c.Int("workers")
	duration := c.Duration("duration")
	rampUp := c.Duration("ramp-up")
	target := c.String("target")
	method := c.String("method")

	cfg := config.ClientDefaults()
	cfg.ChallengeURL = c.String("challenge-url")
	cfg.SolveWorkers = c.Int("solvers")
	cfg.RequestTimeout = c.Duration("timeout")

	reg := prometheus.NewRegistry()
	agent, err := client.New(cfg,
		client.WithLogger(logging.New(logging.Config{Level: "error", Format: "text"})),
		client.WithMetrics(metrics.NewClient(reg)),
		client.WithSolver(pow.NewSolverWithConfig(pow.SolverConfig{ReportInterval: c.Uint64("report-interval")})),
		client.WithDoer(&http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: &http.Transport{MaxIdleConnsPerHost: workers * 2},
		}),
	)
	if err != nil {
		return err
	}

	fmt.Println("=== Challenge Gateway Load Test ===")
	fmt.Printf("Target:   %s %s\n", method, target)
	fmt.Printf("Workers:  %d\n", workers)
	fmt.Printf("Solvers:  %d\n", cfg.SolveWorkers)
	fmt.Printf("Duration: %s\n", duration)
	fmt.Printf("Ramp-up:  %s\n", rampUp)
	fmt.Println()

	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelRun := context.WithTimeout(ctx, duration)
	defer cancelRun()

	// Requests carry the answer header through the client's RoundTripper.
	httpClient := agent.HTTPClient()

	stats := &Stats{}
	var wg sync.WaitGroup

	startTime := time.Now()
	workerDelay := rampUp / time.Duration(workers)

	go printLiveStats(ctx, stats, reg, startTime)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runWorker(ctx, httpClient, method, target, stats)
		}()

		if i < workers-1 {
			select {
			case <-ctx.Done():
			case <-time.After(workerDelay):
			}
		}
	}

	wg.Wait()

	printFinalStats(stats, time.Since(startTime))
	return printSolveStats(reg)
}

func runWorker(ctx context.Context, httpClient *http.Client, method, target string, stats *Stats) {
	for ctx.Err() == nil {
		if err := doRequest(ctx, httpClient, method, target, stats); err != nil {
			if ctx.Err() != nil {
				return
			}
			stats.failedRequests.Add(1)
			// Brief backoff on error
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
}

func doRequest(ctx context.Context, httpClient *http.Client, method, target string, stats *Stats) error {
	roundTripStart := time.Now()
	stats.totalRequests.Add(1)

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		stats.rejected.Add(1)
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}

	stats.successRequests.Add(1)
	stats.totalRoundTrip.Add(int64(time.Since(roundTripStart)))
	return nil
}

func printLiveStats(ctx context.Context, stats *Stats, reg prometheus.Gatherer, startTime time.Time) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			elapsed := time.Since(startTime).Seconds()
			total := stats.totalRequests.Load()
			success := stats.successRequests.Load()
			failed := stats.failedRequests.Load()

			successRate := float64(0)
			if total > 0 {
				successRate = float64(success) / float64(total) * 100
			}

			avgRoundTrip := time.Duration(0)
			if success > 0 {
				avgRoundTrip = time.Duration(stats.totalRoundTrip.Load() / success)
			}

			fmt.Printf("[%5.1fs] Requests: %d | Success: %d (%.1f%%) | Failed: %d | RPS: %.1f | Avg RT: %v | Hashes/s: %.0f\n",
				elapsed, total, success, successRate, failed, float64(total)/elapsed, avgRoundTrip.Truncate(time.Millisecond),
				hashesComputed(reg)/elapsed)
		}
	}
}

func printFinalStats(stats *Stats, duration time.Duration) {
	fmt.Println()
	fmt.Println("=== Final Results ===")

	total := stats.totalRequests.Load()
	success := stats.successRequests.Load()
	failed := stats.failedRequests.Load()

	fmt.Printf("Duration:        %v\n", duration.Truncate(time.Millisecond))
	fmt.Printf("Total Requests:  %d\n", total)
	fmt.Printf("Successful:      %d\n", success)
	fmt.Printf("Failed:          %d\n", failed)
	fmt.Printf("Rejected (4xx+): %d\n", stats.rejected.Load())

	if total > 0 {
		fmt.Printf("Success Rate:    %.2f%%\n", float64(success)/float64(total)*100)
		fmt.Printf("Requests/sec:    %.2f\n", float64(total)/duration.Seconds())
	}
	if success > 0 {
		avgRoundTrip := time.Duration(stats.totalRoundTrip.Load() / success)
		fmt.Printf("Avg Round Trip:  %v\n", avgRoundTrip.Truncate(time.Millisecond))
	}
	fmt.Println()
}

// printSolveStats reports the average solve time per algorithm from the
// client's solve histogram.
func printSolveStats(reg prometheus.Gatherer) error {
	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	var lines []string
	for _, mf := range families {
		if mf.GetName() != "powgate_client_solve_duration_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			h := m.GetHistogram()
			if h.GetSampleCount() == 0 {
				continue
			}
			avg := time.Duration(h.GetSampleSum() / float64(h.GetSampleCount()) * float64(time.Second))
			lines = append(lines, fmt.Sprintf("  %-10s solves: %6d  avg: %v",
				labelValue(m, "algorithm"), h.GetSampleCount(), avg.Truncate(time.Microsecond)))
		}
	}
	if len(lines) == 0 {
		return nil
	}

	sort.Strings(lines)
	fmt.Println("=== Solve Time by Algorithm ===")
	for _, l := range lines {
		fmt.Println(l)
	}
	fmt.Println()
	return nil
}

// hashesComputed sums the solver digest counter over all algorithms. It
// includes the progress of solves still running.
func hashesComputed(reg prometheus.Gatherer) float64 {
	families, err := reg.Gather()
	if err != nil {
		return 0
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != "powgate_client_hashes_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
