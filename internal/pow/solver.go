package pow

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/powgate/internal/protocol"
)

const (
	// contextCheckInterval defines how often to check for context cancellation.
	contextCheckInterval = 10000

	// CounterSpace is the number of distinct 32-bit counters.
	CounterSpace = uint64(math.MaxUint32) + 1

	defaultReportInterval = 100000
)

var (
	// ErrCounterExhausted indicates that no 32-bit counter meets the target.
	ErrCounterExhausted = errors.New("counter space exhausted without finding solution")

	// ErrMaxIterationsExceeded indicates the configured iteration cap was hit.
	ErrMaxIterationsExceeded = errors.New("maximum iterations exceeded without finding solution")
)

// Solver finds the smallest counter whose digest meets the difficulty.
type Solver interface {
	// Solve searches hash(nonce || be32(counter)) for counter = 0, 1, ...
	// and returns the first counter with at least difficulty leading zero bits.
	Solve(ctx context.Context, nonceHex string, difficulty int, alg Algorithm) (uint32, error)
}

// ProgressCallback is called every ReportInterval iterations with the
// number of digests computed so far.
type ProgressCallback func(iterations uint64)

// SolverWithProgress provides progress reporting during solving.
type SolverWithProgress interface {
	Solver
	SolveWithProgress(ctx context.Context, nonceHex string, difficulty int, alg Algorithm, callback ProgressCallback) (uint32, error)
}

// SolverConfig configures the solver behavior.
type SolverConfig struct {
	// MaxIterations caps the search. Zero means the whole counter space.
	MaxIterations uint64

	// ReportInterval is the number of iterations between progress callbacks.
	ReportInterval uint64
}

type solverImpl struct {
	maxIterations  uint64
	reportInterval uint64
}

// NewSolver creates a solver that searches the whole counter space.
func NewSolver() SolverWithProgress {
	return NewSolverWithConfig(SolverConfig{})
}

// NewSolverWithConfig creates a solver with custom configuration.
func NewSolverWithConfig(cfg SolverConfig) SolverWithProgress {
	maxIter := cfg.MaxIterations
	if maxIter == 0 || maxIter > CounterSpace {
		maxIter = CounterSpace
	}
	report := cfg.ReportInterval
	if report == 0 {
		report = defaultReportInterval
	}
	return &solverImpl{
		maxIterations:  maxIter,
		reportInterval: report,
	}
}

// Solve implements Solver.
func (s *solverImpl) Solve(ctx context.Context, nonceHex string, difficulty int, alg Algorithm) (uint32, error) {
	return s.SolveWithProgress(ctx, nonceHex, difficulty, alg, nil)
}

// SolveWithProgress implements SolverWithProgress. The context is polled
// every 10K iterations.
func (s *solverImpl) SolveWithProgress(ctx context.Context, nonceHex string, difficulty int, alg Algorithm, callback ProgressCallback) (uint32, error) {
	nonce, err := decodeNonce(nonceHex)
	if err != nil {
		return 0, err
	}
	if err := validateDifficulty(difficulty); err != nil {
		return 0, err
	}
	if !alg.IsValid() {
		return 0, protocol.ValidationError("solve", fmt.Errorf("%w: %d", ErrUnknownAlgorithm, uint8(alg)))
	}

	data := make([]byte, protocol.NonceSize+protocol.CounterSize)
	copy(data, nonce)

	for i := uint64(0); i < s.maxIterations; i++ {
		if i%contextCheckInterval == 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			default:
			}
		}

		if callback != nil && i > 0 && i%s.reportInterval == 0 {
			callback(i)
		}

		counter := uint32(i)
		binary.BigEndian.PutUint32(data[protocol.NonceSize:], counter)
		digest := alg.Sum(data)

		if HasLeadingZeros(digest[:], difficulty) {
			return counter, nil
		}
	}

	if s.maxIterations < CounterSpace {
		return 0, protocol.ValidationError("solve", fmt.Errorf("%w: %d", ErrMaxIterationsExceeded, s.maxIterations))
	}
	return 0, protocol.ValidationError("solve", ErrCounterExhausted)
}

// Digest returns hash(nonce || be32(counter)) for a decoded nonce.
func Digest(alg Algorithm, nonce []byte, counter uint32) [DigestSize]byte {
	data := make([]byte, len(nonce)+protocol.CounterSize)
	copy(data, nonce)
	binary.BigEndian.PutUint32(data[len(nonce):], counter)
	return alg.Sum(data)
}
