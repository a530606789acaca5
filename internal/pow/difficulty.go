package pow

import (
	"context"
	"sync/atomic"
	"time"
)

// Load is a snapshot of the challenge service's traffic.
type Load struct {
	// InFlight is the number of requests currently being served.
	InFlight int

	// Rate is challenges issued per second since the previous snapshot.
	Rate float64

	// RejectRatio is the share of requests refused by the rate limiter (0.0 to 1.0).
	RejectRatio float64
}

// DifficultyManager manages dynamic difficulty adjustment based on load.
type DifficultyManager interface {
	// Current returns the current difficulty level.
	Current() int

	// Update recalculates difficulty from a load snapshot.
	Update(load Load)

	// Start begins the background update loop.
	// gather is called once per interval to take a snapshot.
	Start(ctx context.Context, gather func() Load)

	// Stop stops the background update loop.
	Stop()
}

// DifficultyConfig holds configuration for the difficulty manager.
type DifficultyConfig struct {
	// Base is the difficulty under normal load (default: 16)
	Base int

	// Min is the minimum difficulty level (default: 12)
	Min int

	// Max is the maximum difficulty level (default: 22)
	Max int

	// UpdateInterval is how often to recalculate difficulty (default: 10s)
	UpdateInterval time.Duration

	// InFlightThresholdHigh triggers +2 difficulty when exceeded (default: 500)
	InFlightThresholdHigh int

	// InFlightThresholdMedium triggers +1 difficulty when exceeded (default: 100)
	InFlightThresholdMedium int

	// RateThresholdHigh triggers +2 difficulty when exceeded (default: 200)
	RateThresholdHigh float64

	// RateThresholdMedium triggers +1 difficulty when exceeded (default: 50)
	RateThresholdMedium float64

	// RejectThreshold triggers +1 difficulty when exceeded (default: 0.2)
	RejectThreshold float64
}

// DefaultDifficultyConfig returns the default difficulty configuration.
func DefaultDifficultyConfig() DifficultyConfig {
	return DifficultyConfig{
		Base:                    16,
		Min:                     12,
		Max:                     22,
		UpdateInterval:          10 * time.Second,
		InFlightThresholdHigh:   500,
		InFlightThresholdMedium: 100,
		RateThresholdHigh:       200,
		RateThresholdMedium:     50,
		RejectThreshold:         0.2,
	}
}

type difficultyManager struct {
	config   DifficultyConfig
	current  atomic.Int32
	stopChan chan struct{}
	stopped  atomic.Bool
}

// NewDifficultyManager creates a new difficulty manager. Zero fields take
// their defaults and Base is clamped to [Min, Max].
func NewDifficultyManager(config DifficultyConfig) DifficultyManager {
	def := DefaultDifficultyConfig()
	if config.Base == 0 {
		config.Base = def.Base
	}
	if config.Min == 0 {
		config.Min = def.Min
	}
	if config.Max == 0 {
		config.Max = def.Max
	}
	if config.Max > MaxDifficulty {
		config.Max = MaxDifficulty
	}
	if config.Min > config.Max {
		config.Min = config.Max
	}
	if config.UpdateInterval == 0 {
		config.UpdateInterval = def.UpdateInterval
	}
	if config.InFlightThresholdHigh == 0 {
		config.InFlightThresholdHigh = def.InFlightThresholdHigh
	}
	if config.InFlightThresholdMedium == 0 {
		config.InFlightThresholdMedium = def.InFlightThresholdMedium
	}
	if config.RateThresholdHigh == 0 {
		config.RateThresholdHigh = def.RateThresholdHigh
	}
	if config.RateThresholdMedium == 0 {
		config.RateThresholdMedium = def.RateThresholdMedium
	}
	if config.RejectThreshold == 0 {
		config.RejectThreshold = def.RejectThreshold
	}

	config.Base = clamp(config.Base, config.Min, config.Max)

	dm := &difficultyManager{
		config:   config,
		stopChan: make(chan struct{}),
	}
	dm.current.Store(int32(config.Base))

	return dm
}

// Current returns the current difficulty level.
func (m *difficultyManager) Current() int {
	return int(m.current.Load())
}

// Update recalculates difficulty from a load snapshot.
func (m *difficultyManager) Update(load Load) {
	adjustment := 0

	if load.InFlight > m.config.InFlightThresholdHigh {
		adjustment += 2
	} else if load.InFlight > m.config.InFlightThresholdMedium {
		adjustment += 1
	}

	if load.Rate > m.config.RateThresholdHigh {
		adjustment += 2
	} else if load.Rate > m.config.RateThresholdMedium {
		adjustment += 1
	}

	if load.RejectRatio > m.config.RejectThreshold {
		adjustment += 1
	}

	m.current.Store(int32(clamp(m.config.Base+adjustment, m.config.Min, m.config.Max)))
}

// Start begins the background update loop.
func (m *difficultyManager) Start(ctx context.Context, gather func() Load) {
	go m.updateLoop(ctx, gather)
}

func (m *difficultyManager) updateLoop(ctx context.Context, gather func() Load) {
	ticker := time.NewTicker(m.config.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			if gather != nil {
				m.Update(gather())
			}
		}
	}
}

// Stop stops the background update loop.
func (m *difficultyManager) Stop() {
	if m.stopped.CompareAndSwap(false, true) {
		close(m.stopChan)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// StaticDifficultyManager returns a difficulty manager that always returns the given difficulty.
func StaticDifficultyManager(difficulty int) DifficultyManager {
	return &staticDifficultyManager{difficulty: difficulty}
}

type staticDifficultyManager struct {
	difficulty int
}

func (m *staticDifficultyManager) Current() int {
	return m.difficulty
}

func (m *staticDifficultyManager) Update(Load) {}

func (m *staticDifficultyManager) Start(context.Context, func() Load) {}

func (m *staticDifficultyManager) Stop() {}
