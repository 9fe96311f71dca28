package pipeline

import (
	"sync"
	"time"

	"github.com/MrWong99/visionvoice/pkg/types"
)

// Step is the outcome of one adaptive evaluation.
type Step int

const (
	StepHold Step = iota
	StepReduce
	StepIncrease
)

func (s Step) String() string {
	switch s {
	case StepReduce:
		return "reduce"
	case StepIncrease:
		return "increase"
	default:
		return "hold"
	}
}

// AdaptiveConfig holds the thresholds of an [Adaptive] controller.
type AdaptiveConfig struct {
	Min, Max    types.Resolution
	HighLatency time.Duration
	LowLatency  time.Duration
	TargetFPS   float64
	EvalFrames  int
}

// Adaptive scales the working resolution with observed performance. Frames
// are recorded as they finish; [Adaptive.Evaluate] decides once at least
// EvalFrames new frames have been recorded since the previous decision.
//
// The latency of the most recent frame is compared to the thresholds:
// above HighLatency the resolution is halved (never below Min); below
// LowLatency, and only while throughput is under TargetFPS, it is doubled
// (never above Max). There is no hysteresis.
type Adaptive struct {
	cfg AdaptiveConfig
	now func() time.Time

	mu      sync.Mutex
	frames  int
	since   time.Time
	latency time.Duration
}

// NewAdaptive returns a controller whose first window starts now.
func NewAdaptive(cfg AdaptiveConfig, now func() time.Time) *Adaptive {
	if now == nil {
		now = time.Now
	}
	if cfg.EvalFrames <= 0 {
		cfg.EvalFrames = 10
	}
	return &Adaptive{cfg: cfg, now: now, since: now()}
}

// Record notes a finished frame and its end-to-end latency.
func (a *Adaptive) Record(latency time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frames++
	a.latency = latency
}

// Evaluate returns the resolution to use after current and the step taken.
// Without enough new frames it returns current and [StepHold] and keeps the
// window open.
func (a *Adaptive) Evaluate(current types.Resolution) (types.Resolution, Step) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frames < a.cfg.EvalFrames {
		return current, StepHold
	}
	now := a.now()
	elapsed := now.Sub(a.since).Seconds()
	throughput := 0.0
	if elapsed > 0 {
		throughput = float64(a.frames) / elapsed
	}
	a.frames, a.since = 0, now

	switch {
	case a.latency > a.cfg.HighLatency:
		next := types.Resolution{
			Width:  max(current.Width/2, a.cfg.Min.Width),
			Height: max(current.Height/2, a.cfg.Min.Height),
		}
		if next != current {
			return next, StepReduce
		}
	case a.latency < a.cfg.LowLatency && throughput < a.cfg.TargetFPS:
		next := types.Resolution{
			Width:  min(current.Width*2, a.cfg.Max.Width),
			Height: min(current.Height*2, a.cfg.Max.Height),
		}
		if next != current {
			return next, StepIncrease
		}
	}
	return current, StepHold
}
