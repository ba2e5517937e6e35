package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-plm/errdefs"
)

// LRScheduler maps an optimizer step to a learning rate multiplier. Like
// the rest of the loop it is a pure function of the step.
type LRScheduler interface {
	// Factor returns the multiplier applied to every group's base learning
	// rate after step optimizer steps.
	Factor(step int) float64

	// Name returns the scheduler name for logging.
	Name() string
}

// ConstantScheduler keeps the learning rate, after an optional warmup.
type ConstantScheduler struct {
	Warmup int
}

func (s *ConstantScheduler) Factor(step int) float64 {
	return warmup(step, s.Warmup, 1)
}

func (s *ConstantScheduler) Name() string { return "constant" }

// LinearScheduler warms up linearly, then decays linearly to zero at Total.
type LinearScheduler struct {
	Warmup int
	Total  int
}

func (s *LinearScheduler) Factor(step int) float64 {
	if step < s.Warmup {
		return warmup(step, s.Warmup, 1)
	}
	return math.Max(0, float64(s.Total-step)/float64(max(1, s.Total-s.Warmup)))
}

func (s *LinearScheduler) Name() string { return "linear" }

// CosineScheduler warms up linearly, then follows half a cosine to zero at
// Total.
type CosineScheduler struct {
	Warmup int
	Total  int
}

func (s *CosineScheduler) Factor(step int) float64 {
	if step < s.Warmup {
		return warmup(step, s.Warmup, 1)
	}
	progress := float64(step-s.Warmup) / float64(max(1, s.Total-s.Warmup))
	if progress >= 1 {
		return 0
	}
	return 0.5 * (1 + math.Cos(math.Pi*progress))
}

func (s *CosineScheduler) Name() string { return "cosine" }

// StepScheduler reduces the learning rate by Gamma every StepSize steps.
type StepScheduler struct {
	StepSize int
	Gamma    float64
}

func (s *StepScheduler) Factor(step int) float64 {
	return math.Pow(s.Gamma, float64(step/s.StepSize))
}

func (s *StepScheduler) Name() string { return "step" }

func warmup(step, steps int, target float64) float64 {
	if steps <= 0 || step >= steps {
		return target
	}
	return target * float64(step) / float64(steps)
}

// scheduleFor builds the scheduler named in cfg for a run of total optimizer
// steps. An empty name means no scheduler.
func scheduleFor(cfg *Config, total int) (LRScheduler, error) {
	switch cfg.Scheduler {
	case "":
		return nil, nil
	case "constant":
		return &ConstantScheduler{Warmup: cfg.WarmupSteps}, nil
	case "linear":
		return &LinearScheduler{Warmup: cfg.WarmupSteps, Total: total}, nil
	case "cosine":
		return &CosineScheduler{Warmup: cfg.WarmupSteps, Total: total}, nil
	case "step":
		// ten decays over the run
		return &StepScheduler{StepSize: max(1, total/10), Gamma: 0.1}, nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q: %w", cfg.Scheduler, errdefs.ErrConfiguration)
	}
}
