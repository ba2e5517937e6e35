package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-plm/errdefs"
)

// GateState is the state of a ValidationGate after an observation.
type GateState int

const (
	AwaitingValidation GateState = iota
	Improved
	NotImproved
	Stopped
)

func (s GateState) String() string {
	switch s {
	case AwaitingValidation:
		return "awaiting_validation"
	case Improved:
		return "improved"
	case NotImproved:
		return "not_improved"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("GateState(%d)", int(s))
	}
}

// Decision is the outcome of one validation.
type Decision struct {
	State        GateState
	MonitorValue float64
	// Save is set when the monitor strictly improved.
	Save bool
	// Stop is set when patience ran out; training halts after this epoch.
	Stop bool
}

// ValidationGate decides after each validation whether to save a checkpoint
// and whether to stop training.
type ValidationGate struct {
	monitor  string
	maximize bool
	patience int

	state   GateState
	best    float64
	counter int
}

// NewValidationGate creates a gate on monitor ("loss" or a metric name),
// strategy ("min" or "max") and patience (0 disables stopping).
func NewValidationGate(monitor, strategy string, patience int) (*ValidationGate, error) {
	if monitor == "" {
		return nil, fmt.Errorf("monitor is required: %w", errdefs.ErrConfiguration)
	}
	if strategy != "min" && strategy != "max" {
		return nil, fmt.Errorf("monitor strategy must be min or max, got %q: %w", strategy, errdefs.ErrConfiguration)
	}
	if patience < 0 {
		return nil, fmt.Errorf("patience must not be negative, got %d: %w", patience, errdefs.ErrConfiguration)
	}
	g := &ValidationGate{monitor: monitor, maximize: strategy == "max", patience: patience}
	g.best = math.Inf(1)
	if g.maximize {
		g.best = math.Inf(-1)
	}
	return g, nil
}

// State is the state after the latest observation.
func (g *ValidationGate) State() GateState { return g.state }

// Best is the best monitor value seen so far.
func (g *ValidationGate) Best() float64 { return g.best }

// Counter is the number of validations since the last improvement.
func (g *ValidationGate) Counter() int { return g.counter }

// Monitor is the name of the monitored quantity.
func (g *ValidationGate) Monitor() string { return g.monitor }

// Observe records one validation result. Stop is signalled once; a stopped
// gate stays Stopped and ignores further results.
func (g *ValidationGate) Observe(loss float64, metrics map[string]float64) (Decision, error) {
	if g.state == Stopped {
		return Decision{State: Stopped, MonitorValue: g.best}, nil
	}
	value := loss
	if g.monitor != "loss" {
		v, ok := metrics[g.monitor]
		if !ok {
			return Decision{}, fmt.Errorf("monitor %q is not among the validation metrics: %w", g.monitor, errdefs.ErrConfiguration)
		}
		value = v
	}

	better := value < g.best
	if g.maximize {
		better = value > g.best
	}
	d := Decision{MonitorValue: value}
	if better {
		g.best = value
		g.counter = 0
		g.state = Improved
		d.Save = true
	} else {
		g.counter++
		g.state = NotImproved
		if g.patience > 0 && g.counter >= g.patience {
			g.state = Stopped
			d.Stop = true
		}
	}
	d.State = g.state
	return d, nil
}
