// Package optimizer updates model parameters from their accumulated
// gradients.
package optimizer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tsawler/go-plm/tensor"
)

// Optimizer defines the common interface for all optimizers. State can be
// captured and restored so a run can be resumed.
type Optimizer interface {
	// Step applies one update using the current gradients of every group.
	Step() error

	// ZeroGrad drops the gradients of every parameter.
	ZeroGrad()

	// Groups returns the parameter groups in construction order.
	Groups() []*ParamGroup

	// SetLearningRate sets the learning rate of group i.
	SetLearningRate(i int, lr float64)

	GetStepCount() uint64

	GetState() (*State, error)
	LoadState(state *State) error
}

// ParamGroup is a set of parameters sharing hyperparameters.
type ParamGroup struct {
	Name        string
	LR          float64 // current learning rate
	BaseLR      float64 // learning rate before scheduling
	WeightDecay float64
	Params      []*tensor.Tensor
}

// NewParamGroup creates a group whose current and base learning rates are lr.
func NewParamGroup(name string, lr, weightDecay float64, params []*tensor.Tensor) *ParamGroup {
	return &ParamGroup{Name: name, LR: lr, BaseLR: lr, WeightDecay: weightDecay, Params: params}
}

// State is a host snapshot of an optimizer.
type State struct {
	Type       string             `json:"type"`
	Parameters map[string]float64 `json:"parameters"`
	StateData  []StateTensor      `json:"state_data"`
}

// StateTensor is one per-parameter state buffer, named "<kind>_<group>_<index>".
type StateTensor struct {
	Name      string    `json:"name"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"`
}

// stateName builds the name of a state tensor.
func stateName(kind string, group, index int) string {
	return fmt.Sprintf("%s_%d_%d", kind, group, index)
}

// parseStateName splits a state tensor name into kind, group and index.
func parseStateName(name string) (kind string, group, index int, err error) {
	parts := strings.Split(name, "_")
	if len(parts) < 3 {
		return "", 0, 0, fmt.Errorf("malformed state name %q", name)
	}
	if group, err = strconv.Atoi(parts[len(parts)-2]); err != nil {
		return "", 0, 0, fmt.Errorf("malformed state name %q", name)
	}
	if index, err = strconv.Atoi(parts[len(parts)-1]); err != nil {
		return "", 0, 0, fmt.Errorf("malformed state name %q", name)
	}
	return strings.Join(parts[:len(parts)-2], "_"), group, index, nil
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *State) error {
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
