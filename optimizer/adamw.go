package optimizer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-plm/tensor"
)

// AdamWConfig holds the hyperparameters shared by every group.
type AdamWConfig struct {
	Beta1   float64
	Beta2   float64
	Epsilon float64
}

// DefaultAdamWConfig returns the usual AdamW constants.
func DefaultAdamWConfig() AdamWConfig {
	return AdamWConfig{
		Beta1:   0.9,
		Beta2:   0.999,
		Epsilon: 1e-8,
	}
}

// AdamW is Adam with decoupled weight decay. Moments are kept in float64 per
// parameter and created on the first step that sees a gradient.
type AdamW struct {
	config    AdamWConfig
	groups    []*ParamGroup
	m, v      [][][]float64 // [group][param][elem]
	stepCount uint64
}

var _ Optimizer = (*AdamW)(nil)

// NewAdamW creates an optimizer over groups. Parameters that do not require
// gradients are rejected so that frozen weights can never be updated.
func NewAdamW(config AdamWConfig, groups ...*ParamGroup) (*AdamW, error) {
	if len(groups) == 0 {
		return nil, fmt.Errorf("no parameter groups provided")
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1), got %g and %g", config.Beta1, config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %g", config.Epsilon)
	}
	opt := &AdamW{config: config, groups: groups}
	opt.m = make([][][]float64, len(groups))
	opt.v = make([][][]float64, len(groups))
	for gi, g := range groups {
		if g.LR <= 0 {
			return nil, fmt.Errorf("group %q has non-positive learning rate %g", g.Name, g.LR)
		}
		for _, p := range g.Params {
			if !p.RequiresGrad() {
				return nil, fmt.Errorf("group %q contains a parameter that does not require gradients", g.Name)
			}
			if p.DType != tensor.Float32 {
				return nil, fmt.Errorf("group %q contains a %s parameter", g.Name, p.DType)
			}
		}
		opt.m[gi] = make([][]float64, len(g.Params))
		opt.v[gi] = make([][]float64, len(g.Params))
	}
	return opt, nil
}

func (o *AdamW) Step() error {
	o.stepCount++
	t := float64(o.stepCount)
	bc1 := 1 - math.Pow(o.config.Beta1, t)
	bc2 := 1 - math.Pow(o.config.Beta2, t)

	for gi, g := range o.groups {
		for pi, p := range g.Params {
			grad := p.Grad()
			if grad == nil {
				continue
			}
			gv, err := tensor.Float64s(grad)
			if err != nil {
				return fmt.Errorf("group %q param %d: %v", g.Name, pi, err)
			}
			values, err := p.Float32s()
			if err != nil {
				return fmt.Errorf("group %q param %d: %v", g.Name, pi, err)
			}
			if o.m[gi][pi] == nil {
				o.m[gi][pi] = make([]float64, len(values))
				o.v[gi][pi] = make([]float64, len(values))
			}
			m, v := o.m[gi][pi], o.v[gi][pi]

			// m = β1·m + (1-β1)·g
			floats.Scale(o.config.Beta1, m)
			floats.AddScaled(m, 1-o.config.Beta1, gv)
			// v = β2·v + (1-β2)·g²
			sq := make([]float64, len(gv))
			floats.MulTo(sq, gv, gv)
			floats.Scale(o.config.Beta2, v)
			floats.AddScaled(v, 1-o.config.Beta2, sq)

			decay := 1 - g.LR*g.WeightDecay
			for i := range values {
				mhat := m[i] / bc1
				vhat := math.Max(v[i]/bc2, 0)
				w := float64(values[i]) * decay
				values[i] = float32(w - g.LR*mhat/(math.Sqrt(vhat)+o.config.Epsilon))
			}
		}
	}
	return nil
}

func (o *AdamW) ZeroGrad() {
	for _, g := range o.groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}

func (o *AdamW) Groups() []*ParamGroup { return o.groups }

func (o *AdamW) SetLearningRate(i int, lr float64) {
	o.groups[i].LR = lr
}

func (o *AdamW) GetStepCount() uint64 { return o.stepCount }

func (o *AdamW) GetState() (*State, error) {
	state := &State{
		Type: "AdamW",
		Parameters: map[string]float64{
			"beta1":      o.config.Beta1,
			"beta2":      o.config.Beta2,
			"epsilon":    o.config.Epsilon,
			"step_count": float64(o.stepCount),
		},
	}
	for gi := range o.groups {
		for pi := range o.groups[gi].Params {
			if o.m[gi][pi] == nil {
				continue
			}
			state.StateData = append(state.StateData,
				StateTensor{Name: stateName("m", gi, pi), Data: toFloat32(o.m[gi][pi]), StateType: "m"},
				StateTensor{Name: stateName("v", gi, pi), Data: toFloat32(o.v[gi][pi]), StateType: "v"},
			)
		}
	}
	return state, nil
}

func (o *AdamW) LoadState(state *State) error {
	if err := validateStateType("AdamW", state); err != nil {
		return err
	}
	for _, st := range state.StateData {
		kind, gi, pi, err := parseStateName(st.Name)
		if err != nil {
			return err
		}
		if gi >= len(o.groups) || pi >= len(o.groups[gi].Params) {
			return fmt.Errorf("state %q does not match the parameter groups", st.Name)
		}
		if n := o.groups[gi].Params[pi].NumElems; len(st.Data) != n {
			return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d", st.Name, n, len(st.Data))
		}
		buf := make([]float64, len(st.Data))
		for i, x := range st.Data {
			buf[i] = float64(x)
		}
		switch kind {
		case "m":
			o.m[gi][pi] = buf
		case "v":
			o.v[gi][pi] = buf
		default:
			return fmt.Errorf("unknown state kind %q", kind)
		}
	}
	o.stepCount = uint64(state.Parameters["step_count"])
	return nil
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
