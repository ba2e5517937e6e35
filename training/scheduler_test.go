package training

import (
	"errors"
	"math"
	"testing"

	"github.com/tsawler/go-plm/errdefs"
)

func TestSchedulers(t *testing.T) {
	cases := []struct {
		name  string
		s     LRScheduler
		steps []int
		want  []float64
	}{
		{"constant", &ConstantScheduler{}, []int{0, 5, 100}, []float64{1, 1, 1}},
		{"constant warmup", &ConstantScheduler{Warmup: 4}, []int{0, 2, 4, 8}, []float64{0, 0.5, 1, 1}},
		{"linear", &LinearScheduler{Warmup: 2, Total: 10}, []int{0, 1, 2, 6, 10, 12}, []float64{0, 0.5, 1, 0.5, 0, 0}},
		{"cosine", &CosineScheduler{Total: 10}, []int{0, 5, 10, 11}, []float64{1, 0.5, 0, 0}},
		{"step", &StepScheduler{StepSize: 3, Gamma: 0.1}, []int{0, 2, 3, 6}, []float64{1, 1, 0.1, 0.01}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			for i, step := range c.steps {
				if got := c.s.Factor(step); math.Abs(got-c.want[i]) > 1e-9 {
					t.Errorf("step %d: expected %v, got %v", step, c.want[i], got)
				}
			}
		})
	}
}

func TestScheduleFor(t *testing.T) {
	cfg := DefaultConfig()
	if s, err := scheduleFor(&cfg, 100); err != nil || s != nil {
		t.Errorf("Empty scheduler should be nil, got %v, %v", s, err)
	}
	for _, name := range []string{"constant", "linear", "cosine", "step"} {
		cfg.Scheduler = name
		s, err := scheduleFor(&cfg, 100)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if s.Name() != name {
			t.Errorf("Expected %s, got %s", name, s.Name())
		}
	}
	cfg.Scheduler = "plateau"
	if _, err := scheduleFor(&cfg, 100); !errors.Is(err, errdefs.ErrConfiguration) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}
