package training

import (
	"errors"
	"math"
	"testing"

	"github.com/tsawler/go-plm/errdefs"
)

func TestGateStrictlyImproving(t *testing.T) {
	g, err := NewValidationGate("loss", "min", 2)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range []float64{1.0, 0.9, 0.5, 0.49, 0.1} {
		d, err := g.Observe(v, nil)
		if err != nil {
			t.Fatal(err)
		}
		if !d.Save || d.Stop || d.State != Improved {
			t.Errorf("epoch %d: got %+v, want save without stop", i, d)
		}
	}
}

func TestGateConstantSequenceStopsAtPatience(t *testing.T) {
	for _, patience := range []int{1, 2, 3} {
		g, _ := NewValidationGate("loss", "min", patience)
		var stoppedAt []int
		for epoch := 0; epoch < 2*patience+4; epoch++ {
			d, err := g.Observe(0.7, nil)
			if err != nil {
				t.Fatal(err)
			}
			if epoch == 0 && !d.Save {
				t.Errorf("patience %d: first epoch did not save", patience)
			}
			if epoch > 0 && d.Save {
				t.Errorf("patience %d: tie at epoch %d counted as improvement", patience, epoch)
			}
			if d.Stop {
				stoppedAt = append(stoppedAt, epoch)
			}
			if epoch >= patience && d.State != Stopped {
				t.Errorf("patience %d: state at epoch %d is %s, want stopped", patience, epoch, d.State)
			}
		}
		if len(stoppedAt) != 1 || stoppedAt[0] != patience {
			t.Errorf("patience %d: stop signalled at epochs %v, want exactly [%d]", patience, stoppedAt, patience)
		}
	}
}

func TestGateScenarioNeverImproves(t *testing.T) {
	g, _ := NewValidationGate("loss", "min", 2)
	var stoppedAt = -1
	for epoch, v := range []float64{1.0, 1.1, 1.2} {
		d, _ := g.Observe(v, nil)
		if d.Save != (epoch == 0) {
			t.Errorf("epoch %d: save=%v", epoch, d.Save)
		}
		if d.Stop {
			stoppedAt = epoch
		}
	}
	if stoppedAt != 2 {
		t.Errorf("Expected stop after epoch index 2, got %d", stoppedAt)
	}
	if g.Best() != 1.0 {
		t.Errorf("Best should stay at 1.0, got %v", g.Best())
	}
	d, err := g.Observe(0.1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.Stop || d.Save || d.State != Stopped {
		t.Errorf("A stopped gate should stay stopped without signalling again, got %+v", d)
	}
	if g.Best() != 1.0 {
		t.Errorf("A stopped gate should ignore later results, best is %v", g.Best())
	}
}

func TestGateMaxMetric(t *testing.T) {
	g, _ := NewValidationGate("accuracy", "max", 0)
	if g.Best() != math.Inf(-1) {
		t.Errorf("max gate starts at %v", g.Best())
	}
	seq := []float64{0.5, 0.6, 0.6, 0.4, 0.7}
	wantSave := []bool{true, true, false, false, true}
	for i, v := range seq {
		d, err := g.Observe(100, map[string]float64{"accuracy": v})
		if err != nil {
			t.Fatal(err)
		}
		if d.Save != wantSave[i] || d.Stop {
			t.Errorf("step %d: %+v", i, d)
		}
	}
	if g.Counter() != 0 {
		t.Errorf("counter should be reset, got %d", g.Counter())
	}
}

func TestGateErrors(t *testing.T) {
	if _, err := NewValidationGate("loss", "median", 1); !errors.Is(err, errdefs.ErrConfiguration) {
		t.Errorf("Expected configuration error for strategy, got %v", err)
	}
	if _, err := NewValidationGate("loss", "min", -1); !errors.Is(err, errdefs.ErrConfiguration) {
		t.Errorf("Expected configuration error for patience, got %v", err)
	}
	g, _ := NewValidationGate("f1", "max", 1)
	if _, err := g.Observe(0.3, map[string]float64{"accuracy": 1}); !errors.Is(err, errdefs.ErrConfiguration) {
		t.Errorf("Expected configuration error for absent monitor, got %v", err)
	}
}
