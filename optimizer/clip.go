package optimizer

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-plm/tensor"
)

// ClipGradNorm rescales the gradients of params in place so that their
// combined L2 norm is at most maxNorm. It returns the norm before clipping.
// Parameters without a gradient are skipped.
func ClipGradNorm(params []*tensor.Tensor, maxNorm float64) (float64, error) {
	var sumSq float64
	grads := make([][]float32, 0, len(params))
	for _, p := range params {
		g := p.Grad()
		if g == nil {
			continue
		}
		gv, err := tensor.Float64s(g)
		if err != nil {
			return 0, err
		}
		n := floats.Norm(gv, 2)
		sumSq += n * n
		raw, _ := g.Float32s()
		grads = append(grads, raw)
	}
	total := math.Sqrt(sumSq)
	coef := maxNorm / (total + 1e-6)
	if coef < 1 {
		for _, g := range grads {
			for i := range g {
				g[i] = float32(float64(g[i]) * coef)
			}
		}
	}
	return total, nil
}
