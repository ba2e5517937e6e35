package training

import "math"

// ConfusionMatrix represents a confusion matrix for classification tasks.
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// Add records one prediction. Out of range classes are skipped.
func (cm *ConfusionMatrix) Add(trueClass, predClass int) {
	if trueClass < 0 || trueClass >= cm.NumClasses || predClass < 0 || predClass >= cm.NumClasses {
		return
	}
	cm.Matrix[trueClass][predClass]++
	cm.TotalSamples++
}

// Accuracy is the fraction of correct predictions.
func (cm *ConfusionMatrix) Accuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// Binary classification metrics (class 1 is positive)

func (cm *ConfusionMatrix) binaryCounts() (tp, fp, fn, tn float64) {
	return float64(cm.Matrix[1][1]), float64(cm.Matrix[0][1]), float64(cm.Matrix[1][0]), float64(cm.Matrix[0][0])
}

func (cm *ConfusionMatrix) BinaryPrecision() float64 {
	tp, fp, _, _ := cm.binaryCounts()
	return ratio(tp, tp+fp)
}

func (cm *ConfusionMatrix) BinaryRecall() float64 {
	tp, _, fn, _ := cm.binaryCounts()
	return ratio(tp, tp+fn)
}

func (cm *ConfusionMatrix) BinaryF1() float64 {
	p, r := cm.BinaryPrecision(), cm.BinaryRecall()
	return ratio(2*p*r, p+r)
}

func (cm *ConfusionMatrix) BinaryMCC() float64 {
	tp, fp, fn, tn := cm.binaryCounts()
	den := math.Sqrt((tp + fp) * (tp + fn) * (tn + fp) * (tn + fn))
	return ratio(tp*tn-fp*fn, den)
}

// Micro-averaged multi-class metrics pool every class's counts.

func (cm *ConfusionMatrix) microCounts() (tp, fp, fn float64) {
	for i := 0; i < cm.NumClasses; i++ {
		for j := 0; j < cm.NumClasses; j++ {
			if i == j {
				tp += float64(cm.Matrix[i][j])
			} else {
				// a miss is a false negative for i and a false positive for j
				fp += float64(cm.Matrix[i][j])
				fn += float64(cm.Matrix[i][j])
			}
		}
	}
	return tp, fp, fn
}

func (cm *ConfusionMatrix) MicroPrecision() float64 {
	tp, fp, _ := cm.microCounts()
	return ratio(tp, tp+fp)
}

func (cm *ConfusionMatrix) MicroRecall() float64 {
	tp, _, fn := cm.microCounts()
	return ratio(tp, tp+fn)
}

func (cm *ConfusionMatrix) MicroF1() float64 {
	p, r := cm.MicroPrecision(), cm.MicroRecall()
	return ratio(2*p*r, p+r)
}

// MCC is the multi-class Matthews correlation coefficient.
func (cm *ConfusionMatrix) MCC() float64 {
	var c, s, pt, pp, tt float64
	for k := 0; k < cm.NumClasses; k++ {
		var p, t float64
		for j := 0; j < cm.NumClasses; j++ {
			p += float64(cm.Matrix[j][k])
			t += float64(cm.Matrix[k][j])
		}
		c += float64(cm.Matrix[k][k])
		pt += p * t
		pp += p * p
		tt += t * t
	}
	s = float64(cm.TotalSamples)
	return ratio(c*s-pt, math.Sqrt((s*s-pp)*(s*s-tt)))
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}
