package training

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// ArgMax returns the index of the largest value, or -1 for an empty row
func ArgMax(row []float64) int {
	if len(row) == 0 {
		return -1
	}
	return floats.MaxIdx(row)
}

func argMax32(row []float32) int {
	best := -1
	for i, v := range row {
		if best < 0 || v > row[best] {
			best = i
		}
	}
	return best
}

// Accuracy is the fraction of rows whose highest prediction matches the hot
// index of the label row.
func Accuracy(predictions [][]float64, labels [][]float32) float64 {
	if len(predictions) == 0 || len(predictions) != len(labels) {
		return 0
	}
	correct := 0
	for i := range predictions {
		if ArgMax(predictions[i]) == argMax32(labels[i]) {
			correct++
		}
	}
	return float64(correct) / float64(len(predictions))
}

// MetricType represents different evaluation metrics
type MetricType int

const (
	// Binary Classification Metrics, class 1 is positive
	Precision MetricType = iota
	Recall
	F1Score
	Specificity

	// Multi-class Metrics
	MacroPrecision
	MacroRecall
	MacroF1
	MicroPrecision
	MicroRecall
	MicroF1
)

func (mt MetricType) String() string {
	switch mt {
	case Precision:
		return "Precision"
	case Recall:
		return "Recall"
	case F1Score:
		return "F1Score"
	case Specificity:
		return "Specificity"
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	case MicroPrecision:
		return "MicroPrecision"
	case MicroRecall:
		return "MicroRecall"
	case MicroF1:
		return "MicroF1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix counts predictions per true class
type ConfusionMatrix struct {
	Labels       []string
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates a matrix with one row and column per label
func NewConfusionMatrix(labels []string) *ConfusionMatrix {
	matrix := make([][]int, len(labels))
	for i := range matrix {
		matrix[i] = make([]int, len(labels))
	}
	return &ConfusionMatrix{
		Labels: append([]string(nil), labels...),
		Matrix: matrix,
	}
}

// NumClasses returns the number of classes
func (cm *ConfusionMatrix) NumClasses() int {
	return len(cm.Labels)
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

// Update adds a batch of predicted probabilities and true class indices
func (cm *ConfusionMatrix) Update(predictions [][]float64, trueClasses []int) error {
	if len(predictions) != len(trueClasses) {
		return fmt.Errorf("predictions length mismatch: %d predictions, %d labels", len(predictions), len(trueClasses))
	}
	n := cm.NumClasses()
	for i, row := range predictions {
		if len(row) != n {
			return fmt.Errorf("class count mismatch: expected %d, got %d", n, len(row))
		}
		truth := trueClasses[i]
		if truth < 0 || truth >= n {
			return fmt.Errorf("true class %d out of range", truth)
		}
		cm.Matrix[truth][ArgMax(row)]++
		cm.TotalSamples++
	}
	return nil
}

// GetMetric calculates an evaluation metric
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case Precision:
		return cm.binary(func(tp, fp, fn, tn float64) float64 { return ratio(tp, tp+fp) })
	case Recall:
		return cm.binary(func(tp, fp, fn, tn float64) float64 { return ratio(tp, tp+fn) })
	case F1Score:
		return f1(cm.GetMetric(Precision), cm.GetMetric(Recall))
	case Specificity:
		return cm.binary(func(tp, fp, fn, tn float64) float64 { return ratio(tn, tn+fp) })
	case MacroPrecision:
		return cm.macro(func(tp, fp, fn float64) (float64, bool) { return ratio(tp, tp+fp), tp+fp > 0 })
	case MacroRecall:
		return cm.macro(func(tp, fp, fn float64) (float64, bool) { return ratio(tp, tp+fn), tp+fn > 0 })
	case MacroF1:
		return f1(cm.GetMetric(MacroPrecision), cm.GetMetric(MacroRecall))
	case MicroPrecision, MicroRecall, MicroF1:
		// every miss is one false positive and one false negative, so all
		// three micro averages equal accuracy
		return cm.GetAccuracy()
	default:
		return 0
	}
}

func (cm *ConfusionMatrix) binary(fn func(tp, fp, fn, tn float64) float64) float64 {
	if cm.NumClasses() != 2 {
		return 0
	}
	tp := float64(cm.Matrix[1][1])
	fp := float64(cm.Matrix[0][1])
	fneg := float64(cm.Matrix[1][0])
	tn := float64(cm.Matrix[0][0])
	return fn(tp, fp, fneg, tn)
}

func (cm *ConfusionMatrix) macro(fn func(tp, fp, fn float64) (float64, bool)) float64 {
	n := cm.NumClasses()
	sum, valid := 0.0, 0
	for class := 0; class < n; class++ {
		tp := float64(cm.Matrix[class][class])
		var fp, fneg float64
		for other := 0; other < n; other++ {
			if other != class {
				fp += float64(cm.Matrix[other][class])
				fneg += float64(cm.Matrix[class][other])
			}
		}
		if v, ok := fn(tp, fp, fneg); ok {
			sum += v
			valid++
		}
	}
	if valid == 0 {
		return 0
	}
	return sum / float64(valid)
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := range cm.Matrix {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// String renders the matrix with true classes as rows
func (cm *ConfusionMatrix) String() string {
	width := 9
	for _, l := range cm.Labels {
		width = max(width, len(l)+1)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%*s", width, "true\\pred")
	for _, l := range cm.Labels {
		fmt.Fprintf(&sb, "%*s", width, l)
	}
	sb.WriteByte('\n')
	for i, row := range cm.Matrix {
		fmt.Fprintf(&sb, "%*s", width, cm.Labels[i])
		for _, v := range row {
			fmt.Fprintf(&sb, "%*d", width, v)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

func f1(precision, recall float64) float64 {
	if precision+recall == 0 {
		return 0
	}
	return 2 * precision * recall / (precision + recall)
}
