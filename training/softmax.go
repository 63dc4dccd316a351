package training

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-retrain/checkpoints"
)

const (
	// DefaultInputName names the bottleneck input of exported graphs
	DefaultInputName = "bottleneck_input"
	// FinalLayerName prefixes the exported weight tensors
	FinalLayerName = "final_training_ops"

	initStddev = 0.001
)

// SoftmaxConfig configures a SoftmaxLayer
type SoftmaxConfig struct {
	Inputs       int
	Classes      int
	LearningRate float64
	Seed         int64
	InputName    string
}

// SoftmaxLayer is a fully connected layer followed by softmax, trained with
// plain gradient descent on mean cross entropy.
type SoftmaxLayer struct {
	inputs    int
	classes   int
	lr        float64
	inputName string

	weights *mat.Dense // inputs x classes
	biases  []float64

	runID     string
	extractor string
	step      int
}

// NewSoftmaxLayer creates a layer with weights drawn from a truncated normal
// distribution (stddev 0.001) and zero biases.
func NewSoftmaxLayer(config SoftmaxConfig) (*SoftmaxLayer, error) {
	if config.Inputs <= 0 || config.Classes < 2 {
		return nil, fmt.Errorf("softmax layer needs positive inputs and at least 2 classes, got %dx%d",
			config.Inputs, config.Classes)
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.InputName == "" {
		config.InputName = DefaultInputName
	}

	rng := rand.New(rand.NewSource(config.Seed))
	data := make([]float64, config.Inputs*config.Classes)
	for i := range data {
		data[i] = truncatedNormal(rng, initStddev)
	}

	return &SoftmaxLayer{
		inputs:    config.Inputs,
		classes:   config.Classes,
		lr:        config.LearningRate,
		inputName: config.InputName,
		weights:   mat.NewDense(config.Inputs, config.Classes, data),
		biases:    make([]float64, config.Classes),
	}, nil
}

// NewSoftmaxLayerFromGraph rebuilds a layer from an exported ONNX graph.
// The returned checkpoint carries the labels and tensor names.
func NewSoftmaxLayerFromGraph(data []byte) (*SoftmaxLayer, *checkpoints.Checkpoint, error) {
	ckpt, err := checkpoints.NewCheckpointSaver(checkpoints.FormatONNX).Unmarshal(data)
	if err != nil {
		return nil, nil, err
	}
	head, err := ckpt.Head()
	if err != nil {
		return nil, nil, err
	}
	if len(ckpt.Labels) != 0 && len(ckpt.Labels) != head.Classes {
		return nil, nil, fmt.Errorf("graph has %d labels for %d classes", len(ckpt.Labels), head.Classes)
	}

	weights := make([]float64, len(head.Weight.Data))
	for i, v := range head.Weight.Data {
		weights[i] = float64(v)
	}
	biases := make([]float64, len(head.Bias.Data))
	for i, v := range head.Bias.Data {
		biases[i] = float64(v)
	}

	return &SoftmaxLayer{
		inputs:    head.Inputs,
		classes:   head.Classes,
		lr:        float64(ckpt.TrainingState.LearningRate),
		inputName: ckpt.InputName,
		weights:   mat.NewDense(head.Inputs, head.Classes, weights),
		biases:    biases,
		runID:     ckpt.Metadata.RunID,
		extractor: ckpt.Metadata.Extractor,
		step:      ckpt.TrainingState.Step,
	}, ckpt, nil
}

// Inputs returns the bottleneck size the layer expects
func (l *SoftmaxLayer) Inputs() int { return l.inputs }

// Classes returns the number of outputs
func (l *SoftmaxLayer) Classes() int { return l.classes }

// SetLearningRate implements LearningRateSetter
func (l *SoftmaxLayer) SetLearningRate(lr float64) {
	l.lr = lr
}

// Annotate implements Annotator
func (l *SoftmaxLayer) Annotate(runID, extractor string, step int) {
	l.runID, l.extractor, l.step = runID, extractor, step
}

// TrainStep applies one gradient descent update for the batch
func (l *SoftmaxLayer) TrainStep(features, labels [][]float32) error {
	x, y, err := l.batch(features, labels)
	if err != nil {
		return err
	}
	n, _ := x.Dims()
	probs := l.forward(x)

	// d(loss)/d(logits) = (probs - y) / n
	var grad mat.Dense
	grad.Sub(probs, y)
	grad.Scale(1/float64(n), &grad)

	var dw mat.Dense
	dw.Mul(x.T(), &grad)
	dw.Scale(l.lr, &dw)
	l.weights.Sub(l.weights, &dw)

	for j := 0; j < l.classes; j++ {
		l.biases[j] -= l.lr * mat.Sum(grad.ColView(j))
	}
	return nil
}

// Evaluate returns accuracy and mean cross entropy without updating weights
func (l *SoftmaxLayer) Evaluate(features, labels [][]float32) (float64, float64, error) {
	x, y, err := l.batch(features, labels)
	if err != nil {
		return 0, 0, err
	}
	probs := l.forward(x)
	rows := denseRows(probs)
	return Accuracy(rows, labels), crossEntropy(probs, y), nil
}

// Predict returns class probabilities for every row
func (l *SoftmaxLayer) Predict(features [][]float32) ([][]float64, error) {
	x, err := l.matrix(features)
	if err != nil {
		return nil, err
	}
	return denseRows(l.forward(x)), nil
}

// Checkpoint captures the layer as an exportable checkpoint
func (l *SoftmaxLayer) Checkpoint(finalTensorName string, labels []string) (*checkpoints.Checkpoint, error) {
	weights := make([]float32, 0, l.inputs*l.classes)
	for i := 0; i < l.inputs; i++ {
		for j := 0; j < l.classes; j++ {
			weights = append(weights, float32(l.weights.At(i, j)))
		}
	}
	biases := make([]float32, l.classes)
	for j, b := range l.biases {
		biases[j] = float32(b)
	}

	ckpt, err := checkpoints.NewHeadCheckpoint(FinalLayerName, l.inputName, finalTensorName,
		weights, biases, l.inputs, l.classes, labels)
	if err != nil {
		return nil, err
	}
	ckpt.Metadata.RunID = l.runID
	ckpt.Metadata.Extractor = l.extractor
	ckpt.TrainingState.Step = l.step
	ckpt.TrainingState.LearningRate = float32(l.lr)
	return ckpt, nil
}

// Export implements Layer using the ONNX format
func (l *SoftmaxLayer) Export(finalTensorName string, labels []string) ([]byte, error) {
	ckpt, err := l.Checkpoint(finalTensorName, labels)
	if err != nil {
		return nil, err
	}
	return checkpoints.NewCheckpointSaver(checkpoints.FormatONNX).Marshal(ckpt)
}

// forward computes softmax(xW + b) row by row
func (l *SoftmaxLayer) forward(x *mat.Dense) *mat.Dense {
	var z mat.Dense
	z.Mul(x, l.weights)
	n, _ := z.Dims()
	for i := 0; i < n; i++ {
		row := z.RawRowView(i)
		for j := range row {
			row[j] += l.biases[j]
		}
		softmaxInPlace(row)
	}
	return &z
}

func (l *SoftmaxLayer) matrix(features [][]float32) (*mat.Dense, error) {
	if len(features) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	data := make([]float64, 0, len(features)*l.inputs)
	for i, row := range features {
		if len(row) != l.inputs {
			return nil, fmt.Errorf("row %d has %d features, expected %d", i, len(row), l.inputs)
		}
		for _, v := range row {
			data = append(data, float64(v))
		}
	}
	return mat.NewDense(len(features), l.inputs, data), nil
}

func (l *SoftmaxLayer) batch(features, labels [][]float32) (*mat.Dense, *mat.Dense, error) {
	if len(features) != len(labels) {
		return nil, nil, fmt.Errorf("%d feature rows but %d label rows", len(features), len(labels))
	}
	x, err := l.matrix(features)
	if err != nil {
		return nil, nil, err
	}
	data := make([]float64, 0, len(labels)*l.classes)
	for i, row := range labels {
		if len(row) != l.classes {
			return nil, nil, fmt.Errorf("label row %d has %d classes, expected %d", i, len(row), l.classes)
		}
		for _, v := range row {
			data = append(data, float64(v))
		}
	}
	return x, mat.NewDense(len(labels), l.classes, data), nil
}

func softmaxInPlace(row []float64) {
	maxv := row[0]
	for _, v := range row[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	for j, v := range row {
		row[j] = math.Exp(v - maxv)
		sum += row[j]
	}
	for j := range row {
		row[j] /= sum
	}
}

// crossEntropy is the mean of -sum(y * log(p)) over rows
func crossEntropy(probs, y *mat.Dense) float64 {
	const eps = 1e-12
	n, c := probs.Dims()
	var total float64
	for i := 0; i < n; i++ {
		for j := 0; j < c; j++ {
			if t := y.At(i, j); t != 0 {
				total -= t * math.Log(probs.At(i, j)+eps)
			}
		}
	}
	return total / float64(n)
}

func denseRows(m *mat.Dense) [][]float64 {
	n, _ := m.Dims()
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = append([]float64(nil), m.RawRowView(i)...)
	}
	return rows
}

// truncatedNormal draws from N(0, stddev) and redraws values beyond two
// standard deviations.
func truncatedNormal(rng *rand.Rand, stddev float64) float64 {
	for {
		v := rng.NormFloat64()
		if math.Abs(v) <= 2 {
			return v * stddev
		}
	}
}
