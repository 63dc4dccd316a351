package training

// Layer is the trainable classification head fed with bottleneck vectors.
// labels rows are one-hot and have one column per class.
type Layer interface {
	TrainStep(features, labels [][]float32) error
	Evaluate(features, labels [][]float32) (accuracy, loss float64, err error)
	// Export serializes the trained head with its output named
	// finalTensorName and its outputs in labels order.
	Export(finalTensorName string, labels []string) ([]byte, error)
}

// Predictor is implemented by layers that expose class probabilities
type Predictor interface {
	Predict(features [][]float32) ([][]float64, error)
}

// LearningRateSetter is implemented by layers whose learning rate can follow
// a schedule.
type LearningRateSetter interface {
	SetLearningRate(lr float64)
}

// Annotator is implemented by layers that embed run metadata in exports
type Annotator interface {
	Annotate(runID, extractor string, step int)
}
