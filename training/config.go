package training

import (
	"errors"
	"fmt"

	"github.com/tsawler/go-retrain/vision/dataloader"
	"github.com/tsawler/go-retrain/vision/preprocessing"
)

var (
	// ErrNoLabels is returned when the image directory yields no labels
	ErrNoLabels = errors.New("no valid folders of images found")
	// ErrNotEnoughClasses is returned for a single label
	ErrNotEnoughClasses = errors.New("need multiple classes for classification")
)

// ConfigError reports an invalid configuration or dataset
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Config holds every option of a retraining run. It is passed by value and
// never mutated after NewRetrainer.
type Config struct {
	ImageDir     string
	OutputGraph  string
	OutputLabels string

	TrainingSteps        int
	LearningRate         float64
	LRSchedule           string // constant, step, exponential, cosine or plateau
	TestingPercentage    int
	ValidationPercentage int
	EvalStepInterval     int
	TrainBatchSize       int
	TestBatchSize        int
	ValidationBatchSize  int

	BottleneckDir    string
	FinalTensorName  string
	MemoryCacheItems int
	CacheWorkers     int
	MissingImages    dataloader.MissingImagePolicy

	Distortions preprocessing.DistortionConfig

	Seed         int64
	HistoryDB    string // SQLite file recording runs; empty disables history
	ShowProgress bool
}

// DefaultConfig returns the standard retraining options
func DefaultConfig() Config {
	return Config{
		OutputGraph:          "/tmp/output_graph.pb",
		OutputLabels:         "/tmp/output_labels.txt",
		TrainingSteps:        4000,
		LearningRate:         0.01,
		LRSchedule:           "constant",
		TestingPercentage:    10,
		ValidationPercentage: 10,
		EvalStepInterval:     10,
		TrainBatchSize:       100,
		TestBatchSize:        500,
		ValidationBatchSize:  100,
		BottleneckDir:        "/tmp/bottleneck",
		FinalTensorName:      "final_result",
		CacheWorkers:         1,
		Seed:                 1,
	}
}

// Validate checks every option and returns the first problem as a
// *ConfigError.
func (c Config) Validate() error {
	required := []struct {
		field, value string
	}{
		{"image directory", c.ImageDir},
		{"output graph path", c.OutputGraph},
		{"output labels path", c.OutputLabels},
		{"bottleneck directory", c.BottleneckDir},
		{"final tensor name", c.FinalTensorName},
	}
	for _, r := range required {
		if r.value == "" {
			return &ConfigError{Field: r.field, Err: errors.New("must be set")}
		}
	}

	positive := []struct {
		field string
		value int
	}{
		{"training steps", c.TrainingSteps},
		{"eval step interval", c.EvalStepInterval},
		{"train batch size", c.TrainBatchSize},
		{"test batch size", c.TestBatchSize},
		{"validation batch size", c.ValidationBatchSize},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return &ConfigError{Field: p.field, Err: fmt.Errorf("must be positive, got %d", p.value)}
		}
	}

	if c.LearningRate <= 0 {
		return &ConfigError{Field: "learning rate", Err: fmt.Errorf("must be positive, got %g", c.LearningRate)}
	}
	if c.TestingPercentage < 0 || c.ValidationPercentage < 0 {
		return &ConfigError{Field: "split percentages", Err: errors.New("cannot be negative")}
	}
	if c.TestingPercentage+c.ValidationPercentage > 100 {
		return &ConfigError{Field: "split percentages", Err: fmt.Errorf("testing %d%% + validation %d%% exceed 100%%",
			c.TestingPercentage, c.ValidationPercentage)}
	}
	if c.MemoryCacheItems < 0 {
		return &ConfigError{Field: "memory cache items", Err: fmt.Errorf("cannot be negative, got %d", c.MemoryCacheItems)}
	}
	if err := c.Distortions.Validate(); err != nil {
		return &ConfigError{Field: "distortions", Err: err}
	}
	if _, err := ParseScheduler(c.LRSchedule, c.TrainingSteps); err != nil {
		return &ConfigError{Field: "learning rate schedule", Err: err}
	}
	return nil
}

// Strategy returns the feeding mode implied by the distortion options
func (c Config) Strategy() dataloader.Strategy {
	return dataloader.StrategyFor(c.Distortions)
}
