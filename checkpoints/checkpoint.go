package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// Checkpoint is a trained classification head plus the names needed to run
// it: the bottleneck input tensor, the final output tensor and the labels in
// output order.
type Checkpoint struct {
	InputName  string         `json:"input_name"`
	OutputName string         `json:"output_name"`
	Labels     []string       `json:"labels"`
	Weights    []WeightTensor `json:"weights"`

	TrainingState TrainingState      `json:"training_state"`
	Metadata      CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState captures the training progress at export time
type TrainingState struct {
	Step         int     `json:"step"`
	TotalSteps   int     `json:"total_steps"`
	LearningRate float32 `json:"learning_rate"`
	BestAccuracy float32 `json:"best_accuracy"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	RunID       string    `json:"run_id,omitempty"`
	Extractor   string    `json:"extractor,omitempty"` // version of the bottleneck extractor
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// Head is the weight and bias of a single fully connected layer
type Head struct {
	Weight  WeightTensor // [Inputs, Classes], row-major
	Bias    WeightTensor // [Classes]
	Inputs  int
	Classes int
}

// NewHeadCheckpoint wraps a fully connected layer named layer
func NewHeadCheckpoint(layer, inputName, outputName string, weights []float32, biases []float32, inputs, classes int, labels []string) (*Checkpoint, error) {
	if len(weights) != inputs*classes {
		return nil, fmt.Errorf("weights have %d values, expected %d", len(weights), inputs*classes)
	}
	if len(biases) != classes {
		return nil, fmt.Errorf("biases have %d values, expected %d", len(biases), classes)
	}
	if len(labels) != classes {
		return nil, fmt.Errorf("%d labels for %d classes", len(labels), classes)
	}
	return &Checkpoint{
		InputName:  inputName,
		OutputName: outputName,
		Labels:     append([]string(nil), labels...),
		Weights: []WeightTensor{
			{Name: layer + ".weight", Shape: []int{inputs, classes}, Data: weights, Layer: layer, Type: "weight"},
			{Name: layer + ".bias", Shape: []int{classes}, Data: biases, Layer: layer, Type: "bias"},
		},
		Metadata: CheckpointMetadata{
			Version:   producerVersion,
			Framework: producerName,
			CreatedAt: time.Now(),
		},
	}, nil
}

// Head extracts the fully connected layer from the checkpoint weights
func (c *Checkpoint) Head() (*Head, error) {
	var head Head
	var haveWeight, haveBias bool
	for _, w := range c.Weights {
		switch w.Type {
		case "weight":
			head.Weight, haveWeight = w, true
		case "bias":
			head.Bias, haveBias = w, true
		}
	}
	if !haveWeight || !haveBias {
		return nil, fmt.Errorf("checkpoint needs one weight and one bias tensor")
	}
	if len(head.Weight.Shape) != 2 {
		return nil, fmt.Errorf("weight must be 2D, got shape %v", head.Weight.Shape)
	}
	head.Inputs, head.Classes = head.Weight.Shape[0], head.Weight.Shape[1]
	if len(head.Weight.Data) != head.Inputs*head.Classes {
		return nil, fmt.Errorf("weight has %d values for shape %v", len(head.Weight.Data), head.Weight.Shape)
	}
	if c.InputName == "" || c.OutputName == "" {
		return nil, fmt.Errorf("checkpoint needs input and output tensor names")
	}
	return &head, nil
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Marshal serializes a checkpoint in the saver's format
func (cs *CheckpointSaver) Marshal(checkpoint *Checkpoint) ([]byte, error) {
	switch cs.format {
	case FormatJSON:
		return json.MarshalIndent(checkpoint, "", "  ")
	case FormatONNX:
		return NewONNXExporter().Marshal(checkpoint)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// Unmarshal parses a checkpoint in the saver's format
func (cs *CheckpointSaver) Unmarshal(data []byte) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		var checkpoint Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
		return &checkpoint, nil
	case FormatONNX:
		return NewONNXImporter().Unmarshal(data)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// SaveCheckpoint writes a checkpoint to path
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	data, err := cs.Marshal(checkpoint)
	if err != nil {
		return err
	}
	return WriteFile(path, data)
}

// LoadCheckpoint reads a checkpoint from path
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	return cs.Unmarshal(data)
}

// WriteFile writes data to path through a temporary file in the same
// directory, creating the directory when needed.
func WriteFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
