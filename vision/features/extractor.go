// Package features defines the boundary to the pretrained network that turns
// images into bottleneck vectors, plus two implementations: a pure Go
// pixel-grid extractor and an HTTP client for an extraction sidecar.
package features

import (
	"context"
	"fmt"

	"github.com/tsawler/go-retrain/vision/preprocessing"
)

// BottleneckSize is the dimensionality of the reference bottleneck layer
const BottleneckSize = 2048

// Model input size of the reference network
const (
	ModelInputWidth  = 299
	ModelInputHeight = 299
	ModelInputDepth  = 3
)

// Extractor computes bottleneck vectors. Encoded input is used for cached
// bottlenecks; decoded tensors come from the distortion pipeline and must
// already be InputSize().
type Extractor interface {
	ExtractEncoded(ctx context.Context, data []byte) ([]float32, error)
	ExtractPixels(ctx context.Context, t *preprocessing.PixelTensor) ([]float32, error)
	Dim() int
	InputSize() (width, height int)
	// Version tags the cache so vectors from a different extractor are
	// never reused.
	Version() string
}

// DimensionError reports a vector whose length differs from Dim()
type DimensionError struct {
	Want, Got int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("bottleneck has %d values, expected %d", e.Got, e.Want)
}
