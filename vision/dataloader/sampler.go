package dataloader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"sync"

	"github.com/tsawler/go-retrain/vision/dataset"
	"github.com/tsawler/go-retrain/vision/features"
	"github.com/tsawler/go-retrain/vision/preprocessing"
)

// MaxOrdinal bounds the random ordinal drawn per sample. Path resolution
// wraps it into the split, so it only needs to exceed any realistic split.
const MaxOrdinal = 65536

// maxRedraws bounds how often a single sample is redrawn after hitting a
// missing image under SkipMissing.
const maxRedraws = 100

// FeatureSource produces the bottleneck of one image
type FeatureSource interface {
	Features(ctx context.Context, label string, index int, split dataset.Split) ([]float32, error)
}

// Strategy selects how training features are produced
type Strategy int

const (
	CachedBottlenecks Strategy = iota
	DistortedImages
)

func (s Strategy) String() string {
	switch s {
	case CachedBottlenecks:
		return "cached"
	case DistortedImages:
		return "distorted"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// StrategyFor picks DistortedImages whenever any distortion is enabled
func StrategyFor(config preprocessing.DistortionConfig) Strategy {
	if config.Enabled() {
		return DistortedImages
	}
	return CachedBottlenecks
}

// DistortedSource runs every image through the distorter and extracts
// features from the result. Nothing is cached.
type DistortedSource struct {
	ds        *dataset.Dataset
	imageDir  string
	distorter *preprocessing.Distorter
	extractor features.Extractor
}

// NewDistortedSource creates a live distortion feature source
func NewDistortedSource(ds *dataset.Dataset, imageDir string, distorter *preprocessing.Distorter, extractor features.Extractor) *DistortedSource {
	return &DistortedSource{
		ds:        ds,
		imageDir:  imageDir,
		distorter: distorter,
		extractor: extractor,
	}
}

// Features implements FeatureSource
func (s *DistortedSource) Features(ctx context.Context, label string, index int, split dataset.Split) ([]float32, error) {
	path, err := s.ds.ImagePath(label, index, s.imageDir, split)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &MissingImageError{Path: path}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}

	tensor, err := s.distorter.Distort(data)
	if err != nil {
		return nil, fmt.Errorf("failed to distort %s: %w", path, err)
	}
	values, err := s.extractor.ExtractPixels(ctx, tensor)
	if err != nil {
		return nil, fmt.Errorf("failed to extract bottleneck for %s: %w", path, err)
	}
	if len(values) != s.extractor.Dim() {
		return nil, &features.DimensionError{Want: s.extractor.Dim(), Got: len(values)}
	}
	return values, nil
}

// Minibatch holds parallel feature and one-hot label rows
type Minibatch struct {
	Features     [][]float32
	Labels       [][]float32
	LabelIndices []int
}

// Len returns the number of rows
func (m *Minibatch) Len() int {
	return len(m.Features)
}

// OneHot returns a vector of length n with a 1 at index
func OneHot(index, n int) []float32 {
	v := make([]float32, n)
	v[index] = 1
	return v
}

// Sampler draws minibatches with replacement: a uniform label, then a
// uniform ordinal wrapped into that label's split.
type Sampler struct {
	ds          *dataset.Dataset
	source      FeatureSource
	skipMissing bool

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSampler creates a sampler over source. A nil rng gets a fixed seed.
func NewSampler(ds *dataset.Dataset, source FeatureSource, rng *rand.Rand, policy MissingImagePolicy) *Sampler {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Sampler{
		ds:          ds,
		source:      source,
		skipMissing: policy == SkipMissing,
		rng:         rng,
	}
}

// Sample draws n examples from split
func (s *Sampler) Sample(ctx context.Context, n int, split dataset.Split) (*Minibatch, error) {
	if n <= 0 {
		return nil, fmt.Errorf("batch size must be positive: %d", n)
	}
	classes := s.ds.Len()
	if classes == 0 {
		return nil, fmt.Errorf("cannot sample from an empty dataset")
	}

	batch := &Minibatch{
		Features:     make([][]float32, 0, n),
		Labels:       make([][]float32, 0, n),
		LabelIndices: make([]int, 0, n),
	}
	for len(batch.Features) < n {
		labelIndex, values, err := s.draw(ctx, split)
		if err != nil {
			return nil, err
		}
		batch.Features = append(batch.Features, values)
		batch.Labels = append(batch.Labels, OneHot(labelIndex, classes))
		batch.LabelIndices = append(batch.LabelIndices, labelIndex)
	}
	return batch, nil
}

func (s *Sampler) draw(ctx context.Context, split dataset.Split) (int, []float32, error) {
	var lastErr error
	for attempt := 0; attempt < maxRedraws; attempt++ {
		labelIndex, ordinal := s.pick()
		label := s.ds.EntryAt(labelIndex).Name

		values, err := s.source.Features(ctx, label, ordinal, split)
		if err == nil {
			return labelIndex, values, nil
		}
		if !s.skipMissing || !errors.Is(err, ErrMissingImage) {
			return 0, nil, err
		}
		lastErr = err
	}
	return 0, nil, fmt.Errorf("gave up after %d redraws: %w", maxRedraws, lastErr)
}

func (s *Sampler) pick() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(s.ds.Len()), s.rng.Intn(MaxOrdinal)
}
