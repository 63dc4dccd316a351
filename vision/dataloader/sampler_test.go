package dataloader

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-retrain/vision/dataset"
	"github.com/tsawler/go-retrain/vision/preprocessing"
)

// stubSource serves constant features and reports some labels as missing
type stubSource struct {
	missing map[string]bool
	calls   int
}

func (s *stubSource) Features(_ context.Context, label string, index int, split dataset.Split) ([]float32, error) {
	s.calls++
	if s.missing[label] {
		return nil, &MissingImageError{Path: filepath.Join(label, "gone.jpg")}
	}
	return []float32{float32(index), 1}, nil
}

func TestSamplerCachedBatch(t *testing.T) {
	ds := petsDataset(t)
	bc, _ := newTestCache(t, ds, newCountingExtractor(4), 0)
	s := NewSampler(ds, bc, rand.New(rand.NewSource(3)), AbortOnMissing)

	batch, err := s.Sample(context.Background(), 20, dataset.Training)
	require.NoError(t, err)
	require.Equal(t, 20, batch.Len())
	require.Len(t, batch.Labels, 20)
	require.Len(t, batch.LabelIndices, 20)

	seen := map[int]bool{}
	for i := range batch.Features {
		assert.Len(t, batch.Features[i], 4)
		idx := batch.LabelIndices[i]
		seen[idx] = true
		want := OneHot(idx, ds.Len())
		assert.Equal(t, want, batch.Labels[i])
	}
	assert.Len(t, seen, 2, "both labels drawn in 20 samples")
	assert.LessOrEqual(t, bc.Stats().Computed, int64(3), "only the 3 training images are ever computed")
}

func TestSamplerDeterministicWithSeed(t *testing.T) {
	ds := petsDataset(t)
	a := NewSampler(ds, &stubSource{}, rand.New(rand.NewSource(42)), AbortOnMissing)
	b := NewSampler(ds, &stubSource{}, rand.New(rand.NewSource(42)), AbortOnMissing)

	x, err := a.Sample(context.Background(), 10, dataset.Testing)
	require.NoError(t, err)
	y, err := b.Sample(context.Background(), 10, dataset.Testing)
	require.NoError(t, err)
	assert.Equal(t, x.LabelIndices, y.LabelIndices)
	assert.Equal(t, x.Features, y.Features)
}

func TestSamplerErrors(t *testing.T) {
	ds := petsDataset(t)
	s := NewSampler(ds, &stubSource{}, nil, AbortOnMissing)
	_, err := s.Sample(context.Background(), 0, dataset.Training)
	assert.Error(t, err)

	empty, err := dataset.New()
	require.NoError(t, err)
	_, err = NewSampler(empty, &stubSource{}, nil, AbortOnMissing).Sample(context.Background(), 1, dataset.Training)
	assert.Error(t, err)

	sparse, err := dataset.New(&dataset.LabelEntry{Name: "cat", Dir: "cat", Training: []string{"a.jpg"}})
	require.NoError(t, err)
	bc, err := NewBottleneckCache(sparse, newCountingExtractor(4), BottleneckConfig{CacheDir: t.TempDir()})
	require.NoError(t, err)
	_, err = NewSampler(sparse, bc, nil, AbortOnMissing).Sample(context.Background(), 1, dataset.Validation)
	assert.ErrorIs(t, err, dataset.ErrEmptySplit)
}

func TestSamplerMissingImages(t *testing.T) {
	ds := petsDataset(t)
	src := &stubSource{missing: map[string]bool{"cat": true}}

	_, err := NewSampler(ds, src, rand.New(rand.NewSource(1)), AbortOnMissing).Sample(context.Background(), 30, dataset.Training)
	assert.ErrorIs(t, err, ErrMissingImage)

	batch, err := NewSampler(ds, src, rand.New(rand.NewSource(1)), SkipMissing).Sample(context.Background(), 30, dataset.Training)
	require.NoError(t, err)
	for _, idx := range batch.LabelIndices {
		assert.Equal(t, ds.Index("dog"), idx)
	}

	all := &stubSource{missing: map[string]bool{"cat": true, "dog": true}}
	_, err = NewSampler(ds, all, nil, SkipMissing).Sample(context.Background(), 1, dataset.Training)
	assert.ErrorIs(t, err, ErrMissingImage)
	assert.Equal(t, maxRedraws, all.calls)
}

func TestDistortedSourceBypassesCache(t *testing.T) {
	ds := petsDataset(t)
	imageDir := t.TempDir()
	writeImages(t, ds, imageDir)

	ex := newCountingExtractor(4)
	distorter, err := preprocessing.NewDistorter(preprocessing.DistortionConfig{
		FlipLeftRight:    true,
		RandomCrop:       10,
		RandomBrightness: 10,
	}, 8, 8, rand.New(rand.NewSource(5)))
	require.NoError(t, err)

	src := NewDistortedSource(ds, imageDir, distorter, ex)
	batch, err := NewSampler(ds, src, nil, AbortOnMissing).Sample(context.Background(), 6, dataset.Training)
	require.NoError(t, err)
	assert.Equal(t, 6, batch.Len())
	assert.Equal(t, int32(6), ex.pixels.Load())
	assert.Zero(t, ex.encoded.Load())
	for _, f := range batch.Features {
		assert.Equal(t, float32(64), f[0], "extractor sees the distorted 8x8 tensor")
	}

	_, err = src.Features(context.Background(), "cat", 0, dataset.Training)
	require.NoError(t, err)
	_, err = NewDistortedSource(ds, t.TempDir(), distorter, ex).Features(context.Background(), "cat", 0, dataset.Training)
	assert.ErrorIs(t, err, ErrMissingImage)
}

func TestStrategy(t *testing.T) {
	assert.Equal(t, CachedBottlenecks, StrategyFor(preprocessing.DistortionConfig{}))
	assert.Equal(t, DistortedImages, StrategyFor(preprocessing.DistortionConfig{RandomScale: 5}))
	assert.Equal(t, "cached", CachedBottlenecks.String())
	assert.Equal(t, "distorted", DistortedImages.String())
}
