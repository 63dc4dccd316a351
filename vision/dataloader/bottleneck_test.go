package dataloader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-retrain/vision/dataset"
	"github.com/tsawler/go-retrain/vision/features"
)

func newTestCache(t *testing.T, ds *dataset.Dataset, ex features.Extractor, memory int) (*BottleneckCache, string) {
	t.Helper()
	imageDir := t.TempDir()
	writeImages(t, ds, imageDir)
	bc, err := NewBottleneckCache(ds, ex, BottleneckConfig{
		ImageDir:    imageDir,
		CacheDir:    t.TempDir(),
		MemoryItems: memory,
	})
	require.NoError(t, err)
	return bc, imageDir
}

func TestNewBottleneckCacheRequiresDir(t *testing.T) {
	_, err := NewBottleneckCache(petsDataset(t), newCountingExtractor(4), BottleneckConfig{})
	assert.Error(t, err)
}

func TestCacheRootIsVersioned(t *testing.T) {
	ds := petsDataset(t)
	bc, err := NewBottleneckCache(ds, newCountingExtractor(4), BottleneckConfig{CacheDir: "/tmp/bn"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/bn", "counting-v1"), bc.Root())

	path, err := bc.Path("dog", 0, dataset.Testing)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/bn", "counting-v1", "Dogs", "d2.jpg.txt"), path)
}

func TestGetOrCreateComputesOnce(t *testing.T) {
	ds := petsDataset(t)
	ex := newCountingExtractor(4)
	bc, imageDir := newTestCache(t, ds, ex, 0)
	ctx := context.Background()

	first, err := bc.GetOrCreate(ctx, "cat", 0, dataset.Training)
	require.NoError(t, err)
	second, err := bc.GetOrCreate(ctx, "cat", 2, dataset.Training)
	require.NoError(t, err)

	image, err := os.ReadFile(filepath.Join(imageDir, "Cats", "c1.jpg"))
	require.NoError(t, err)
	assert.Equal(t, float32(len(image)), first[0], "cached values match the extractor output")
	assert.Equal(t, float32(0.125), first[1])
	assert.Equal(t, first, second, "index 2 wraps to index 0")
	assert.Equal(t, int32(1), ex.calls())
	assert.FileExists(t, filepath.Join(bc.Root(), "Cats", "c1.jpg.txt"))

	stats := bc.Stats()
	assert.Equal(t, int64(1), stats.Computed)
	assert.Equal(t, int64(1), stats.DiskHits)
	assert.Nil(t, stats.Memory)
}

func TestGetOrCreateSurvivesRestart(t *testing.T) {
	ds := petsDataset(t)
	ex := newCountingExtractor(4)
	bc, imageDir := newTestCache(t, ds, ex, 0)
	ctx := context.Background()

	want, err := bc.GetOrCreate(ctx, "dog", 0, dataset.Validation)
	require.NoError(t, err)

	fresh := newCountingExtractor(4)
	reopened, err := NewBottleneckCache(ds, fresh, BottleneckConfig{
		ImageDir: imageDir,
		CacheDir: filepath.Dir(bc.Root()),
	})
	require.NoError(t, err)

	got, err := reopened.GetOrCreate(ctx, "dog", 0, dataset.Validation)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Zero(t, fresh.calls())
}

func TestGetOrCreateRecoversCorruptFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"garbage", "not,a,number"},
		{"empty", ""},
		{"wrong length", "1,2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := petsDataset(t)
			ex := newCountingExtractor(4)
			bc, _ := newTestCache(t, ds, ex, 0)

			path, err := bc.Path("cat", 0, dataset.Testing)
			require.NoError(t, err)
			require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			values, err := bc.GetOrCreate(context.Background(), "cat", 0, dataset.Testing)
			require.NoError(t, err)
			assert.Len(t, values, 4)
			assert.Equal(t, int32(1), ex.calls())
			assert.Equal(t, int64(1), bc.Stats().Recovered)

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			decoded, err := DecodeBottleneck(data)
			require.NoError(t, err)
			assert.Equal(t, values, decoded)
		})
	}
}

func TestGetOrCreateRejectsWrongDimension(t *testing.T) {
	ds := petsDataset(t)
	ex := newCountingExtractor(4)
	ex.emit = 3
	bc, _ := newTestCache(t, ds, ex, 0)

	_, err := bc.GetOrCreate(context.Background(), "cat", 0, dataset.Training)
	var de *features.DimensionError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 4, de.Want)
	assert.Equal(t, 3, de.Got)

	path, err := bc.Path("cat", 0, dataset.Training)
	require.NoError(t, err)
	assert.NoFileExists(t, path)
}

func TestGetOrCreateMissingImage(t *testing.T) {
	ds := petsDataset(t)
	bc, imageDir := newTestCache(t, ds, newCountingExtractor(4), 0)
	require.NoError(t, os.Remove(filepath.Join(imageDir, "Dogs", "d1.jpg")))

	_, err := bc.GetOrCreate(context.Background(), "dog", 0, dataset.Training)
	require.ErrorIs(t, err, ErrMissingImage)
	var me *MissingImageError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, filepath.Join(imageDir, "Dogs", "d1.jpg"), me.Path)
}

func TestGetOrCreateUnknownLabel(t *testing.T) {
	bc, _ := newTestCache(t, petsDataset(t), newCountingExtractor(4), 0)
	_, err := bc.GetOrCreate(context.Background(), "horse", 0, dataset.Training)
	assert.ErrorIs(t, err, dataset.ErrUnknownLabel)
}

func TestGetOrCreateMemoryTier(t *testing.T) {
	ds := petsDataset(t)
	ex := newCountingExtractor(4)
	bc, _ := newTestCache(t, ds, ex, 8)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := bc.GetOrCreate(ctx, "dog", 0, dataset.Testing)
		require.NoError(t, err)
	}
	stats := bc.Stats()
	require.NotNil(t, stats.Memory)
	assert.Equal(t, int64(2), stats.Memory.Hits)
	assert.Equal(t, int64(1), stats.Computed)
	assert.Zero(t, stats.DiskHits)
	assert.Contains(t, stats.String(), "1 computed")
}

func TestCacheAll(t *testing.T) {
	for _, workers := range []int{1, 4} {
		ds := petsDataset(t)
		ex := newCountingExtractor(4)
		bc, _ := newTestCache(t, ds, ex, 0)
		ctx := context.Background()

		n, err := bc.CacheAll(ctx, workers)
		require.NoError(t, err)
		assert.Equal(t, ds.Total(), n)
		assert.Equal(t, int32(ds.Total()), ex.calls())

		n, err = bc.CacheAll(ctx, workers)
		require.NoError(t, err)
		assert.Equal(t, ds.Total(), n)
		assert.Equal(t, int32(ds.Total()), ex.calls(), "second pass reads from disk")
	}
}

func TestCacheAllCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, workers := range []int{1, 3} {
		bc, _ := newTestCache(t, petsDataset(t), newCountingExtractor(4), 0)
		_, err := bc.CacheAll(ctx, workers)
		assert.ErrorIs(t, err, context.Canceled, "workers=%d", workers)
	}
}

func TestCacheAllMissingImagePolicy(t *testing.T) {
	ds := petsDataset(t)
	imageDir := t.TempDir()
	writeImages(t, ds, imageDir)
	require.NoError(t, os.Remove(filepath.Join(imageDir, "Cats", "c3.jpg")))

	abort, err := NewBottleneckCache(ds, newCountingExtractor(4), BottleneckConfig{
		ImageDir: imageDir,
		CacheDir: t.TempDir(),
	})
	require.NoError(t, err)
	_, err = abort.CacheAll(context.Background(), 1)
	assert.ErrorIs(t, err, ErrMissingImage)

	skip, err := NewBottleneckCache(ds, newCountingExtractor(4), BottleneckConfig{
		ImageDir:      imageDir,
		CacheDir:      t.TempDir(),
		MissingImages: SkipMissing,
	})
	require.NoError(t, err)
	n, err := skip.CacheAll(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, ds.Total()-1, n)
}

func TestParseMissingImagePolicy(t *testing.T) {
	p, err := ParseMissingImagePolicy("skip")
	require.NoError(t, err)
	assert.Equal(t, SkipMissing, p)
	assert.Equal(t, "skip", p.String())

	p, err = ParseMissingImagePolicy("abort")
	require.NoError(t, err)
	assert.Equal(t, AbortOnMissing, p)

	_, err = ParseMissingImagePolicy("ignore")
	assert.Error(t, err)
}

func TestBottleneckCodec(t *testing.T) {
	values := []float32{0, 1, -2.5, 0.1, 3.4028235e+38, 1e-7}
	decoded, err := DecodeBottleneck(EncodeBottleneck(values))
	require.NoError(t, err)
	assert.Equal(t, values, decoded)

	decoded, err = DecodeBottleneck([]byte(" 1.5, 2 \n"))
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, 2}, decoded)

	_, err = DecodeBottleneck([]byte("  \n"))
	assert.Error(t, err)
	_, err = DecodeBottleneck([]byte("1,,2"))
	assert.Error(t, err)
}
