package dataloader

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-retrain/vision/dataset"
	"github.com/tsawler/go-retrain/vision/preprocessing"
)

// countingExtractor fingerprints its input and counts invocations
type countingExtractor struct {
	dim     int
	emit    int // number of values actually returned, 0 means dim
	version string
	encoded atomic.Int32
	pixels  atomic.Int32
}

func newCountingExtractor(dim int) *countingExtractor {
	return &countingExtractor{dim: dim, version: "counting-v1"}
}

func (e *countingExtractor) out() []float32 {
	n := e.dim
	if e.emit > 0 {
		n = e.emit
	}
	return make([]float32, n)
}

func (e *countingExtractor) ExtractEncoded(_ context.Context, data []byte) ([]float32, error) {
	e.encoded.Add(1)
	v := e.out()
	v[0] = float32(len(data))
	if len(v) > 1 {
		v[1] = 0.125
	}
	return v, nil
}

func (e *countingExtractor) ExtractPixels(_ context.Context, t *preprocessing.PixelTensor) ([]float32, error) {
	e.pixels.Add(1)
	v := e.out()
	v[0] = float32(t.Width * t.Height)
	return v, nil
}

func (e *countingExtractor) Dim() int { return e.dim }
func (e *countingExtractor) InputSize() (int, int) { return 8, 8 }
func (e *countingExtractor) Version() string { return e.version }
func (e *countingExtractor) calls() int32 { return e.encoded.Load() + e.pixels.Load() }

// petsDataset has every split populated for both labels
func petsDataset(t *testing.T) *dataset.Dataset {
	t.Helper()
	ds, err := dataset.New(
		&dataset.LabelEntry{
			Name: "cat", Dir: "Cats",
			Training:   []string{"c1.jpg", "c2.jpg"},
			Testing:    []string{"c3.jpg"},
			Validation: []string{"c4.jpg"},
		},
		&dataset.LabelEntry{
			Name: "dog", Dir: "Dogs",
			Training:   []string{"d1.jpg"},
			Testing:    []string{"d2.jpg"},
			Validation: []string{"d3.jpg"},
		},
	)
	require.NoError(t, err)
	return ds
}

// writeImages creates every file of ds under imageDir. Each file has a
// distinct length so extractors can tell them apart.
func writeImages(t *testing.T, ds *dataset.Dataset, imageDir string) {
	t.Helper()
	n := 1
	for i := 0; i < ds.Len(); i++ {
		entry := ds.EntryAt(i)
		require.NoError(t, os.MkdirAll(filepath.Join(imageDir, entry.Dir), 0755))
		for _, split := range dataset.Splits {
			files, err := entry.Files(split)
			require.NoError(t, err)
			for _, f := range files {
				data := testJPEG(t, 8+n, color.RGBA{uint8(20 * n), 90, 160, 255})
				require.NoError(t, os.WriteFile(filepath.Join(imageDir, entry.Dir, f), data, 0644))
				n++
			}
		}
	}
}

func testJPEG(t *testing.T, size int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}
