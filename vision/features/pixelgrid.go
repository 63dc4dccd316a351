package features

import (
	"context"
	"fmt"
	"math"

	"github.com/tsawler/go-retrain/vision/preprocessing"
)

const statsPerCell = 8

// PixelGridExtractor is a deterministic, dependency-free stand-in for a
// pretrained network. It pools simple colour and edge statistics over a
// square grid of the resized image.
type PixelGridExtractor struct {
	width, height int
	grid          int
}

// NewPixelGridExtractor returns an extractor producing grid*grid*8 values
// from width x height inputs.
func NewPixelGridExtractor(width, height, grid int) (*PixelGridExtractor, error) {
	if grid <= 0 || width < grid || height < grid {
		return nil, fmt.Errorf("invalid grid %d for %dx%d input", grid, width, height)
	}
	return &PixelGridExtractor{width: width, height: height, grid: grid}, nil
}

// NewDefaultExtractor matches the reference input size and bottleneck width
func NewDefaultExtractor() *PixelGridExtractor {
	return &PixelGridExtractor{width: ModelInputWidth, height: ModelInputHeight, grid: 16}
}

func (e *PixelGridExtractor) Dim() int {
	return e.grid * e.grid * statsPerCell
}

func (e *PixelGridExtractor) InputSize() (int, int) {
	return e.width, e.height
}

func (e *PixelGridExtractor) Version() string {
	return fmt.Sprintf("pixelgrid-v1-%d", e.grid)
}

// ExtractEncoded decodes and resizes a JPEG before pooling
func (e *PixelGridExtractor) ExtractEncoded(ctx context.Context, data []byte) ([]float32, error) {
	t, err := preprocessing.DecodeAndResize(data, e.width, e.height)
	if err != nil {
		return nil, err
	}
	return e.ExtractPixels(ctx, t)
}

// ExtractPixels pools a tensor of any size; cell bounds scale with it
func (e *PixelGridExtractor) ExtractPixels(_ context.Context, t *preprocessing.PixelTensor) ([]float32, error) {
	if t.Channels < 3 {
		return nil, fmt.Errorf("expected 3 channels, got %d", t.Channels)
	}
	if t.Width < e.grid || t.Height < e.grid {
		return nil, fmt.Errorf("input %dx%d smaller than %d grid", t.Width, t.Height, e.grid)
	}

	lum := luminance(t)
	out := make([]float32, 0, e.Dim())
	for gy := 0; gy < e.grid; gy++ {
		y0, y1 := gy*t.Height/e.grid, (gy+1)*t.Height/e.grid
		for gx := 0; gx < e.grid; gx++ {
			x0, x1 := gx*t.Width/e.grid, (gx+1)*t.Width/e.grid
			out = append(out, cellStats(t, lum, x0, x1, y0, y1)...)
		}
	}
	return out, nil
}

func luminance(t *preprocessing.PixelTensor) []float64 {
	lum := make([]float64, t.Width*t.Height)
	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			lum[y*t.Width+x] = 0.299*float64(t.At(x, y, 0)) +
				0.587*float64(t.At(x, y, 1)) +
				0.114*float64(t.At(x, y, 2))
		}
	}
	return lum
}

// cellStats returns mean R, G, B, luminance, mean |dx|, mean |dy|, min and
// max luminance of one cell, scaled to roughly [0, 1].
func cellStats(t *preprocessing.PixelTensor, lum []float64, x0, x1, y0, y1 int) []float32 {
	var r, g, b, l, dx, dy float64
	lo, hi := math.Inf(1), math.Inf(-1)
	n := float64((x1 - x0) * (y1 - y0))

	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			r += float64(t.At(x, y, 0))
			g += float64(t.At(x, y, 1))
			b += float64(t.At(x, y, 2))
			v := lum[y*t.Width+x]
			l += v
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
			if x+1 < t.Width {
				dx += math.Abs(lum[y*t.Width+x+1] - v)
			}
			if y+1 < t.Height {
				dy += math.Abs(lum[(y+1)*t.Width+x] - v)
			}
		}
	}

	const scale = 255.0
	return []float32{
		float32(r / n / scale),
		float32(g / n / scale),
		float32(b / n / scale),
		float32(l / n / scale),
		float32(dx / n / scale),
		float32(dy / n / scale),
		float32(lo / scale),
		float32(hi / scale),
	}
}
