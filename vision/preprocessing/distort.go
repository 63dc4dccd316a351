package preprocessing

import (
	"fmt"
	"math/rand"
	"sync"
)

// DistortionConfig controls the random augmentations applied to training
// images before feature extraction.
type DistortionConfig struct {
	FlipLeftRight    bool // mirror half of the images horizontally
	RandomCrop       int  // percentage margin around the crop box
	RandomScale      int  // percentage by which to randomly scale up
	RandomBrightness int  // percentage range for the brightness multiplier
}

// Enabled reports whether any distortion is requested
func (c DistortionConfig) Enabled() bool {
	return c.FlipLeftRight || c.RandomCrop != 0 || c.RandomScale != 0 || c.RandomBrightness != 0
}

// Validate rejects negative percentages
func (c DistortionConfig) Validate() error {
	if c.RandomCrop < 0 {
		return fmt.Errorf("random crop cannot be negative: %d", c.RandomCrop)
	}
	if c.RandomScale < 0 {
		return fmt.Errorf("random scale cannot be negative: %d", c.RandomScale)
	}
	if c.RandomBrightness < 0 {
		return fmt.Errorf("random brightness cannot be negative: %d", c.RandomBrightness)
	}
	return nil
}

// Distorter turns encoded images into randomly distorted pixel tensors of a
// fixed size. It is safe for concurrent use.
type Distorter struct {
	config DistortionConfig
	width  int
	height int

	mu  sync.Mutex
	rng *rand.Rand
}

// NewDistorter creates a distorter producing width x height tensors
func NewDistorter(config DistortionConfig, width, height int, rng *rand.Rand) (*Distorter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid output size %dx%d", width, height)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Distorter{config: config, width: width, height: height, rng: rng}, nil
}

// Config returns the distortion settings
func (d *Distorter) Config() DistortionConfig {
	return d.config
}

// distortion holds the random values for a single distortion
type distortion struct {
	resizeScale float64
	cropX       float64 // fraction of the free horizontal range
	cropY       float64
	flip        bool
	brightness  float64
}

func (d *Distorter) sample() distortion {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := distortion{
		resizeScale: uniform(d.rng, 1.0, 1.0+float64(d.config.RandomScale)/100.0),
		cropX:       d.rng.Float64(),
		cropY:       d.rng.Float64(),
		brightness: uniform(d.rng,
			1.0-float64(d.config.RandomBrightness)/100.0,
			1.0+float64(d.config.RandomBrightness)/100.0),
	}
	if d.config.FlipLeftRight {
		p.flip = d.rng.Intn(2) == 1
	}
	return p
}

// Distort decodes a JPEG and applies the configured chain: scale up by the
// crop margin times a random resize factor, crop a random window of the
// output size, optionally mirror, then scale brightness.
func (d *Distorter) Distort(encoded []byte) (*PixelTensor, error) {
	img, err := DecodeJPEG(encoded)
	if err != nil {
		return nil, err
	}
	p := d.sample()

	marginScale := 1.0 + float64(d.config.RandomCrop)/100.0
	scale := marginScale * p.resizeScale
	precropW := int(scale * float64(d.width))
	precropH := int(scale * float64(d.height))
	if precropW < d.width {
		precropW = d.width
	}
	if precropH < d.height {
		precropH = d.height
	}

	precropped := FromImage(ResizeBilinear(img, precropW, precropH))

	x0 := int(p.cropX * float64(precropW-d.width+1))
	y0 := int(p.cropY * float64(precropH-d.height+1))
	if x0 > precropW-d.width {
		x0 = precropW - d.width
	}
	if y0 > precropH-d.height {
		y0 = precropH - d.height
	}

	out := NewPixelTensor(d.width, d.height, 3)
	for y := 0; y < d.height; y++ {
		for x := 0; x < d.width; x++ {
			sx := x0 + x
			if p.flip {
				sx = x0 + d.width - 1 - x
			}
			for c := 0; c < 3; c++ {
				out.Set(x, y, c, precropped.At(sx, y0+y, c)*float32(p.brightness))
			}
		}
	}
	return out, nil
}

// uniform draws from [lo, hi); a degenerate range returns lo
func uniform(rng *rand.Rand, lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	return lo + rng.Float64()*(hi-lo)
}
