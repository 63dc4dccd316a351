package preprocessing

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// PixelTensor is a decoded image in HWC layout. Values keep the 0..255
// scale of the source pixels so that brightness scaling may push them past
// 255, as the feature extractor expects.
type PixelTensor struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// NewPixelTensor allocates a zeroed tensor
func NewPixelTensor(width, height, channels int) *PixelTensor {
	return &PixelTensor{
		Data:     make([]float32, width*height*channels),
		Width:    width,
		Height:   height,
		Channels: channels,
	}
}

// At returns the value of channel c at (x, y)
func (t *PixelTensor) At(x, y, c int) float32 {
	return t.Data[(y*t.Width+x)*t.Channels+c]
}

// Set stores v in channel c at (x, y)
func (t *PixelTensor) Set(x, y, c int, v float32) {
	t.Data[(y*t.Width+x)*t.Channels+c] = v
}

// DecodeJPEG decodes encoded JPEG bytes
func DecodeJPEG(data []byte) (image.Image, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode JPEG: %w", err)
	}
	return img, nil
}

// ResizeBilinear scales img to width x height with bilinear interpolation
func ResizeBilinear(img image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// FromImage converts img to a 3-channel float tensor
func FromImage(img image.Image) *PixelTensor {
	bounds := img.Bounds()
	t := NewPixelTensor(bounds.Dx(), bounds.Dy(), 3)

	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < t.Height; y++ {
			row := rgba.Pix[y*rgba.Stride:]
			for x := 0; x < t.Width; x++ {
				t.Set(x, y, 0, float32(row[x*4]))
				t.Set(x, y, 1, float32(row[x*4+1]))
				t.Set(x, y, 2, float32(row[x*4+2]))
			}
		}
		return t
	}

	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			t.Set(x, y, 0, float32(r>>8))
			t.Set(x, y, 1, float32(g>>8))
			t.Set(x, y, 2, float32(b>>8))
		}
	}
	return t
}

// DecodeAndResize decodes JPEG bytes and resizes them to the model input size
func DecodeAndResize(data []byte, width, height int) (*PixelTensor, error) {
	img, err := DecodeJPEG(data)
	if err != nil {
		return nil, err
	}
	return FromImage(ResizeBilinear(img, width, height)), nil
}
