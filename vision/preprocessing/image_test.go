package preprocessing

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createMockJPEGImage creates a horizontal gradient JPEG for testing
func createMockJPEGImage(t *testing.T, width, height int, baseColor color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			factor := float64(x) / float64(width)
			img.Set(x, y, color.RGBA{
				uint8(float64(baseColor.R) * factor),
				uint8(float64(baseColor.G) * factor),
				uint8(float64(baseColor.B) * factor),
				255,
			})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

func mirror(t *PixelTensor) *PixelTensor {
	out := NewPixelTensor(t.Width, t.Height, t.Channels)
	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			for c := 0; c < t.Channels; c++ {
				out.Set(x, y, c, t.At(t.Width-1-x, y, c))
			}
		}
	}
	return out
}

func TestDecodeAndResize(t *testing.T) {
	data := createMockJPEGImage(t, 100, 80, color.RGBA{255, 128, 64, 255})

	tensor, err := DecodeAndResize(data, 32, 24)
	require.NoError(t, err)
	assert.Equal(t, 32, tensor.Width)
	assert.Equal(t, 24, tensor.Height)
	assert.Equal(t, 3, tensor.Channels)
	require.Len(t, tensor.Data, 32*24*3)

	for i, v := range tensor.Data {
		require.True(t, v >= 0 && v <= 255, "value %f at %d out of range", v, i)
	}
	// gradient runs left to right in the red channel
	assert.Less(t, tensor.At(1, 10, 0), tensor.At(30, 10, 0))
}

func TestDecodeJPEGInvalid(t *testing.T) {
	_, err := DecodeJPEG([]byte("not a jpeg"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode JPEG")
}

func TestFromImageGenericPath(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.NRGBA{10, 20, 30, 255})
	img.Set(1, 0, color.NRGBA{200, 100, 50, 255})

	tensor := FromImage(img)
	assert.Equal(t, []float32{10, 20, 30, 200, 100, 50}, tensor.Data)
}

func TestDistortionConfig(t *testing.T) {
	assert.False(t, DistortionConfig{}.Enabled())
	assert.True(t, DistortionConfig{FlipLeftRight: true}.Enabled())
	assert.True(t, DistortionConfig{RandomCrop: 5}.Enabled())
	assert.True(t, DistortionConfig{RandomScale: 5}.Enabled())
	assert.True(t, DistortionConfig{RandomBrightness: 5}.Enabled())

	assert.Error(t, DistortionConfig{RandomCrop: -1}.Validate())
	assert.Error(t, DistortionConfig{RandomScale: -1}.Validate())
	assert.Error(t, DistortionConfig{RandomBrightness: -1}.Validate())

	_, err := NewDistorter(DistortionConfig{RandomBrightness: -3}, 10, 10, nil)
	assert.Error(t, err)
	_, err = NewDistorter(DistortionConfig{}, 0, 10, nil)
	assert.Error(t, err)
}

func TestDistortIdentity(t *testing.T) {
	data := createMockJPEGImage(t, 64, 48, color.RGBA{200, 150, 100, 255})
	d, err := NewDistorter(DistortionConfig{}, 20, 20, rand.New(rand.NewSource(7)))
	require.NoError(t, err)

	got, err := d.Distort(data)
	require.NoError(t, err)
	want, err := DecodeAndResize(data, 20, 20)
	require.NoError(t, err)
	assert.Equal(t, want.Data, got.Data)
}

func TestDistortFlip(t *testing.T) {
	data := createMockJPEGImage(t, 64, 64, color.RGBA{255, 255, 255, 255})
	base, err := DecodeAndResize(data, 16, 16)
	require.NoError(t, err)
	mirrored := mirror(base)

	d, err := NewDistorter(DistortionConfig{FlipLeftRight: true}, 16, 16, rand.New(rand.NewSource(3)))
	require.NoError(t, err)

	var plain, flipped int
	for i := 0; i < 40; i++ {
		out, err := d.Distort(data)
		require.NoError(t, err)
		switch {
		case assert.ObjectsAreEqual(base.Data, out.Data):
			plain++
		case assert.ObjectsAreEqual(mirrored.Data, out.Data):
			flipped++
		default:
			t.Fatalf("distortion %d is neither the image nor its mirror", i)
		}
	}
	assert.Positive(t, plain)
	assert.Positive(t, flipped)
}

func TestDistortBrightness(t *testing.T) {
	data := createMockJPEGImage(t, 32, 32, color.RGBA{200, 200, 200, 255})
	base, err := DecodeAndResize(data, 8, 8)
	require.NoError(t, err)

	d, err := NewDistorter(DistortionConfig{RandomBrightness: 50}, 8, 8, rand.New(rand.NewSource(11)))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		out, err := d.Distort(data)
		require.NoError(t, err)

		factor := -1.0
		for j, v := range out.Data {
			if base.Data[j] < 20 {
				continue
			}
			ratio := float64(v) / float64(base.Data[j])
			require.True(t, ratio >= 0.5-1e-6 && ratio <= 1.5+1e-6, "ratio %f", ratio)
			if factor < 0 {
				factor = ratio
			}
			// one factor per image
			require.InDelta(t, factor, ratio, 1e-4)
		}
	}
}

func TestDistortCropAndScaleKeepOutputSize(t *testing.T) {
	data := createMockJPEGImage(t, 90, 60, color.RGBA{10, 200, 30, 255})
	d, err := NewDistorter(DistortionConfig{RandomCrop: 30, RandomScale: 40}, 24, 24, rand.New(rand.NewSource(5)))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		out, err := d.Distort(data)
		require.NoError(t, err)
		assert.Equal(t, 24, out.Width)
		assert.Equal(t, 24, out.Height)
		assert.Len(t, out.Data, 24*24*3)
	}
}
