package imgseq

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleSize(t *testing.T) {
	tests := []struct {
		name   string
		src    image.Point
		target image.Point
		want   int
	}{
		{"smaller than target", image.Pt(50, 50), image.Pt(100, 100), 1},
		{"same as target", image.Pt(100, 100), image.Pt(100, 100), 1},
		{"just under twice", image.Pt(199, 199), image.Pt(100, 100), 1},
		{"exactly twice", image.Pt(200, 200), image.Pt(100, 100), 2},
		{"large", image.Pt(1000, 800), image.Pt(100, 100), 8},
		{"one axis too short", image.Pt(4000, 100), image.Pt(100, 100), 1},
		{"non-square target", image.Pt(1920, 1080), image.Pt(480, 135), 4},
		{"zero target", image.Pt(1000, 1000), image.Pt(0, 0), 1},
		{"negative target", image.Pt(1000, 1000), image.Pt(-1, 100), 1},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.want, SampleSize(test.src, test.target))
		})
	}
}

func TestSampleSizeNeverBelowTarget(t *testing.T) {
	for w := 1; w < 300; w += 7 {
		for h := 1; h < 300; h += 11 {
			src := image.Pt(w, h)
			target := image.Pt(30, 20)

			factor := SampleSize(src, target)
			if factor == 1 {
				continue
			}

			assert.GreaterOrEqual(t, w/factor, target.X, "src %v", src)
			assert.GreaterOrEqual(t, h/factor, target.Y, "src %v", src)
		}
	}
}

func TestDecoderDownsamples(t *testing.T) {
	data := encodePNG(t, 400, 300, color.NRGBA{R: 255, A: 255})

	img, err := Decoder{}.Decode(data, image.Pt(100, 100))
	require.NoError(t, err)

	assert.Equal(t, image.Pt(200, 150), img.Bounds().Size())

	r, g, b, a := img.At(10, 10).RGBA()
	assert.Equal(t, [4]uint32{0xffff, 0, 0, 0xffff}, [4]uint32{r, g, b, a})
}

func TestDecoderKeepsSmallImages(t *testing.T) {
	data := encodePNG(t, 64, 48, color.White)

	img, err := Decoder{}.Decode(data, image.Pt(100, 100))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(64, 48), img.Bounds().Size())

	img, err = Decoder{}.Decode(data, image.Point{})
	require.NoError(t, err)
	assert.Equal(t, image.Pt(64, 48), img.Bounds().Size())
}

func TestDecoderFormats(t *testing.T) {
	src := image.NewPaletted(image.Rect(0, 0, 320, 320), color.Palette{color.Black, color.White})

	var gifBuf bytes.Buffer
	require.NoError(t, gif.Encode(&gifBuf, src, nil))

	var jpegBuf bytes.Buffer
	require.NoError(t, jpeg.Encode(&jpegBuf, src, nil))

	for name, data := range map[string][]byte{
		"gif":  gifBuf.Bytes(),
		"jpeg": jpegBuf.Bytes(),
	} {
		t.Run(name, func(t *testing.T) {
			img, err := Decoder{}.Decode(data, image.Pt(80, 80))
			require.NoError(t, err)
			assert.Equal(t, image.Pt(80, 80), img.Bounds().Size())
		})
	}
}

func TestDecoderErrors(t *testing.T) {
	_, err := Decoder{}.Decode([]byte("definitely not an image"), image.Pt(10, 10))
	assert.Error(t, err)

	data := encodePNG(t, 20, 20, color.Black)
	_, err = Decoder{MaxPixels: 100}.Decode(data, image.Pt(10, 10))
	assert.True(t, errors.Is(err, ErrImageTooLarge), "unexpected error %v", err)
}

func TestDecoderMaxPixelsBound(t *testing.T) {
	data := encodePNG(t, 20, 20, color.Black)

	// The limit is inclusive: a source of exactly MaxPixels still decodes.
	img, err := Decoder{MaxPixels: 400}.Decode(data, image.Pt(5, 5))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(5, 5), img.Bounds().Size())

	_, err = Decoder{MaxPixels: 399}.Decode(data, image.Pt(5, 5))
	assert.True(t, errors.Is(err, ErrImageTooLarge), "unexpected error %v", err)
}
