package imgseq

import (
	"bytes"
	"image"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// MaxPixels is the default limit of source pixels the decoder will accept.
const MaxPixels = 64 << 20 // 8192x8192

// ErrImageTooLarge is returned when an image exceeds a size limit.
var ErrImageTooLarge = errors.New("image too large")

// FrameDecoder decodes encoded image bytes into a pixel buffer sized for the
// target.
type FrameDecoder interface {
	Decode(data []byte, target image.Point) (image.Image, error)
}

// Decoder is the default FrameDecoder. It downsamples large sources by the
// largest power of two that keeps the image at least as large as the target,
// so kept frames never hold much more memory than the view needs.
//
// The source is still decoded at full size before it is downsampled, so the
// peak memory of a single decode is bounded by MaxPixels only.
type Decoder struct {
	// Filter is the resampling filter used when downsampling. The default is
	// imaging.Box, which averages each factor x factor block like a sampled
	// decode would.
	Filter imaging.ResampleFilter
	// MaxPixels overrides the MaxPixels limit.
	MaxPixels int
}

var _ FrameDecoder = Decoder{}

// Decode probes the image dimensions first, then decodes and downsamples it.
// A zero target disables downsampling.
func (dec Decoder) Decode(data []byte, target image.Point) (image.Image, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode image config")
	}

	maxPixels := dec.MaxPixels
	if maxPixels <= 0 {
		maxPixels = MaxPixels
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, errors.Errorf("invalid %s dimensions %dx%d", format, cfg.Width, cfg.Height)
	}
	if cfg.Width*cfg.Height > maxPixels {
		return nil, errors.Wrapf(ErrImageTooLarge, "%s is %dx%d", format, cfg.Width, cfg.Height)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", format)
	}

	factor := SampleSize(image.Pt(cfg.Width, cfg.Height), target)
	if factor == 1 {
		return img, nil
	}

	filter := dec.Filter
	if filter.Support == 0 && filter.Kernel == nil {
		filter = imaging.Box
	}

	size := img.Bounds().Size()
	return imaging.Resize(img, size.X/factor, size.Y/factor, filter), nil
}

// SampleSize calculates the largest power-of-two sample size that keeps both
// dimensions of src at or above the target after halving. A non-positive
// target dimension returns 1.
func SampleSize(src, target image.Point) int {
	if target.X <= 0 || target.Y <= 0 {
		return 1
	}

	factor := 1

	if src.Y > target.Y || src.X > target.X {
		halfY := src.Y / 2
		halfX := src.X / 2

		for halfY/factor >= target.Y && halfX/factor >= target.X {
			factor *= 2
		}
	}

	return factor
}
