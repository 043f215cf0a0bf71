package tsixel

import (
	"bytes"
	"image"
	"sync"

	"github.com/mattn/go-sixel"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// SIXELBufferSize is the initial size of an encoder's buffer.
const SIXELBufferSize = 50 * 1024 // 50KB

// EncodeOpts controls how frames are turned into SIXEL.
type EncodeOpts struct {
	// Scaler scales frames to their drawn size. The default is
	// draw.ApproxBiLinear, which is rough but fast.
	Scaler draw.Scaler
	// Colors is the palette size, between 2 and 255. Zero keeps the encoder's
	// default.
	Colors int
	// Dither, if true, applies dithering when reducing colors.
	Dither bool
}

// encoderPool reuses SIXEL encoders along with their buffers.
type encoderPool struct {
	pool sync.Pool
	opts EncodeOpts
}

type pooledEncoder struct {
	*sixel.Encoder
	buf *bytes.Buffer
}

func newEncoderPool(opts EncodeOpts) *encoderPool {
	if opts.Scaler == nil {
		opts.Scaler = draw.ApproxBiLinear
	}

	encp := &encoderPool{opts: opts}
	encp.pool.New = func() interface{} {
		buf := bytes.Buffer{}
		buf.Grow(SIXELBufferSize)

		enc := sixel.NewEncoder(&buf)
		enc.Dither = opts.Dither
		if opts.Colors > 0 {
			enc.Colors = opts.Colors
		}

		return pooledEncoder{Encoder: enc, buf: &buf}
	}

	return encp
}

// encode scales src to size and returns its SIXEL. The returned slice is owned
// by the caller.
func (encp *encoderPool) encode(src image.Image, size image.Point) ([]byte, error) {
	dst := image.NewRGBA(image.Rectangle{Max: size})
	encp.opts.Scaler.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	enc := encp.pool.Get().(pooledEncoder)
	defer func() {
		enc.buf.Reset()
		encp.pool.Put(enc)
	}()

	if err := enc.Encode(dst); err != nil {
		return nil, errors.Wrap(err, "failed to encode SIXEL")
	}

	return append([]byte(nil), enc.buf.Bytes()...), nil
}
