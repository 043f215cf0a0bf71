package tsixel

import (
	"context"
	"image"
	"io"
	"sync"
	"time"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
	"github.com/diamondburned/tcell-imgseq/imgseq"
)

// SequenceOpts configures a Sequence.
type SequenceOpts struct {
	EncodeOpts
	// Pipeline encodes frames off the draw path. If nil, frames are encoded
	// within Update, which blocks the draw.
	Pipeline *imgseq.Pipeline
	Logger   *slog.Logger
}

// Sequence draws an imgseq animation, or a single still image, within a box
// on the screen. It implements imgseq.Presenter.
//
// Each frame is encoded once per drawn size and kept for as long as it is part
// of what's shown, so looping and rebuilt animations don't encode again.
type Sequence struct {
	opts SequenceOpts
	encp *encoderPool
	log  slog.Logger

	l      sync.Mutex
	bounds image.Rectangle // requested box in cells
	anim   *imgseq.Animation
	still  image.Image

	sixels  map[sixelKey][]byte
	pending map[sixelKey]struct{}

	shown    sixelKey
	drawn    []byte
	dirty    bool
	delegate func()
	timer    *time.Timer
}

type sixelKey struct {
	src  image.Image
	size image.Point
}

var (
	_ Imager           = (*Sequence)(nil)
	_ imgseq.Presenter = (*Sequence)(nil)
)

// NewSequence creates an empty sequence.
func NewSequence(opts SequenceOpts) *Sequence {
	log := slog.Make(sloghuman.Sink(io.Discard))
	if opts.Logger != nil {
		log = *opts.Logger
	}

	return &Sequence{
		opts:    opts,
		encp:    newEncoderPool(opts.EncodeOpts),
		log:     log.Named("sequence"),
		sixels:  map[sixelKey][]byte{},
		pending: map[sixelKey]struct{}{},
	}
}

// SetBounds sets the box the sequence is drawn in, in cells. Frames are
// scaled to fit the box with their aspect ratio kept and anchored to its top
// left corner. It does not redraw.
func (seq *Sequence) SetBounds(bounds image.Rectangle) {
	seq.l.Lock()
	defer seq.l.Unlock()

	seq.bounds = bounds.Canon()
	seq.dirty = true
}

// ShowImage implements imgseq.Presenter. A nil image clears the sequence.
func (seq *Sequence) ShowImage(img image.Image) {
	seq.l.Lock()
	defer seq.l.Unlock()

	seq.anim = nil
	seq.still = img
	seq.reset()
}

// ShowAnimation implements imgseq.Presenter.
func (seq *Sequence) ShowAnimation(anim *imgseq.Animation) {
	seq.l.Lock()
	defer seq.l.Unlock()

	seq.anim = anim
	seq.still = nil
	seq.reset()
}

// reset drops the SIXEL of images that are no longer shown and redraws.
func (seq *Sequence) reset() {
	keep := map[image.Image]bool{}
	if seq.still != nil {
		keep[seq.still] = true
	}
	if seq.anim != nil {
		for _, frame := range seq.anim.Frames {
			keep[frame.Image] = true
		}
	}

	for key := range seq.sixels {
		if !keep[key.src] {
			delete(seq.sixels, key)
		}
	}

	if seq.timer != nil {
		seq.timer.Stop()
		seq.timer = nil
	}

	seq.dirty = true
	seq.redraw()
}

// redraw asks the screen for a draw. The screen may be locked by the caller,
// so this never calls it directly.
func (seq *Sequence) redraw() {
	if seq.delegate != nil {
		go seq.delegate()
	}
}

// Update implements Imager.
func (seq *Sequence) Update(state DrawState) Frame {
	seq.l.Lock()
	defer seq.l.Unlock()

	seq.delegate = state.Delegate

	mustUpdate := seq.dirty
	seq.dirty = false

	src := seq.still
	if seq.anim != nil && len(seq.anim.Frames) > 0 {
		ix, _ := seq.anim.FrameAt(state.Time)
		src = seq.anim.Frames[ix].Image
		seq.scheduleNext(state.Time)
	}

	box := state.PtInPixels(state.CapRect(seq.bounds).Size())
	if src == nil || box.X <= 0 || box.Y <= 0 {
		seq.shown = sixelKey{}
		seq.drawn = nil
		return Frame{Bounds: image.Rectangle{Min: seq.bounds.Min, Max: seq.bounds.Min}, MustUpdate: mustUpdate}
	}

	key := sixelKey{src: src, size: fitSize(src.Bounds().Size(), box)}

	if b, ok := seq.sixels[key]; ok {
		if key != seq.shown {
			seq.shown = key
			seq.drawn = b
			mustUpdate = true
		}
	} else {
		seq.encode(key)
		// If it was encoded inline, use it right away.
		if b, ok := seq.sixels[key]; ok {
			seq.shown = key
			seq.drawn = b
			mustUpdate = true
		}
	}

	return Frame{
		SIXEL: seq.drawn,
		Bounds: image.Rectangle{
			Min: seq.bounds.Min,
			Max: seq.bounds.Min.Add(state.PtInCells(seq.shown.size)),
		},
		MustUpdate: mustUpdate,
	}
}

// scheduleNext arms a redraw for when the current frame is up.
func (seq *Sequence) scheduleNext(now time.Time) {
	next := seq.anim.NextFrame(now)
	if next <= 0 || seq.delegate == nil {
		return
	}

	if seq.timer != nil {
		seq.timer.Stop()
	}

	seq.timer = time.AfterFunc(next, seq.delegate)
}

// encode encodes the frame for key, inline or on the pipeline.
func (seq *Sequence) encode(key sixelKey) {
	if _, ok := seq.pending[key]; ok {
		return
	}

	if seq.opts.Pipeline == nil {
		b, err := seq.encp.encode(key.src, key.size)
		seq.encoded(key, b, err)
		return
	}

	seq.pending[key] = struct{}{}

	err := seq.opts.Pipeline.QueueJob(func(context.Context) {
		b, err := seq.encp.encode(key.src, key.size)

		seq.l.Lock()
		defer seq.l.Unlock()

		delete(seq.pending, key)
		seq.encoded(key, b, err)
		seq.redraw()
	})
	if err != nil {
		delete(seq.pending, key)
		seq.log.Warn(context.Background(), "failed to queue SIXEL encoding", slog.Error(err))
	}
}

func (seq *Sequence) encoded(key sixelKey, b []byte, err error) {
	// The frame may have been dropped from the sequence while encoding.
	if !seq.showing(key.src) {
		return
	}

	if err != nil {
		seq.log.Error(context.Background(), "failed to encode frame",
			slog.F("size", key.size),
			slog.Error(err))
		// Draw nothing for it rather than retrying on every draw.
		b = nil
	}

	seq.sixels[key] = b
}

func (seq *Sequence) showing(src image.Image) bool {
	if seq.still != nil {
		return seq.still == src
	}
	if seq.anim != nil {
		for _, frame := range seq.anim.Frames {
			if frame.Image == src {
				return true
			}
		}
	}
	return false
}

// Close stops the pending redraw timer.
func (seq *Sequence) Close() {
	seq.l.Lock()
	defer seq.l.Unlock()

	if seq.timer != nil {
		seq.timer.Stop()
		seq.timer = nil
	}
}
