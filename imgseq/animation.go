package imgseq

import (
	"image"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// DefaultFramesPerSecond is the frame rate used until one is set.
const DefaultFramesPerSecond = 24

// ErrNoFrames is returned when assembling a store without any decoded frame.
var ErrNoFrames = errors.New("no decoded frames")

var animationID uint64

// Frame is a single frame of an Animation.
type Frame struct {
	Image    image.Image
	Duration time.Duration
}

// Animation is an ordered sequence of frames. An Animation is never modified
// once assembled; changing the frame rate or looping builds a new one.
type Animation struct {
	Frames []Frame
	// OneShot, if true, stops the animation on its last frame after a single
	// pass. Otherwise, it loops forever.
	OneShot bool
	// Started is the time the animation started playing from frame 0.
	Started time.Time

	id uint64
}

// FrameDuration returns the display duration of a frame at the given frame
// rate. It is truncated to whole milliseconds, but never shorter than one.
func FrameDuration(fps int) time.Duration {
	if fps <= 0 {
		fps = DefaultFramesPerSecond
	}
	if fps > 1000 {
		return time.Millisecond
	}
	return time.Duration(1000/fps) * time.Millisecond
}

// Assemble builds an animation out of the decoded frames in the store, in
// index order. Slots of frames that failed to load are skipped. The returned
// animation starts now.
func Assemble(store *FrameStore, fps int, loop bool) (*Animation, error) {
	return assembleAt(store, fps, loop, time.Now())
}

func assembleAt(store *FrameStore, fps int, loop bool, now time.Time) (*Animation, error) {
	images := store.Frames()
	if len(images) == 0 {
		return nil, ErrNoFrames
	}

	delay := FrameDuration(fps)

	frames := make([]Frame, len(images))
	for i, img := range images {
		frames[i] = Frame{Image: img, Duration: delay}
	}

	return &Animation{
		Frames:  frames,
		OneShot: !loop,
		Started: now,
		id:      atomic.AddUint64(&animationID, 1),
	}, nil
}

// ID returns a number unique to this animation.
func (anim *Animation) ID() uint64 {
	return anim.id
}

// Duration returns the duration of a single pass.
func (anim *Animation) Duration() time.Duration {
	var total time.Duration
	for _, frame := range anim.Frames {
		total += frame.Duration
	}
	return total
}

// FrameAt returns the index of the frame to show at the given time. done is
// true if a one-shot animation has finished, in which case the last frame is
// returned.
func (anim *Animation) FrameAt(now time.Time) (ix int, done bool) {
	ix, _, done = anim.seek(now)
	return ix, done
}

// NextFrame returns how long the frame shown at the given time stays up. It
// returns 0 once a one-shot animation has finished.
func (anim *Animation) NextFrame(now time.Time) time.Duration {
	ix, into, done := anim.seek(now)
	if done {
		return 0
	}
	return anim.Frames[ix].Duration - into
}

// seek returns the frame shown at now and how far into that frame now is.
func (anim *Animation) seek(now time.Time) (ix int, into time.Duration, done bool) {
	if len(anim.Frames) == 0 {
		return 0, 0, true
	}

	elapsed := now.Sub(anim.Started)
	if elapsed < 0 {
		return 0, elapsed, false
	}

	// Skip whole passes at once instead of walking through them.
	if pass := anim.Duration(); pass > 0 && elapsed >= pass {
		if anim.OneShot {
			return len(anim.Frames) - 1, 0, true
		}
		elapsed %= pass
	}

	for ix = range anim.Frames {
		// Stop accumulating once we've added enough.
		if elapsed < anim.Frames[ix].Duration {
			break
		}
		elapsed -= anim.Frames[ix].Duration
	}

	return ix, elapsed, false
}

// Image returns the frame image to show at the given time.
func (anim *Animation) Image(now time.Time) image.Image {
	ix, _ := anim.FrameAt(now)
	return anim.Frames[ix].Image
}
