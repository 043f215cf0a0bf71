package imgseq

import (
	"context"
	"sync"
	"time"

	"cdr.dev/slog"
)

// EndMargin is the time added to an animation's duration before it is
// considered finished.
const EndMargin = 500 * time.Millisecond

// EstimateDuration estimates when a single pass of the animation will have
// been shown: the sum of its frame durations plus margin.
func EstimateDuration(anim *Animation, margin time.Duration) time.Duration {
	return anim.Duration() + margin
}

// Notifier signals the end of an animation. There is no way to observe the
// presenter actually drawing the last frame, so the signal goes off on a timer
// estimated from the frame durations.
//
// A notifier tracks at most one animation. Scheduling a new one cancels the
// previous timer, and a timer that already went off checks that its animation
// is still the scheduled one before firing.
type Notifier struct {
	// Margin is added to the estimated duration. Zero means EndMargin; use a
	// negative value for no margin.
	Margin time.Duration
	Logger *slog.Logger

	l     sync.Mutex
	timer *time.Timer
	anim  uint64 // scheduled animation ID
	gen   uint64 // bumped on every Schedule
}

// Schedule arms the notifier to call fire once the animation has played
// through once. fire is called at most once, from its own goroutine, and
// even for looping animations it does not repeat.
func (notifier *Notifier) Schedule(anim *Animation, fire func()) {
	margin := notifier.Margin
	switch {
	case margin == 0:
		margin = EndMargin
	case margin < 0:
		margin = 0
	}

	wait := EstimateDuration(anim, margin)
	// Time already spent since the animation started counts.
	wait -= time.Since(anim.Started)

	notifier.l.Lock()
	defer notifier.l.Unlock()

	notifier.stopLocked()
	notifier.anim = anim.id
	notifier.gen++

	id := anim.id
	gen := notifier.gen
	notifier.timer = time.AfterFunc(wait, func() {
		notifier.l.Lock()
		stale := notifier.gen != gen || notifier.anim != id
		if !stale {
			notifier.anim = 0
			notifier.timer = nil
		}
		notifier.l.Unlock()

		if stale {
			return
		}

		log := namedLogger(notifier.Logger, "notifier")
		log.Debug(context.Background(), "animation ended", slog.F("animation", id))

		fire()
	})
}

// Cancel disarms the pending timer, if any.
func (notifier *Notifier) Cancel() {
	notifier.l.Lock()
	defer notifier.l.Unlock()

	notifier.stopLocked()
}

// Pending returns true if a timer is armed.
func (notifier *Notifier) Pending() bool {
	notifier.l.Lock()
	defer notifier.l.Unlock()

	return notifier.anim != 0
}

func (notifier *Notifier) stopLocked() {
	if notifier.timer != nil {
		notifier.timer.Stop()
		notifier.timer = nil
	}
	notifier.anim = 0
}
