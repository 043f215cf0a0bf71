package imgseq

import (
	"context"
	"image"
	"sync"
	"time"

	"cdr.dev/slog"
)

// Event names emitted by a View.
const (
	// EventEnd is emitted once an animation has played through once. It has
	// no payload.
	EventEnd = "onEnd"
	// EventFrameError is emitted for every frame of the current sequence that
	// failed to load. Its payload is a *FrameError.
	EventFrameError = "onFrameError"
)

// Event is an event emitted to the host.
type Event struct {
	Name    string
	Payload interface{}
}

// EventSink receives events from a View. Emit is never called with the view's
// lock held, so it may freely call back into the view.
type EventSink interface {
	Emit(Event)
}

// EventFunc is a function that implements EventSink.
type EventFunc func(Event)

// Emit calls fn.
func (fn EventFunc) Emit(ev Event) { fn(ev) }

// Presenter shows what a View decides to show. Calls are serialized and made
// with the view's lock held, so a presenter must not call back into the view.
type Presenter interface {
	// ShowImage shows a single static image. A nil image clears the
	// presenter.
	ShowImage(img image.Image)
	// ShowAnimation replaces anything shown with the animation. The animation
	// plays from its Started time.
	ShowAnimation(anim *Animation)
}

type nopPresenter struct{}

func (nopPresenter) ShowImage(image.Image)    {}
func (nopPresenter) ShowAnimation(*Animation) {}

// Props is a set of property updates. Nil fields are left unchanged.
type Props struct {
	Width           *int
	Height          *int
	FramesPerSecond *int
	// Images replaces the whole sequence when non-nil. Each reference is
	// either an http(s) URL or a bundle identifier.
	Images *[]string
	Loop   *bool
}

// ViewOpts configures a new View.
type ViewOpts struct {
	Presenter Presenter
	Events    EventSink

	Resolver SourceResolver
	Decoder  FrameDecoder
	Pipeline *Pipeline
	Logger   *slog.Logger

	// EndMargin overrides the margin added when estimating the end of an
	// animation. See Notifier.Margin.
	EndMargin time.Duration
}

// View plays an image sequence driven by properties. Images are only loaded
// once both the width and the height are known, since frames are decoded for
// that size; images given earlier are remembered until then.
//
// A View is safe to use from multiple goroutines, but property updates are
// meant to come from a single host goroutine.
type View struct {
	presenter Presenter
	events    EventSink
	log       slog.Logger

	loader   *Loader
	notifier *Notifier

	l      sync.Mutex
	width  int
	height int
	fps    int
	loop   bool

	refs     []string
	deferred bool   // refs not yet loaded
	batch    uint64 // current loader batch
	loading  bool
	store    *FrameStore
	anim     *Animation
	closed   bool
}

// NewView creates a new view with the default properties: 24 frames per
// second, looping, no size and no images.
func NewView(opts ViewOpts) *View {
	view := &View{
		presenter: opts.Presenter,
		events:    opts.Events,
		log:       namedLogger(opts.Logger, "view"),
		fps:       DefaultFramesPerSecond,
		loop:      true,
	}

	if view.presenter == nil {
		view.presenter = nopPresenter{}
	}

	view.notifier = &Notifier{
		Margin: opts.EndMargin,
		Logger: opts.Logger,
	}

	view.loader = NewLoader(LoaderOpts{
		Resolver:     opts.Resolver,
		Decoder:      opts.Decoder,
		Pipeline:     opts.Pipeline,
		Logger:       opts.Logger,
		OnFrame:      view.frameLoaded,
		OnFrameError: view.frameFailed,
		OnBatch:      view.batchLoaded,
	})

	return view
}

// SetWidth sets the target width in pixels.
func (view *View) SetWidth(width int) { view.Apply(Props{Width: &width}) }

// SetHeight sets the target height in pixels.
func (view *View) SetHeight(height int) { view.Apply(Props{Height: &height}) }

// SetFramesPerSecond sets the frame rate.
func (view *View) SetFramesPerSecond(fps int) { view.Apply(Props{FramesPerSecond: &fps}) }

// SetImages replaces the image sequence.
func (view *View) SetImages(refs []string) { view.Apply(Props{Images: &refs}) }

// SetLoop sets whether the animation loops.
func (view *View) SetLoop(loop bool) { view.Apply(Props{Loop: &loop}) }

// Apply applies all given properties at once. At most one load is started, no
// matter how many properties changed. Invalid values are logged and ignored.
func (view *View) Apply(props Props) {
	view.l.Lock()
	defer view.l.Unlock()

	if view.closed {
		return
	}

	ctx := context.Background()

	var resized, restyled bool

	if props.Width != nil {
		switch w := *props.Width; {
		case w <= 0:
			view.log.Warn(ctx, "ignoring invalid width", slog.F("width", w))
		case w != view.width:
			view.width = w
			resized = true
		}
	}

	if props.Height != nil {
		switch h := *props.Height; {
		case h <= 0:
			view.log.Warn(ctx, "ignoring invalid height", slog.F("height", h))
		case h != view.height:
			view.height = h
			resized = true
		}
	}

	if props.FramesPerSecond != nil {
		switch fps := *props.FramesPerSecond; {
		case fps <= 0:
			view.log.Warn(ctx, "ignoring invalid frames per second", slog.F("fps", fps))
		case fps != view.fps:
			view.fps = fps
			restyled = true
		}
	}

	if props.Loop != nil && *props.Loop != view.loop {
		view.loop = *props.Loop
		restyled = true
	}

	switch {
	case props.Images != nil:
		view.replaceImages(*props.Images)
	case resized && len(view.refs) > 0:
		// Frames were decoded for the old size.
		view.deferred = true
	}

	if view.deferred && view.sizeKnown() {
		view.load()
		return
	}

	if restyled && view.loaded() {
		view.log.Debug(ctx, "rebuilding animation",
			slog.F("fps", view.fps),
			slog.F("loop", view.loop))
		view.assemble()
	}
}

func (view *View) replaceImages(refs []string) {
	// Whatever is in flight belongs to the old sequence.
	view.loader.Cancel()
	view.notifier.Cancel()

	view.refs = append([]string(nil), refs...)
	view.batch = 0
	view.loading = false
	view.store = nil

	if len(refs) == 0 {
		view.deferred = false
		view.anim = nil
		view.presenter.ShowImage(nil)
		return
	}

	view.deferred = true

	if !view.sizeKnown() {
		view.log.Debug(context.Background(), "deferring load until size is known",
			slog.F("frames", len(refs)))
	}
}

func (view *View) sizeKnown() bool {
	return view.width > 0 && view.height > 0
}

func (view *View) loaded() bool {
	return !view.loading && view.store.Decoded() > 0
}

func (view *View) load() {
	view.notifier.Cancel()

	view.deferred = false
	view.store = nil
	view.loading = true
	view.batch = view.loader.Load(view.refs, image.Pt(view.width, view.height))
}

// assemble builds a new animation from the current store and starts it.
func (view *View) assemble() {
	anim, err := Assemble(view.store, view.fps, view.loop)
	if err != nil {
		view.log.Error(context.Background(), "failed to assemble animation", slog.Error(err))
		return
	}

	view.anim = anim
	view.presenter.ShowAnimation(anim)

	view.notifier.Schedule(anim, func() { view.animationEnded(anim) })
}

// animationEnded emits the end of anim unless it has been replaced since.
func (view *View) animationEnded(anim *Animation) {
	view.l.Lock()
	current := !view.closed && view.anim == anim
	view.l.Unlock()

	if current {
		view.emit(Event{Name: EventEnd})
	}
}

func (view *View) frameLoaded(batch uint64, index int, img image.Image) {
	// Only the first frame is shown early; the rest wait for the animation.
	if index != 0 {
		return
	}

	view.l.Lock()
	defer view.l.Unlock()

	// The batch may have completed before this callback got the lock, in
	// which case the animation is already up.
	if view.closed || batch != view.batch || !view.loading {
		return
	}

	view.presenter.ShowImage(img)
}

func (view *View) frameFailed(batch uint64, err *FrameError) {
	view.l.Lock()
	current := !view.closed && batch == view.batch
	view.l.Unlock()

	if current {
		view.emit(Event{Name: EventFrameError, Payload: err})
	}
}

func (view *View) batchLoaded(batch uint64, store *FrameStore) {
	view.l.Lock()
	defer view.l.Unlock()

	if view.closed || batch != view.batch {
		return
	}

	view.loading = false
	view.store = store

	if store.Decoded() == 0 {
		view.log.Warn(context.Background(), "no frame could be loaded",
			slog.F("batch", batch),
			slog.F("frames", store.Len()))

		// The previous sequence must not stay up in place of this one.
		view.anim = nil
		view.presenter.ShowImage(nil)
		return
	}

	view.assemble()
}

func (view *View) emit(ev Event) {
	if view.events != nil {
		view.events.Emit(ev)
	}
}

// Animation returns the current animation, or nil if there is none.
func (view *View) Animation() *Animation {
	view.l.Lock()
	defer view.l.Unlock()

	return view.anim
}

// Loading returns true if the view is waiting on frames, including when the
// load is deferred until the size is known.
func (view *View) Loading() bool {
	view.l.Lock()
	defer view.l.Unlock()

	return view.loading || view.deferred
}

// Size returns the target size. A zero dimension is not known yet.
func (view *View) Size() image.Point {
	view.l.Lock()
	defer view.l.Unlock()

	return image.Pt(view.width, view.height)
}

// Close cancels any loading and pending end event. The view ignores all
// updates afterwards.
func (view *View) Close() {
	view.l.Lock()
	defer view.l.Unlock()

	if view.closed {
		return
	}

	view.closed = true
	view.notifier.Cancel()
	view.loader.Close()
}
