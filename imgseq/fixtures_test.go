package imgseq

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

// lockedBuffer collects log output. Unlike slogtest, it's fine to write to it
// after the test returned, which background workers may do.
type lockedBuffer struct {
	l   sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.l.Lock()
	defer b.l.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.l.Lock()
	defer b.l.Unlock()
	return b.buf.String()
}

func newTestLogger(t *testing.T) *slog.Logger {
	var buf lockedBuffer
	log := slog.Make(sloghuman.Sink(&buf)).Leveled(slog.LevelDebug)

	t.Cleanup(func() {
		if t.Failed() {
			t.Log("logs:\n" + buf.String())
		}
	})

	return &log
}

func encodePNG(t testing.TB, w, h int, c color.Color) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// tagImage is a tiny image that remembers which reference it came from.
type tagImage struct {
	*image.NRGBA
	tag string
}

func tagOf(img image.Image) string {
	if img == nil {
		return ""
	}
	return img.(tagImage).tag
}

func tagsOf(anim *Animation) []string {
	tags := make([]string, len(anim.Frames))
	for i, frame := range anim.Frames {
		tags[i] = tagOf(frame.Image)
	}
	return tags
}

// tagDecoder "decodes" the fetched bytes into a tagImage named after them.
type tagDecoder struct {
	fail map[string]error
}

func (dec tagDecoder) Decode(data []byte, target image.Point) (image.Image, error) {
	tag := string(data)
	if err := dec.fail[tag]; err != nil {
		return nil, err
	}
	return tagImage{image.NewNRGBA(image.Rect(0, 0, 1, 1)), tag}, nil
}

// fakeSource returns its reference as its data. If gate is set, Fetch blocks
// until the gate is closed; unless stubborn, it also gives up once canceled.
type fakeSource struct {
	ref      string
	err      error
	gate     chan struct{}
	stubborn bool
	fetched  *int32
}

func (src *fakeSource) Kind() SourceKind { return Local }
func (src *fakeSource) String() string   { return src.ref }

func (src *fakeSource) Fetch(ctx context.Context) ([]byte, error) {
	if src.fetched != nil {
		defer atomic.AddInt32(src.fetched, 1)
	}

	if src.gate != nil {
		if src.stubborn {
			<-src.gate
		} else {
			select {
			case <-src.gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	if src.err != nil {
		return nil, src.err
	}
	return []byte(src.ref), nil
}

// fakeResolver resolves references to fakeSources, creating instant ones for
// references it doesn't know about unless they start with "missing".
type fakeResolver struct {
	l        sync.Mutex
	sources  map[string]*fakeSource
	resolved []string
	fetched  int32
}

func newFakeResolver(sources ...*fakeSource) *fakeResolver {
	resolver := &fakeResolver{sources: map[string]*fakeSource{}}
	for _, src := range sources {
		src.fetched = &resolver.fetched
		resolver.sources[src.ref] = src
	}
	return resolver
}

func (r *fakeResolver) Resolve(ref string) (Source, error) {
	r.l.Lock()
	defer r.l.Unlock()

	r.resolved = append(r.resolved, ref)

	src, ok := r.sources[ref]
	if !ok {
		if len(ref) >= 7 && ref[:7] == "missing" {
			return nil, errors.Wrapf(ErrNotFound, "%q", ref)
		}
		src = &fakeSource{ref: ref, fetched: &r.fetched}
		r.sources[ref] = src
	}

	return src, nil
}

func (r *fakeResolver) resolveCount() int {
	r.l.Lock()
	defer r.l.Unlock()
	return len(r.resolved)
}

func (r *fakeResolver) fetchCount() int {
	return int(atomic.LoadInt32(&r.fetched))
}

// recordingPresenter records everything it's asked to show.
type recordingPresenter struct {
	l     sync.Mutex
	shown []interface{} // image.Image or *Animation
}

func (p *recordingPresenter) ShowImage(img image.Image) {
	p.l.Lock()
	defer p.l.Unlock()
	p.shown = append(p.shown, img)
}

func (p *recordingPresenter) ShowAnimation(anim *Animation) {
	p.l.Lock()
	defer p.l.Unlock()
	p.shown = append(p.shown, anim)
}

func (p *recordingPresenter) history() []interface{} {
	p.l.Lock()
	defer p.l.Unlock()
	return append([]interface{}(nil), p.shown...)
}

// describe turns the history into strings: "image:<tag>" or "anim:<tags>".
func (p *recordingPresenter) describe() []string {
	var out []string
	for _, v := range p.history() {
		switch v := v.(type) {
		case *Animation:
			desc := "anim:"
			for i, tag := range tagsOf(v) {
				if i > 0 {
					desc += ","
				}
				desc += tag
			}
			out = append(out, desc)
		case image.Image:
			out = append(out, "image:"+tagOf(v))
		case nil:
			out = append(out, "clear")
		}
	}
	return out
}

func (p *recordingPresenter) lastAnimation() *Animation {
	history := p.history()
	for i := len(history) - 1; i >= 0; i-- {
		if anim, ok := history[i].(*Animation); ok {
			return anim
		}
	}
	return nil
}

// eventRecorder records emitted events.
type eventRecorder struct {
	l      sync.Mutex
	events []Event
	times  []time.Time
}

func (r *eventRecorder) Emit(ev Event) {
	r.l.Lock()
	defer r.l.Unlock()
	r.events = append(r.events, ev)
	r.times = append(r.times, time.Now())
}

func (r *eventRecorder) named(name string) []Event {
	r.l.Lock()
	defer r.l.Unlock()

	var events []Event
	for _, ev := range r.events {
		if ev.Name == name {
			events = append(events, ev)
		}
	}
	return events
}

func (r *eventRecorder) firstTime(name string) time.Time {
	r.l.Lock()
	defer r.l.Unlock()

	for i, ev := range r.events {
		if ev.Name == name {
			return r.times[i]
		}
	}
	return time.Time{}
}
