// Package tsixel draws image sequences as SIXEL onto a tcell screen.
package tsixel

import (
	"image"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/pkg/errors"
)

// Errors returned if the tcell screen can't draw SIXEL images.
var (
	ErrNoDrawInterceptor = errors.New("screen does not support draw interceptors")
	ErrNoPixelDimensions = errors.New("screen does not support pixel dimensions")
	ErrNoDirectDrawer    = errors.New("screen does not support direct drawer")
	// ErrNoExplicitSync is returned if a screen does not implement sync.Locker,
	// which is needed to guard the images against draws.
	ErrNoExplicitSync = errors.New("screen does not allow explicit syncing")
)

// Imager is anything that can be drawn as SIXEL.
type Imager interface {
	// Update syncs the image to the screen state and returns what to draw. It
	// is called on every draw with the screen locked.
	Update(state DrawState) Frame
}

// Frame is what an Imager wants drawn.
type Frame struct {
	// SIXEL is the raw SIXEL data. It must not be modified once returned.
	SIXEL []byte
	// Bounds is where the image is on the screen, in cells.
	Bounds image.Rectangle
	// MustUpdate forces the SIXEL to be written even if tcell didn't touch
	// any cell under it.
	MustUpdate bool
}

// Screen wraps a tcell screen to draw SIXEL images on top of its cells.
type Screen struct {
	s tcell.Screen
	l sync.Locker

	images map[Imager]*Frame
	state  DrawState
}

// WrapInitScreen wraps an initialized tcell screen. It returns an error if the
// screen lacks what's needed to output SIXEL; it does not check whether the
// terminal itself understands SIXEL.
func WrapInitScreen(s tcell.Screen) (*Screen, error) {
	if _, ok := s.(tcell.DirectDrawer); !ok {
		return nil, ErrNoDirectDrawer
	}

	icept, ok := s.(tcell.DrawInterceptAdder)
	if !ok {
		return nil, ErrNoDrawInterceptor
	}

	locker, ok := s.(sync.Locker)
	if !ok {
		return nil, ErrNoExplicitSync
	}

	if _, ok := s.(tcell.PixelSizer); !ok {
		return nil, ErrNoPixelDimensions
	}

	screen := &Screen{
		s:      s,
		l:      locker,
		images: map[Imager]*Frame{},
	}

	screen.state.Delegate = s.Show
	screen.state.update(s, false)

	if screen.state.Pixels == (image.Point{}) {
		return nil, ErrNoPixelDimensions
	}

	icept.AddDrawIntercept(screen.beforeDraw)
	icept.AddDrawInterceptAfter(screen.afterDraw)

	return screen, nil
}

// State returns the screen state as of the last draw.
func (s *Screen) State() DrawState {
	s.l.Lock()
	defer s.l.Unlock()

	return s.state
}

// beforeDraw updates every image and works out what needs redrawing. It
// returns true to make tcell redraw all cells, which is how stale SIXEL
// pixels are cleared.
func (s *Screen) beforeDraw(screen tcell.Screen, sync bool) bool {
	s.state.update(screen, sync)

	viewer, canView := screen.(tcell.CellBufferViewer)
	clear := sync

	for img, frame := range s.images {
		old := *frame
		*frame = img.Update(s.state)

		if sync {
			frame.MustUpdate = true
			continue
		}

		// A moved or shrunk image leaves pixels behind.
		if !frame.Bounds.Eq(old.Bounds) {
			clear = true
			frame.MustUpdate = true
		}

		if !frame.MustUpdate && canView {
			r := frame.Bounds
			viewer.ViewCellBuffer(func(cb *tcell.CellBuffer) {
				frame.MustUpdate = cb.DirtyRegion(r.Min.X, r.Min.Y, r.Max.X, r.Max.Y)
			})
		}
	}

	if clear && canView && !sync {
		viewer.ViewCellBuffer(func(cb *tcell.CellBuffer) { cb.Invalidate() })
	}

	return clear
}

// afterDraw writes the SIXEL of every image that needs it.
func (s *Screen) afterDraw(screen tcell.Screen, sync bool) bool {
	drawer := screen.(tcell.DirectDrawer)

	for _, frame := range s.images {
		if len(frame.SIXEL) == 0 || !(frame.MustUpdate || sync) {
			continue
		}

		screen.ShowCursor(frame.Bounds.Min.X, frame.Bounds.Min.Y)
		drawer.DrawDirectly(frame.SIXEL)
	}

	screen.HideCursor()
	drawer.DrawDirectly(nil)

	return false
}

// AddImage adds an image to the screen. It does not redraw.
func (s *Screen) AddImage(img Imager) {
	s.l.Lock()
	defer s.l.Unlock()

	frame := img.Update(s.state)
	frame.MustUpdate = true
	s.images[img] = &frame
}

// RemoveImage removes an image from the screen. It does not redraw.
func (s *Screen) RemoveImage(img Imager) {
	s.l.Lock()
	defer s.l.Unlock()

	delete(s.images, img)
}
