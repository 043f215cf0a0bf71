package tsixel

import (
	"image"
	"time"

	"github.com/gdamore/tcell/v2"
)

// SIXELHeight is the height of a single SIXEL band. Images are sized in
// multiples of it so that the last band doesn't spill into the next row.
const SIXELHeight = 6 // px

// DrawState is the screen as seen by an Imager during a draw.
type DrawState struct {
	// Delegate redraws the screen later on. It must be called from its own
	// goroutine, since the screen is locked while images are updated.
	Delegate func()
	// Time is the time of the draw. Animated images pick their frame by it.
	Time time.Time
	// Sync is true if the whole screen is being redrawn.
	Sync bool

	Cells  image.Point
	Pixels image.Point
}

func (state *DrawState) update(screen tcell.Screen, sync bool) {
	state.Time = time.Now()
	state.Sync = sync
	state.Cells = image.Pt(screen.Size())

	if pxsz, ok := screen.(tcell.PixelSizer); ok {
		state.Pixels = image.Pt(pxsz.PixelSize())
	}
}

// CellSize returns the size of a single cell in pixels. It is zero if the
// screen size is not known.
func (state DrawState) CellSize() image.Point {
	if state.Cells.X == 0 || state.Cells.Y == 0 {
		return image.Point{}
	}

	return image.Point{
		X: state.Pixels.X / state.Cells.X,
		Y: state.Pixels.Y / state.Cells.Y,
	}
}

// PtInPixels converts a point in cells to pixels.
func (state DrawState) PtInPixels(pt image.Point) image.Point {
	cell := state.CellSize()
	return image.Pt(pt.X*cell.X, pt.Y*cell.Y)
}

// PtInCells converts a point in pixels to cells, rounding up.
func (state DrawState) PtInCells(pt image.Point) image.Point {
	return ptInCells(state.CellSize(), pt)
}

func ptInCells(cell, pt image.Point) image.Point {
	if cell.X == 0 || cell.Y == 0 {
		return image.Point{}
	}

	return image.Pt(ceilDiv(pt.X, cell.X), ceilDiv(pt.Y, cell.Y))
}

// CapRect caps a rectangle in cells to the usable part of the screen. A margin
// is left on the right and at the bottom, since terminals scroll or wrap once
// a SIXEL touches the edge.
func (state DrawState) CapRect(rect image.Rectangle) image.Rectangle {
	return rect.Intersect(image.Rectangle{
		Max: state.Cells.Sub(image.Pt(4, 2)),
	})
}

// fitSize returns the largest size with the aspect ratio of size that fits in
// box. The height is rounded down to whole SIXEL bands when there's room for
// at least one.
func fitSize(size, box image.Point) image.Point {
	if size.X <= 0 || size.Y <= 0 || box.X <= 0 || box.Y <= 0 {
		return image.Point{}
	}

	var fit image.Point
	if size.X*box.Y > size.Y*box.X {
		// Wider than the box.
		fit = image.Pt(box.X, size.Y*box.X/size.X)
	} else {
		fit = image.Pt(size.X*box.Y/size.Y, box.Y)
	}

	if excess := fit.Y % SIXELHeight; excess > 0 && fit.Y > SIXELHeight {
		fit.X -= fit.X * excess / fit.Y
		fit.Y -= excess
	}

	if fit.X < 1 {
		fit.X = 1
	}
	if fit.Y < 1 {
		fit.Y = 1
	}

	return fit
}

// ceilDiv divides a by b, rounding up.
func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
