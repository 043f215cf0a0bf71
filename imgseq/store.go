package imgseq

import "image"

// FrameStore holds the decoded frames of one batch. Slots are preallocated to
// the batch size and each frame task only ever writes its own slot. A store is
// read-only once its batch has completed.
type FrameStore struct {
	frames []image.Image
	errs   []error
}

func newFrameStore(n int) *FrameStore {
	return &FrameStore{
		frames: make([]image.Image, n),
		errs:   make([]error, n),
	}
}

func (store *FrameStore) put(i int, img image.Image) {
	store.frames[i] = img
	store.errs[i] = nil
}

func (store *FrameStore) fail(i int, err error) {
	store.frames[i] = nil
	store.errs[i] = err
}

// Len returns the number of slots, which is the batch size.
func (store *FrameStore) Len() int {
	if store == nil {
		return 0
	}
	return len(store.frames)
}

// Frame returns the frame at index i, or nil if it's missing.
func (store *FrameStore) Frame(i int) image.Image {
	return store.frames[i]
}

// Err returns the error that left slot i empty, if any. A nil frame with a nil
// error means the task never ran.
func (store *FrameStore) Err(i int) error {
	return store.errs[i]
}

// Decoded returns the number of frames that were decoded successfully.
func (store *FrameStore) Decoded() int {
	if store == nil {
		return 0
	}

	var n int
	for _, frame := range store.frames {
		if frame != nil {
			n++
		}
	}
	return n
}

// Frames returns the decoded frames in index order, skipping gaps.
func (store *FrameStore) Frames() []image.Image {
	if store == nil {
		return nil
	}

	frames := make([]image.Image, 0, len(store.frames))
	for _, frame := range store.frames {
		if frame != nil {
			frames = append(frames, frame)
		}
	}
	return frames
}
