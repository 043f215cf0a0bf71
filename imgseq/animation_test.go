package imgseq

import (
	"image"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameDuration(t *testing.T) {
	tests := map[int]time.Duration{
		24:   41 * time.Millisecond,
		2:    500 * time.Millisecond,
		1:    time.Second,
		30:   33 * time.Millisecond,
		1000: time.Millisecond,
		2000: time.Millisecond,
		0:    41 * time.Millisecond,
		-5:   41 * time.Millisecond,
	}

	for fps, want := range tests {
		assert.Equal(t, want, FrameDuration(fps), "fps %d", fps)
	}
}

func tagStore(tags ...string) *FrameStore {
	store := newFrameStore(len(tags))
	for i, tag := range tags {
		if tag == "" {
			continue
		}
		store.put(i, tagImage{image.NewNRGBA(image.Rect(0, 0, 1, 1)), tag})
	}
	return store
}

func TestAssemble(t *testing.T) {
	store := tagStore("a", "", "c", "d")

	anim, err := Assemble(store, 2, false)
	require.NoError(t, err)

	if diff := cmp.Diff([]string{"a", "c", "d"}, tagsOf(anim)); diff != "" {
		t.Fatalf("unexpected frames (-want +got):\n%s", diff)
	}

	for _, frame := range anim.Frames {
		assert.Equal(t, 500*time.Millisecond, frame.Duration)
	}

	assert.True(t, anim.OneShot)
	assert.Equal(t, 1500*time.Millisecond, anim.Duration())

	again, err := Assemble(store, 2, false)
	require.NoError(t, err)
	assert.NotEqual(t, anim.ID(), again.ID())
}

func TestAssembleNoFrames(t *testing.T) {
	_, err := Assemble(tagStore("", ""), 24, true)
	assert.Equal(t, ErrNoFrames, err)

	_, err = Assemble(nil, 24, true)
	assert.Equal(t, ErrNoFrames, err)
}

func TestAnimationFrameAt(t *testing.T) {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(ms int) time.Time {
		return start.Add(time.Duration(ms) * time.Millisecond)
	}

	type want struct {
		ix   int
		done bool
	}

	tests := []struct {
		name  string
		loop  bool
		times map[int]want
	}{
		{
			name: "one shot",
			loop: false,
			times: map[int]want{
				-10:  {0, false},
				0:    {0, false},
				499:  {0, false},
				500:  {1, false},
				1499: {2, false},
				1500: {2, true},
				9000: {2, true},
			},
		},
		{
			name: "looping",
			loop: true,
			times: map[int]want{
				0:    {0, false},
				1000: {2, false},
				1500: {0, false},
				2000: {1, false},
				4600: {0, false},
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			anim, err := assembleAt(tagStore("a", "b", "c"), 2, test.loop, start)
			require.NoError(t, err)

			for ms, want := range test.times {
				ix, done := anim.FrameAt(at(ms))
				assert.Equal(t, want.ix, ix, "index at %dms", ms)
				assert.Equal(t, want.done, done, "done at %dms", ms)
			}

			assert.Equal(t, "a", tagOf(anim.Image(at(0))))
		})
	}
}

func TestAnimationNextFrame(t *testing.T) {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(ms int) time.Time {
		return start.Add(time.Duration(ms) * time.Millisecond)
	}

	oneShot, err := assembleAt(tagStore("a", "b"), 10, false, start)
	require.NoError(t, err)

	assert.Equal(t, 100*time.Millisecond, oneShot.NextFrame(at(0)))
	assert.Equal(t, 70*time.Millisecond, oneShot.NextFrame(at(130)))
	assert.Equal(t, 150*time.Millisecond, oneShot.NextFrame(at(-50)))
	assert.Equal(t, time.Duration(0), oneShot.NextFrame(at(200)))

	looping, err := assembleAt(tagStore("a", "b"), 10, true, start)
	require.NoError(t, err)

	assert.Equal(t, 40*time.Millisecond, looping.NextFrame(at(260)))
}
