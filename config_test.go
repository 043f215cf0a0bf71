package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/slogtest"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullConfig = `
width = 320
height = 240
fps = 12
loop = false

[[images]]
uri = "https://example.com/1.png"

[[images]]
uri = "frame_02"
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(fullConfig))
	require.NoError(t, err)

	props := cfg.Props()
	require.NotNil(t, props.Width)
	require.NotNil(t, props.Height)
	require.NotNil(t, props.FramesPerSecond)
	require.NotNil(t, props.Loop)
	require.NotNil(t, props.Images)

	assert.Equal(t, 320, *props.Width)
	assert.Equal(t, 240, *props.Height)
	assert.Equal(t, 12, *props.FramesPerSecond)
	assert.False(t, *props.Loop)

	if diff := cmp.Diff([]string{"https://example.com/1.png", "frame_02"}, *props.Images); diff != "" {
		t.Fatalf("unexpected images (-want +got):\n%s", diff)
	}
}

func TestParseConfigPartial(t *testing.T) {
	cfg, err := ParseConfig([]byte("fps = 5\n"))
	require.NoError(t, err)

	props := cfg.Props()
	assert.Nil(t, props.Width)
	assert.Nil(t, props.Height)
	assert.Nil(t, props.Loop)
	assert.Nil(t, props.Images)
	require.NotNil(t, props.FramesPerSecond)
	assert.Equal(t, 5, *props.FramesPerSecond)

	// An explicitly empty list clears the sequence.
	cfg, err = ParseConfig([]byte("images = []\n"))
	require.NoError(t, err)
	require.NotNil(t, cfg.Props().Images)
	assert.Empty(t, *cfg.Props().Images)
}

func TestParseConfigErrors(t *testing.T) {
	tests := map[string]string{
		"syntax":      "width = ",
		"unknown key": "colour = 3\n",
		"missing uri": "[[images]]\nurl = \"a\"\n",
		"wrong type":  "fps = \"fast\"\n",
	}

	for name, config := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(config))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "player.toml")

	_, err := LoadConfig(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(fullConfig), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/1.png", "frame_02"}, cfg.URIs())
}

func TestWatchConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "player.toml")
	require.NoError(t, os.WriteFile(path, []byte("fps = 1\n"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan ConfigChange)

	log := slogtest.Make(t, nil).Leveled(slog.LevelDebug)
	w, err := WatchConfig(ctx, path, changes, 10*time.Millisecond, log)
	require.NoError(t, err)

	t.Cleanup(func() {
		cancel()
		<-w.Done()
	})

	next := func() ConfigChange {
		t.Helper()
		select {
		case change := <-changes:
			return change
		case <-time.After(2 * time.Second):
			t.Fatal("no config change")
			return ConfigChange{}
		}
	}

	// Unrelated files in the same directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.toml"), []byte("fps = 9\n"), 0644))

	require.NoError(t, os.WriteFile(path, []byte("fps = 2\n"), 0644))

	change := next()
	require.NoError(t, change.Err)
	require.NotNil(t, change.Config.Props().FramesPerSecond)
	assert.Equal(t, 2, *change.Config.Props().FramesPerSecond)

	// Rewriting the same contents is not a change.
	require.NoError(t, os.WriteFile(path, []byte("fps = 2\n"), 0644))

	select {
	case change := <-changes:
		t.Fatalf("unexpected change %+v", change)
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte("fps = \n"), 0644))

	change = next()
	assert.Error(t, change.Err)
	assert.Nil(t, change.Config)
}
