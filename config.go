package main

import (
	"bytes"
	"context"
	"crypto/sha1"
	"os"
	"path/filepath"
	"time"

	"cdr.dev/slog"
	"github.com/BurntSushi/toml"
	"github.com/diamondburned/tcell-imgseq/imgseq"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// ConfigDebounce is how long to wait after a write before reading the config,
// since some editors truncate the file first and write the buffer after.
const ConfigDebounce = 50 * time.Millisecond

// Config is the TOML player configuration. Keys left out of the file keep
// their current value.
type Config struct {
	Width  int           `toml:"width"`
	Height int           `toml:"height"`
	FPS    int           `toml:"fps"`
	Loop   bool          `toml:"loop"`
	Images []ImageConfig `toml:"images"`

	defined map[string]bool
}

// ImageConfig is a single [[images]] entry.
type ImageConfig struct {
	URI string `toml:"uri"`
}

// ParseConfig parses a TOML config.
func ParseConfig(b []byte) (*Config, error) {
	var cfg Config

	md, err := toml.Decode(string(b), &cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Errorf("unknown config key %q", undecoded[0].String())
	}

	cfg.defined = map[string]bool{}
	for _, key := range []string{"width", "height", "fps", "loop", "images"} {
		cfg.defined[key] = md.IsDefined(key)
	}

	for i, img := range cfg.Images {
		if img.URI == "" {
			return nil, errors.Errorf("images[%d] is missing uri", i)
		}
	}

	return &cfg, nil
}

// LoadConfig reads and parses the config file at path.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config")
	}

	return ParseConfig(b)
}

// URIs returns the image references in order.
func (cfg *Config) URIs() []string {
	uris := make([]string, len(cfg.Images))
	for i, img := range cfg.Images {
		uris[i] = img.URI
	}
	return uris
}

// Props returns the property update for the keys present in the file.
func (cfg *Config) Props() imgseq.Props {
	var props imgseq.Props

	if cfg.defined["width"] {
		props.Width = &cfg.Width
	}
	if cfg.defined["height"] {
		props.Height = &cfg.Height
	}
	if cfg.defined["fps"] {
		props.FramesPerSecond = &cfg.FPS
	}
	if cfg.defined["loop"] {
		props.Loop = &cfg.Loop
	}
	if cfg.defined["images"] {
		uris := cfg.URIs()
		props.Images = &uris
	}

	return props
}

// ConfigChange is a config file change picked up by a ConfigWatcher.
type ConfigChange struct {
	Config *Config
	Err    error
}

// ConfigWatcher watches a single config file. The file's directory is watched
// rather than the file, so that editors replacing the file are followed.
type ConfigWatcher struct {
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	changes  chan<- ConfigChange
	sum      [sha1.Size]byte
	log      slog.Logger
	done     chan struct{}
}

// WatchConfig starts watching the config at path, sending changes until ctx
// is canceled. Writes that leave the contents unchanged are dropped. A
// debounce below zero means ConfigDebounce.
func WatchConfig(ctx context.Context, path string, changes chan<- ConfigChange, debounce time.Duration, log slog.Logger) (*ConfigWatcher, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get config path")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create watcher")
	}

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, errors.Wrap(err, "failed to watch config directory")
	}

	if debounce < 0 {
		debounce = ConfigDebounce
	}

	w := &ConfigWatcher{
		path:     path,
		debounce: debounce,
		watcher:  watcher,
		changes:  changes,
		log:      log.Named("config"),
		done:     make(chan struct{}),
	}

	// Seed the sum so that touching the file without changes is ignored.
	if b, err := os.ReadFile(path); err == nil {
		w.sum = sha1.Sum(b)
	}

	go w.process(ctx)

	return w, nil
}

// Done is closed once the watcher stopped.
func (w *ConfigWatcher) Done() <-chan struct{} {
	return w.done
}

func (w *ConfigWatcher) process(ctx context.Context) {
	defer close(w.done)
	defer w.watcher.Close()

	// Pending is armed on the first event of a burst.
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != w.path || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}

			w.log.Debug(ctx, "config event", slog.F("op", ev.Op.String()))

			if pending == nil {
				pending = time.After(w.debounce)
			}

		case <-pending:
			pending = nil
			w.reload(ctx)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.send(ctx, ConfigChange{Err: errors.Wrap(err, "watcher error")})
		}
	}
}

func (w *ConfigWatcher) reload(ctx context.Context) {
	b, err := os.ReadFile(w.path)
	if err != nil {
		w.send(ctx, ConfigChange{Err: errors.Wrap(err, "failed to read config")})
		return
	}

	sum := sha1.Sum(b)
	if bytes.Equal(sum[:], w.sum[:]) {
		w.log.Debug(ctx, "config unchanged")
		return
	}
	w.sum = sum

	cfg, err := ParseConfig(b)
	w.send(ctx, ConfigChange{Config: cfg, Err: err})
}

func (w *ConfigWatcher) send(ctx context.Context, change ConfigChange) {
	select {
	case <-ctx.Done():
	case w.changes <- change:
	}
}
