package main

import (
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
	"github.com/diamondburned/tcell-imgseq/imgseq"
	"github.com/diamondburned/tcell-imgseq/tsixel"
	"github.com/gdamore/tcell/v2"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

type options struct {
	width     int
	height    int
	fps       int
	loop      bool
	config    string
	bundle    string
	workers   int
	colors    int
	dither    bool
	exitOnEnd bool
	debug     bool
	logFile   string
	timeout   time.Duration
}

func main() {
	opts := options{
		fps:     imgseq.DefaultFramesPerSecond,
		loop:    true,
		colors:  255,
		timeout: 30 * time.Second,
	}

	flags := pflag.NewFlagSet(filepath.Base(os.Args[0]), pflag.ExitOnError)
	flags.IntVarP(&opts.width, "width", "w", opts.width, "frame width in pixels; fits the terminal if unset")
	flags.IntVarP(&opts.height, "height", "h", opts.height, "frame height in pixels; fits the terminal if unset")
	flags.IntVar(&opts.fps, "fps", opts.fps, "frames per second")
	flags.BoolVar(&opts.loop, "loop", opts.loop, "loop the animation")
	flags.StringVarP(&opts.config, "config", "c", "", "TOML config file, reloaded on change")
	flags.StringVarP(&opts.bundle, "bundle", "b", "", "directory to look up image identifiers in")
	flags.IntVar(&opts.workers, "workers", 0, "maximum concurrent frame loads (default GOMAXPROCS)")
	flags.IntVar(&opts.colors, "colors", opts.colors, "SIXEL palette size (2-255)")
	flags.BoolVar(&opts.dither, "dither", false, "dither frames when reducing colors")
	flags.BoolVar(&opts.exitOnEnd, "exit-on-end", false, "exit once the animation played through")
	flags.BoolVar(&opts.debug, "debug", false, "log debug messages")
	flags.StringVar(&opts.logFile, "log", "", "write logs to this file instead of stderr")
	flags.DurationVar(&opts.timeout, "timeout", opts.timeout, "timeout for fetching a remote image")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] [image...]\n\n", flags.Name())
		fmt.Fprintln(os.Stderr, "Images are http(s) URLs or identifiers in the bundle directory.")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		flags.PrintDefaults()
	}
	flags.Parse(os.Args[1:])

	if opts.colors < 2 || opts.colors > 255 {
		fmt.Fprintln(os.Stderr, "invalid --colors value out of bounds")
		os.Exit(2)
	}

	logs, closeLogs, err := openLogs(opts.logFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if opts.debug {
		level = slog.LevelDebug
	}
	log := slog.Make(sloghuman.Sink(logs)).Leveled(level)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)

	err = run(ctx, opts, flags, log)
	cancel()
	closeLogs()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openLogs opens the log output. Without a file, logs are held back until the
// terminal is given back, then written to stderr.
func openLogs(path string) (io.Writer, func(), error) {
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to open log file")
		}
		return f, func() { f.Close() }, nil
	}

	var buf heldLogs
	return &buf, func() { buf.WriteTo(os.Stderr) }, nil
}

type heldLogs struct {
	l   sync.Mutex
	buf []byte
}

func (h *heldLogs) Write(b []byte) (int, error) {
	h.l.Lock()
	defer h.l.Unlock()

	h.buf = append(h.buf, b...)
	return len(b), nil
}

func (h *heldLogs) WriteTo(w io.Writer) (int64, error) {
	h.l.Lock()
	defer h.l.Unlock()

	n, err := w.Write(h.buf)
	return int64(n), err
}

// initialProps merges the config file and the flags. Flags given explicitly
// win over the file.
func initialProps(opts options, flags *pflag.FlagSet, cfg *Config) imgseq.Props {
	props := imgseq.Props{
		FramesPerSecond: &opts.fps,
		Loop:            &opts.loop,
	}
	if cfg != nil {
		props = cfg.Props()
		if props.FramesPerSecond == nil {
			props.FramesPerSecond = &opts.fps
		}
		if props.Loop == nil {
			props.Loop = &opts.loop
		}
	}

	if flags.Changed("fps") {
		props.FramesPerSecond = &opts.fps
	}
	if flags.Changed("loop") {
		props.Loop = &opts.loop
	}
	if opts.width > 0 {
		props.Width = &opts.width
	}
	if opts.height > 0 {
		props.Height = &opts.height
	}
	if args := flags.Args(); len(args) > 0 {
		props.Images = &args
	}

	return props
}

func run(ctx context.Context, opts options, flags *pflag.FlagSet, log slog.Logger) error {
	var cfg *Config
	if opts.config != "" {
		c, err := LoadConfig(opts.config)
		if err != nil {
			return err
		}
		cfg = c
	}

	props := initialProps(opts, flags, cfg)
	if props.Images == nil || len(*props.Images) == 0 {
		return errors.New("no images given")
	}

	// Size the frames to the terminal unless told otherwise.
	fitWidth := props.Width == nil
	fitHeight := props.Height == nil

	resolver := imgseq.Resolver{
		Client: &http.Client{Timeout: opts.timeout},
	}
	if opts.bundle != "" {
		resolver.Bundle = os.DirFS(opts.bundle)
	}

	pipeline := imgseq.NewPipelineContext(ctx, imgseq.PipelineOpts{MaxWorkers: opts.workers})
	defer pipeline.Stop()

	screen, err := tcell.NewScreen()
	if err != nil {
		return errors.Wrap(err, "failed to create screen")
	}

	if err := screen.Init(); err != nil {
		return errors.Wrap(err, "failed to init screen")
	}
	defer screen.Fini()

	sixels, err := tsixel.WrapInitScreen(screen)
	if err != nil {
		return errors.Wrap(err, "failed to wrap screen")
	}

	seq := tsixel.NewSequence(tsixel.SequenceOpts{
		EncodeOpts: tsixel.EncodeOpts{
			Colors: opts.colors,
			Dither: opts.dither,
		},
		Pipeline: pipeline,
		Logger:   &log,
	})
	defer seq.Close()

	sixels.AddImage(seq)
	defer sixels.RemoveImage(seq)

	events := make(chan imgseq.Event, 16)
	shown := make(chan struct{}, 1)

	view := imgseq.NewView(imgseq.ViewOpts{
		Presenter: notifyingPresenter{seq, shown},
		Events: imgseq.EventFunc(func(ev imgseq.Event) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		}),
		Resolver: resolver,
		Pipeline: pipeline,
		Logger:   &log,
	})
	defer view.Close()

	player := &player{
		screen:    screen,
		sixels:    sixels,
		seq:       seq,
		view:      view,
		log:       log.Named("player"),
		fitWidth:  fitWidth,
		fitHeight: fitHeight,
	}

	player.layout(&props)
	view.Apply(props)
	player.drawStatus()

	var changes chan ConfigChange
	if opts.config != "" {
		changes = make(chan ConfigChange)
		if _, err := WatchConfig(ctx, opts.config, changes, -1, log); err != nil {
			log.Warn(ctx, "not watching config", slog.Error(err))
		}
	}

	eventCh := screenEventPipeline(screen)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-eventCh:
			if !ok || player.onScreenEvent(ev) {
				return nil
			}

		case <-shown:
			player.drawStatus()

		case ev := <-events:
			if player.onEvent(ctx, ev) && opts.exitOnEnd {
				return nil
			}

		case change := <-changes:
			if change.Err != nil {
				log.Error(ctx, "failed to reload config", slog.Error(change.Err))
				continue
			}

			log.Info(ctx, "config reloaded")

			props := change.Config.Props()
			player.layout(&props)
			view.Apply(props)
			player.drawStatus()
		}
	}
}

// notifyingPresenter pokes the main loop whenever something new is shown.
// The view is locked during presenter calls, so the status line can't be
// drawn from here.
type notifyingPresenter struct {
	*tsixel.Sequence
	shown chan<- struct{}
}

func (p notifyingPresenter) ShowImage(img image.Image) {
	p.Sequence.ShowImage(img)
	p.poke()
}

func (p notifyingPresenter) ShowAnimation(anim *imgseq.Animation) {
	p.Sequence.ShowAnimation(anim)
	p.poke()
}

func (p notifyingPresenter) poke() {
	select {
	case p.shown <- struct{}{}:
	default:
	}
}

// player ties the screen to the view.
type player struct {
	screen tcell.Screen
	sixels *tsixel.Screen
	seq    *tsixel.Sequence
	view   *imgseq.View
	log    slog.Logger

	fitWidth  bool
	fitHeight bool

	ended    uint64 // animation that last ended
	failures int
}

// layout places the sequence below the status line, and fills in the frame
// size from the terminal where it isn't set explicitly.
func (p *player) layout(props *imgseq.Props) {
	state := p.sixels.State()
	box := image.Rectangle{Min: image.Pt(0, 1), Max: state.Cells}
	p.seq.SetBounds(box)

	if props.Width != nil {
		p.fitWidth = false
	}
	if props.Height != nil {
		p.fitHeight = false
	}

	size := state.PtInPixels(state.CapRect(box).Size())
	if p.fitWidth && size.X > 0 {
		props.Width = &size.X
	}
	if p.fitHeight && size.Y > 0 {
		props.Height = &size.Y
	}
}

// onScreenEvent handles a tcell event. It returns true to quit.
func (p *player) onScreenEvent(ev tcell.Event) bool {
	switch ev := ev.(type) {
	case *tcell.EventKey:
		switch {
		case ev.Key() == tcell.KeyEscape || ev.Key() == tcell.KeyCtrlC || ev.Rune() == 'q':
			return true
		case ev.Key() == tcell.KeyF5:
			p.screen.Sync()
		case ev.Rune() == 'l':
			if anim := p.view.Animation(); anim != nil {
				p.view.SetLoop(anim.OneShot)
				p.drawStatus()
			}
		}

	case *tcell.EventResize:
		var props imgseq.Props
		p.layout(&props)
		p.view.Apply(props)
		p.drawStatus()
		p.screen.Sync()
	}

	return false
}

// onEvent handles a view event. It returns true once the animation ended.
func (p *player) onEvent(ctx context.Context, ev imgseq.Event) bool {
	switch ev.Name {
	case imgseq.EventEnd:
		p.log.Info(ctx, "animation ended")
		if anim := p.view.Animation(); anim != nil {
			p.ended = anim.ID()
		}
		p.drawStatus()
		return true

	case imgseq.EventFrameError:
		p.failures++
		p.log.Warn(ctx, "frame failed", slog.Error(ev.Payload.(*imgseq.FrameError)))
		p.drawStatus()
	}

	return false
}

func (p *player) drawStatus() {
	var status string

	switch anim := p.view.Animation(); {
	case p.view.Loading():
		status = "loading..."
	case anim == nil:
		status = "nothing to show"
	default:
		mode := "looping"
		if anim.OneShot {
			mode = "once"
		}
		status = fmt.Sprintf("%d frames, %s, %s", len(anim.Frames), anim.Duration(), mode)
		if p.ended == anim.ID() {
			status += ", ended"
		}
	}

	if p.failures > 0 {
		status += fmt.Sprintf(" (%d failed)", p.failures)
	}

	status += "  [q] quit  [l] toggle loop"

	width, _ := p.screen.Size()
	for x := 0; x < width; x++ {
		p.screen.SetContent(x, 0, ' ', nil, tcell.StyleDefault)
	}
	p.screen.SetCell(0, 0, tcell.StyleDefault.Reverse(true), []rune(status)...)
	p.screen.Show()
}

// screenEventPipeline starts polling for screen events. The returned channel
// is closed once PollEvent returns a nil event.
func screenEventPipeline(screen tcell.Screen) <-chan tcell.Event {
	ch := make(chan tcell.Event, 1)

	go func() {
		defer close(ch)

		for {
			event := screen.PollEvent()
			if event == nil {
				return
			}

			ch <- event
		}
	}()

	return ch
}
