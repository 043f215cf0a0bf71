package imgseq

import (
	"context"
	"fmt"
	"image"
	"sync"

	"cdr.dev/slog"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// FrameError describes a frame that failed to load.
type FrameError struct {
	Index int
	Ref   string
	Err   error
}

func (err *FrameError) Error() string {
	return fmt.Sprintf("frame %d (%q): %v", err.Index, err.Ref, err.Err)
}

func (err *FrameError) Unwrap() error {
	return err.Err
}

// LoaderOpts configures a Loader. The callbacks are invoked from worker
// goroutines and never with the loader's lock held. Each carries the ID of the
// batch it belongs to; callbacks are only ever made for the current batch, but
// one may still race with a Load call, so receivers should compare the ID
// against the one Load returned.
type LoaderOpts struct {
	// Resolver resolves references when a batch is built. The default is a
	// zero Resolver, which can only fetch remote images.
	Resolver SourceResolver
	// Decoder decodes fetched bytes. The default is a zero Decoder.
	Decoder FrameDecoder
	// Pipeline runs the frame tasks. If nil, the loader starts its own and
	// stops it on Close.
	Pipeline *Pipeline
	Logger   *slog.Logger

	// OnFrame is called for every frame that decoded successfully.
	OnFrame func(batch uint64, index int, img image.Image)
	// OnFrameError is called for every frame that failed to load.
	OnFrameError func(batch uint64, err *FrameError)
	// OnBatch is called once all tasks of the batch reached a terminal state.
	// The store is complete and will no longer be written to.
	OnBatch func(batch uint64, store *FrameStore)
}

// Loader loads image sequences. It runs at most one batch at a time; loading a
// new batch cancels the one in flight.
type Loader struct {
	opts LoaderOpts
	log  slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	owned  bool // owns opts.Pipeline

	l     sync.Mutex
	batch *batch
	seq   uint64
}

// batch is a single image request. Its fields are guarded by the loader lock.
type batch struct {
	id     uint64
	size   image.Point
	ctx    context.Context
	cancel context.CancelFunc

	tasks []*frameTask
	store *FrameStore

	active    int  // tasks not yet terminal
	sealed    bool // all tasks were queued
	completed bool // OnBatch was delivered
}

type frameTask struct {
	index int
	ref   string

	source     Source
	resolveErr error

	cancelled bool
	done      bool
}

// NewLoader creates a new loader.
func NewLoader(opts LoaderOpts) *Loader {
	if opts.Resolver == nil {
		opts.Resolver = Resolver{}
	}
	if opts.Decoder == nil {
		opts.Decoder = Decoder{}
	}

	var owned bool
	if opts.Pipeline == nil {
		opts.Pipeline = NewPipeline(PipelineOpts{})
		owned = true
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Loader{
		opts:   opts,
		log:    namedLogger(opts.Logger, "loader"),
		ctx:    ctx,
		cancel: cancel,
		owned:  owned,
	}
}

// Load starts loading the given references as a new batch and returns its ID.
// Any batch still in flight is canceled first. Each reference becomes one task
// on the pipeline; its index in refs is its playback position regardless of
// when it finishes.
func (loader *Loader) Load(refs []string, size image.Point) uint64 {
	b := loader.newBatch(refs, size)

	loader.log.Debug(b.ctx, "loading batch",
		slog.F("batch", b.id),
		slog.F("frames", len(b.tasks)),
		slog.F("size", b.size))

	for i, task := range b.tasks {
		task := task

		err := loader.opts.Pipeline.QueueJob(func(context.Context) {
			loader.run(b, task)
		})
		if err == nil {
			continue
		}

		// Keep what was spawned; the rest of the batch is dropped.
		loader.log.Error(b.ctx, "failed to queue frame task",
			slog.F("batch", b.id),
			slog.F("index", task.index),
			slog.F("dropped", len(b.tasks)-i),
			slog.Error(err))

		loader.l.Lock()
		for _, dropped := range b.tasks[i:] {
			dropped.done = true
			b.active--
		}
		loader.l.Unlock()
		break
	}

	loader.l.Lock()
	b.sealed = true
	done := loader.completeLocked(b)
	loader.l.Unlock()

	if done && loader.opts.OnBatch != nil {
		// Callers commonly hold their own lock around Load, so don't call back
		// into them from here.
		go loader.opts.OnBatch(b.id, b.store)
	}

	return b.id
}

func (loader *Loader) newBatch(refs []string, size image.Point) *batch {
	ctx, cancel := context.WithCancel(loader.ctx)

	b := &batch{
		size:   size,
		ctx:    ctx,
		cancel: cancel,
		tasks:  make([]*frameTask, len(refs)),
		store:  newFrameStore(len(refs)),
		active: len(refs),
	}

	for i, ref := range refs {
		task := &frameTask{index: i, ref: ref}
		task.source, task.resolveErr = loader.opts.Resolver.Resolve(ref)
		b.tasks[i] = task
	}

	loader.l.Lock()
	defer loader.l.Unlock()

	loader.cancelLocked()

	loader.seq++
	b.id = loader.seq
	loader.batch = b

	return b
}

// Cancel cancels the current batch, if any, without starting a new one.
func (loader *Loader) Cancel() {
	loader.l.Lock()
	defer loader.l.Unlock()

	loader.cancelLocked()
}

func (loader *Loader) cancelLocked() {
	b := loader.batch
	if b == nil {
		return
	}

	loader.batch = nil
	b.cancel()

	if b.active == 0 {
		return
	}

	for _, task := range b.tasks {
		if !task.done {
			task.cancelled = true
		}
	}

	loader.log.Debug(b.ctx, "canceled batch in flight",
		slog.F("batch", b.id),
		slog.F("active", b.active))
}

// Loading returns true if the current batch still has tasks in flight.
func (loader *Loader) Loading() bool {
	loader.l.Lock()
	defer loader.l.Unlock()

	return loader.batch != nil && !loader.batch.completed
}

// InFlight returns the number of tasks of the current batch that have not
// finished yet.
func (loader *Loader) InFlight() int {
	loader.l.Lock()
	defer loader.l.Unlock()

	if loader.batch == nil {
		return 0
	}
	return loader.batch.active
}

// Close cancels the current batch. If the loader started its own pipeline, the
// pipeline is stopped as well. The loader must not be used afterwards.
func (loader *Loader) Close() {
	loader.Cancel()
	loader.cancel()

	if loader.owned {
		loader.opts.Pipeline.Stop()
	}
}

func (loader *Loader) run(b *batch, task *frameTask) {
	img, err := loader.fetchFrame(b, task)
	if err == nil && img == nil {
		err = errors.New("decoder returned no image")
	}

	loader.complete(b, task, img, err)
}

func (loader *Loader) fetchFrame(b *batch, task *frameTask) (image.Image, error) {
	if task.resolveErr != nil {
		return nil, errors.Wrap(task.resolveErr, "failed to resolve")
	}

	// Skip the work entirely if we were canceled while queued.
	if err := b.ctx.Err(); err != nil {
		return nil, err
	}

	data, err := task.source.Fetch(b.ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch %s image", task.source.Kind())
	}

	loader.log.Debug(b.ctx, "fetched frame",
		slog.F("batch", b.id),
		slog.F("index", task.index),
		slog.F("source", task.source.String()),
		slog.F("bytes", humanize.Bytes(uint64(len(data)))))

	if err := b.ctx.Err(); err != nil {
		return nil, err
	}

	img, err := loader.opts.Decoder.Decode(data, b.size)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode")
	}

	return img, nil
}

// complete records the task's result. Results of canceled tasks are dropped
// without touching the store.
func (loader *Loader) complete(b *batch, task *frameTask, img image.Image, err error) {
	loader.l.Lock()

	b.active--
	task.done = true

	keep := !task.cancelled
	if keep {
		if err != nil {
			b.store.fail(task.index, err)
		} else {
			b.store.put(task.index, img)
		}
	}

	done := loader.completeLocked(b)
	loader.l.Unlock()

	if !keep {
		loader.log.Debug(b.ctx, "discarded canceled frame",
			slog.F("batch", b.id),
			slog.F("index", task.index))
		return
	}

	if err != nil {
		loader.log.Warn(b.ctx, "frame failed to load",
			slog.F("batch", b.id),
			slog.F("index", task.index),
			slog.F("ref", task.ref),
			slog.Error(err))

		if loader.opts.OnFrameError != nil {
			loader.opts.OnFrameError(b.id, &FrameError{
				Index: task.index,
				Ref:   task.ref,
				Err:   err,
			})
		}
	} else if loader.opts.OnFrame != nil {
		loader.opts.OnFrame(b.id, task.index, img)
	}

	if done && loader.opts.OnBatch != nil {
		loader.opts.OnBatch(b.id, b.store)
	}
}

// completeLocked marks the batch as completed and returns true if it just
// became so. Only the current batch can complete.
func (loader *Loader) completeLocked(b *batch) bool {
	if !b.sealed || b.active > 0 || b.completed || loader.batch != b {
		return false
	}

	b.completed = true

	loader.log.Debug(b.ctx, "batch loaded",
		slog.F("batch", b.id),
		slog.F("decoded", b.store.Decoded()),
		slog.F("frames", b.store.Len()))

	return true
}
