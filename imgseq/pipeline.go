package imgseq

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Errors returned by QueueJob when a job is rejected.
var (
	ErrPipelineStopped = errors.New("pipeline stopped")
	ErrQueueFull       = errors.New("pipeline queue full")
)

// WorkerIdleTimeout is how long an idle worker waits for a job before exiting.
const WorkerIdleTimeout = 2 * time.Second

// Job is a unit of work run by a pipeline worker. The given context is the
// pipeline's, which is canceled once the pipeline stops.
type Job func(ctx context.Context)

// Pipeline is a bounded pool of workers. Jobs are distributed in FIFO order,
// and workers are spawned only when there is work for them.
type Pipeline struct {
	// state, owned by the start goroutine
	queue      []Job
	workers    int
	maxWorkers int
	maxQueue   int

	// channels
	dieCh     chan struct{}
	msgCh     chan pipelineMessage
	jobCh     chan queuedJob
	distribCh chan Job

	// clean up bits
	sctx context.Context
	stop context.CancelFunc
	done sync.WaitGroup
}

// PipelineOpts configures a new Pipeline.
type PipelineOpts struct {
	// MaxWorkers is the maximum number of workers to spawn. The default is
	// GOMAXPROCS.
	MaxWorkers int
	// MaxQueue is the maximum number of jobs waiting for a worker. Jobs
	// queued past it are rejected with ErrQueueFull. Zero means unbounded.
	MaxQueue int
}

type queuedJob struct {
	job    Job
	result chan error
}

// pipelineMessage is an arbitrary message for the pipeline.
type pipelineMessage struct {
	MaxWorkers int
}

// NewPipeline creates and starts a new pipeline.
func NewPipeline(opts PipelineOpts) *Pipeline {
	return NewPipelineContext(context.Background(), opts)
}

// NewPipelineContext creates and starts a new pipeline with the given context.
// Once the context is canceled, the pipeline stops.
func NewPipelineContext(ctx context.Context, opts PipelineOpts) *Pipeline {
	ctx, cancel := context.WithCancel(ctx)

	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = runtime.GOMAXPROCS(-1)
	}

	pipeline := &Pipeline{
		maxWorkers: opts.MaxWorkers,
		maxQueue:   opts.MaxQueue,

		dieCh:     make(chan struct{}),
		msgCh:     make(chan pipelineMessage),
		jobCh:     make(chan queuedJob),
		distribCh: make(chan Job),

		sctx: ctx,
		stop: cancel,
	}

	pipeline.done.Add(1)
	go pipeline.start()

	return pipeline
}

// Stop stops the pipeline. Jobs still in the queue are dropped. It does
// nothing if the pipeline is already stopped.
func (pipeline *Pipeline) Stop() {
	pipeline.stop()
	pipeline.done.Wait()
}

// SetMaxWorkers changes the worker limit. Running workers above the new limit
// finish their current job before the count settles.
func (pipeline *Pipeline) SetMaxWorkers(n int) {
	if n <= 0 {
		return
	}

	select {
	case <-pipeline.sctx.Done():
	case pipeline.msgCh <- pipelineMessage{MaxWorkers: n}:
	}
}

// QueueJob queues a job. An error is returned if the pipeline is stopped or
// its queue is full; the job will not run in that case.
func (pipeline *Pipeline) QueueJob(job Job) error {
	result := make(chan error, 1)

	select {
	case <-pipeline.sctx.Done():
		return ErrPipelineStopped
	case pipeline.jobCh <- queuedJob{job, result}:
	}

	select {
	case <-pipeline.sctx.Done():
		return ErrPipelineStopped
	case err := <-result:
		return err
	}
}

func (pipeline *Pipeline) start() {
	defer pipeline.done.Done()

	var distributeJob Job
	var distributeCh chan Job

	for {
		select {
		case <-pipeline.sctx.Done():
			return

		case <-pipeline.dieCh:
			pipeline.workers--
			if pipeline.workers < 0 {
				panic("negative pipeline.workers")
			}

			// A worker may time out right as a job becomes ready, while the
			// others are busy. Replace it so the job doesn't wait on them.
			if pipeline.needsWorker(distributeJob != nil) {
				pipeline.spawn()
			}

		case msg := <-pipeline.msgCh:
			if msg.MaxWorkers > 0 {
				pipeline.maxWorkers = msg.MaxWorkers
			}
			if pipeline.needsWorker(distributeJob != nil) {
				pipeline.spawn()
			}

		case queued := <-pipeline.jobCh:
			if pipeline.maxQueue > 0 && len(pipeline.queue) >= pipeline.maxQueue {
				queued.result <- ErrQueueFull
				continue
			}

			queued.result <- nil
			distributeCh = pipeline.distribCh

			// Append into the queue if we already have a job. Otherwise, use
			// it immediately.
			if distributeJob != nil {
				pipeline.queue = append(pipeline.queue, queued.job)
			} else {
				distributeJob = queued.job
			}

			if pipeline.needsWorker(true) {
				pipeline.spawn()
			}

		case distributeCh <- distributeJob:
			distributeJob = nil

			// Stop sending jobs if we're out of them.
			if len(pipeline.queue) == 0 {
				distributeCh = nil
				continue
			}

			// Rotate to the next job in FIFO order.
			distributeJob = pipeline.queue[0]

			copy(pipeline.queue, pipeline.queue[1:])
			pipeline.queue[len(pipeline.queue)-1] = nil
			pipeline.queue = pipeline.queue[:len(pipeline.queue)-1]
		}
	}
}

// needsWorker returns true if a job is waiting and there is room for another
// worker to take it.
func (pipeline *Pipeline) needsWorker(pending bool) bool {
	return pending && pipeline.workers < pipeline.maxWorkers
}

func (pipeline *Pipeline) spawn() {
	pipeline.workers++
	go pipelineWorker(pipeline.sctx, pipeline.distribCh, pipeline.dieCh)
}

func pipelineWorker(ctx context.Context, distrib <-chan Job, die chan<- struct{}) {
	idle := time.NewTimer(WorkerIdleTimeout)
	defer idle.Stop()

EventLoop:
	for {
		select {
		case <-ctx.Done():
			return

		case job := <-distrib:
			job(ctx)

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(WorkerIdleTimeout)

		case <-idle.C:
			break EventLoop
		}
	}

	// signal the worker's death and bail
	select {
	case <-ctx.Done(): // beware of expiry
	case die <- struct{}{}:
	}
}
