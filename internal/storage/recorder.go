package storage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bdougie/frameprompt/internal/models"
	"github.com/bdougie/frameprompt/internal/pipeline"
)

// Recorder exports every frame that reaches a terminal state. Observe is
// registered as a pipeline listener; the writes happen on a separate
// goroutine so the pipeline is never blocked by a sink.
type Recorder struct {
	sinks   []Storage
	logger  *slog.Logger
	timeout time.Duration

	queue   chan recorderMsg
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64

	mu          sync.Mutex
	recorded    map[string]bool
	flushedRun  uint64
	flushedOnce bool
}

type recorderMsg struct {
	result *models.AnalysisResult
	flush  bool
}

const (
	recorderQueueSize = 256
	enqueueTimeout    = 2 * time.Second
)

// NewRecorder starts a recorder writing to sinks.
func NewRecorder(logger *slog.Logger, sinks ...Storage) *Recorder {
	return newRecorder(logger, recorderQueueSize, enqueueTimeout, sinks...)
}

func newRecorder(logger *slog.Logger, size int, timeout time.Duration, sinks ...Storage) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		sinks:    sinks,
		logger:   logger,
		timeout:  timeout,
		queue:    make(chan recorderMsg, size),
		done:     make(chan struct{}),
		recorded: make(map[string]bool),
	}
	go r.run()
	return r
}

// Observe implements pipeline.Listener. The update that finishes a run
// usually also carries the last terminal frame, so the frame is queued
// before the flush.
func (r *Recorder) Observe(u pipeline.Update) {
	snap := u.Snapshot
	if u.Frame != nil && u.Frame.Status.Terminal() && r.markRecorded(u.Frame.ID) {
		index := 0
		for i, f := range snap.Frames {
			if f.ID == u.Frame.ID {
				index = i
				break
			}
		}
		result := models.NewAnalysisResult(snap.Source, snap.Run, index, *u.Frame)
		r.enqueue(recorderMsg{result: &result})
	}
	if snap.State.Finished() && r.markFlushed(snap.Run) {
		r.enqueue(recorderMsg{flush: true})
	}
}

func (r *Recorder) markRecorded(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recorded[id] {
		return false
	}
	r.recorded[id] = true
	return true
}

// markFlushed reports whether run has not been flushed yet.
func (r *Recorder) markFlushed(run uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.flushedOnce && r.flushedRun == run {
		return false
	}
	r.flushedRun, r.flushedOnce = run, true
	return true
}

func (r *Recorder) enqueue(msg recorderMsg) {
	select {
	case r.queue <- msg:
		return
	default:
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case r.queue <- msg:
	case <-r.done:
	case <-timer.C:
		n := r.dropped.Add(1)
		r.logger.Warn("result export queue full, dropping result", "dropped", n)
	}
}

// Dropped is the number of exports discarded because the sinks fell behind.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Recorder) run() {
	defer close(r.done)
	ctx := context.Background()
	for msg := range r.queue {
		if msg.flush {
			r.flush()
			continue
		}
		for _, s := range r.sinks {
			if err := s.AddResult(ctx, *msg.result); err != nil {
				r.logger.Error("failed to export result", "frame", msg.result.FrameID, "error", err)
			}
		}
	}
	r.flush()
}

func (r *Recorder) flush() {
	for _, s := range r.sinks {
		if err := s.Flush(); err != nil {
			r.logger.Error("failed to flush results", "error", err)
		}
	}
}

// Close drains the queue and flushes every sink. Observe must not be called
// after Close.
func (r *Recorder) Close() {
	r.once.Do(func() { close(r.queue) })
	<-r.done
	if n := r.dropped.Load(); n > 0 {
		r.logger.Warn("some results were not exported", "dropped", n)
	}
}
