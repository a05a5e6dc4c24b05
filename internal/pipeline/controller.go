package pipeline

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/bdougie/frameprompt/internal/analyzer"
	"github.com/bdougie/frameprompt/internal/extractor"
	"github.com/bdougie/frameprompt/internal/models"
)

// DefaultPace is the delay between picking a pending frame and sending it.
const DefaultPace = time.Second

// FrameSource plans and captures the frames of a video.
type FrameSource interface {
	Plan(ctx context.Context, src extractor.Source, interval int) (extractor.Plan, error)
	Frames(ctx context.Context, plan extractor.Plan) iter.Seq2[models.Frame, error]
}

// Analyzer turns a frame image into descriptive text.
type Analyzer interface {
	Analyze(ctx context.Context, image, instructions string) (string, error)
}

// Update is delivered to listeners after every state change. Frame is the
// frame that changed, or nil for run-level changes.
type Update struct {
	Snapshot models.Snapshot
	Frame    *models.Frame
}

// Listener observes the controller. It runs on the controller's event loop
// and must not call back into the controller synchronously.
type Listener func(Update)

// Option customizes a Controller.
type Option func(*Controller)

// WithPace overrides the delay before each analysis request.
func WithPace(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.pace = d
		}
	}
}

// WithAfterFunc replaces the timer used for pacing.
func WithAfterFunc(after func(time.Duration, func()) (stop func() bool)) Option {
	return func(c *Controller) {
		c.after = after
	}
}

// Controller runs the capture -> queue -> sequential analysis pipeline.
// All state is owned by a single event loop; at most one frame is being
// analyzed at any time.
type Controller struct {
	source   FrameSource
	analyzer Analyzer
	logger   *slog.Logger
	pace     time.Duration
	after    func(time.Duration, func()) func() bool

	// analysis calls outlive Stop but not Close
	baseCtx    context.Context
	baseCancel context.CancelFunc

	events    chan any
	quit      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.RWMutex
	cur       *run
	inflight  bool
	listeners []Listener
}

type run struct {
	id          uint64
	state       models.RunState
	src         extractor.Source
	cfg         models.AnalysisConfig
	frames      []*models.Frame
	captured    int
	expected    int
	captureDone bool
	progress    float64
	scheduled   bool
	stopTimer   func() bool
	ctx         context.Context
	cancel      context.CancelFunc
	err         error
	started     time.Time
	finished    time.Time
	done        chan struct{}
}

func idleRun(id uint64) *run {
	done := make(chan struct{})
	close(done)
	return &run{id: id, state: models.RunIdle, done: done}
}

// NewController constructs the controller and starts its event loop.
func NewController(source FrameSource, an Analyzer, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	c := &Controller{
		source:     source,
		analyzer:   an,
		logger:     logger,
		pace:       DefaultPace,
		after:      func(d time.Duration, f func()) func() bool { return time.AfterFunc(d, f).Stop },
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		events:     make(chan any, 64),
		quit:       make(chan struct{}),
		closed:     make(chan struct{}),
		cur:        idleRun(0),
	}
	for _, opt := range opts {
		opt(c)
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("pipeline panic", "error", r, "stack", string(debug.Stack()))
			}
		}()
		c.loop()
	}()
	return c
}

// events
type (
	evtStart struct {
		src extractor.Source
		cfg models.AnalysisConfig
		ack chan struct{}
	}
	evtStop    struct{ ack chan struct{} }
	evtReset   struct{ ack chan struct{} }
	evtPlanned struct {
		run      uint64
		expected int
	}
	evtCaptured struct {
		run   uint64
		frame models.Frame
	}
	evtCaptureDone struct{ run uint64 }
	evtCaptureFail struct {
		run uint64
		err error
	}
	evtDispatch struct {
		run     uint64
		frameID string
	}
	evtAnalyzed struct {
		run     uint64
		frameID string
		result  string
		err     error
	}
)

func (c *Controller) loop() {
	defer close(c.closed)
	for {
		select {
		case <-c.quit:
			c.mu.Lock()
			if c.cur.state == models.RunCapturing {
				c.finishRun(c.cur, models.RunStopped, nil)
			}
			c.mu.Unlock()
			c.baseCancel()
			return
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Controller) post(ev any) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

// request posts a command and waits until the loop has applied it.
func (c *Controller) request(ev any, ack chan struct{}) {
	c.post(ev)
	select {
	case <-ack:
	case <-c.closed:
	}
}

func (c *Controller) handle(ev any) {
	var changed *models.Frame
	var ack chan struct{}

	c.mu.Lock()
	switch e := ev.(type) {
	case evtStart:
		c.start(e.src, e.cfg)
		ack = e.ack
	case evtStop:
		if r := c.cur; r.state == models.RunCapturing {
			c.finishRun(r, models.RunStopped, nil)
		}
		ack = e.ack
	case evtReset:
		if r := c.cur; r.state == models.RunCapturing {
			c.finishRun(r, models.RunStopped, nil)
		}
		c.cur = idleRun(c.cur.id + 1)
		c.logger.Info("pipeline reset")
		ack = e.ack
	case evtPlanned:
		if r := c.active(e.run); r != nil {
			r.expected = e.expected
		}
	case evtCaptured:
		if r := c.active(e.run); r != nil {
			f := e.frame
			r.frames = append(r.frames, &f)
			r.captured++
			changed = &f
		}
	case evtCaptureDone:
		if r := c.active(e.run); r != nil {
			r.captureDone = true
			c.logger.Info("capture finished", "run", r.id, "frames", len(r.frames))
		}
	case evtCaptureFail:
		if r := c.active(e.run); r != nil {
			c.logger.Error("capture failed", "run", r.id, "error", e.err)
			c.finishRun(r, models.RunFailed, e.err)
		}
	case evtDispatch:
		changed = c.dispatch(e)
	case evtAnalyzed:
		changed = c.complete(e)
	}

	c.reconcile()

	snap := c.snapshotLocked()
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	if ack != nil {
		close(ack)
	}
	u := Update{Snapshot: snap}
	if changed != nil {
		f := *changed
		u.Frame = &f
	}
	for _, l := range listeners {
		l(u)
	}
}

// active returns the current run if id still refers to it and it accepts
// mutations.
func (c *Controller) active(id uint64) *run {
	r := c.cur
	if r.id != id || r.state != models.RunCapturing {
		return nil
	}
	return r
}

func (c *Controller) start(src extractor.Source, cfg models.AnalysisConfig) {
	if r := c.cur; r.state == models.RunCapturing {
		c.finishRun(r, models.RunStopped, nil)
	}
	cfg.Normalize()

	ctx, cancel := context.WithCancel(c.baseCtx)
	r := &run{
		id:      c.cur.id + 1,
		state:   models.RunCapturing,
		src:     src,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	c.cur = r
	c.logger.Info("pipeline started", "run", r.id, "video", src.Name, "interval", cfg.IntervalSeconds)

	go c.capture(ctx, r.id, src, cfg.IntervalSeconds)
}

func (c *Controller) capture(ctx context.Context, runID uint64, src extractor.Source, interval int) {
	plan, err := c.source.Plan(ctx, src, interval)
	if err != nil {
		if ctx.Err() == nil {
			c.post(evtCaptureFail{run: runID, err: err})
		}
		return
	}
	c.post(evtPlanned{run: runID, expected: plan.Expected()})

	for frame, err := range c.source.Frames(ctx, plan) {
		if err != nil {
			c.post(evtCaptureFail{run: runID, err: err})
			return
		}
		c.post(evtCaptured{run: runID, frame: frame})
	}
	if ctx.Err() != nil {
		return
	}
	c.post(evtCaptureDone{run: runID})
}

func (c *Controller) dispatch(e evtDispatch) *models.Frame {
	r := c.active(e.run)
	if r == nil {
		return nil
	}
	r.scheduled = false
	r.stopTimer = nil
	if c.inflight || r.ctx.Err() != nil {
		return nil
	}

	f := r.find(e.frameID)
	if f == nil || f.Status != models.StatusPending {
		return nil
	}
	if err := f.Advance(models.StatusAnalyzing); err != nil {
		c.logger.Error("dispatch rejected", "frame", f.ID, "error", err)
		return nil
	}
	c.inflight = true
	c.logger.Debug("analyzing frame", "run", r.id, "frame", f.ID, "timestamp", f.Timestamp)

	go func(runID uint64, id, image, instructions string) {
		result, err := c.analyzer.Analyze(c.baseCtx, image, instructions)
		c.post(evtAnalyzed{run: runID, frameID: id, result: result, err: err})
	}(r.id, f.ID, f.Image, r.cfg.CustomInstructions)

	return f
}

func (c *Controller) complete(e evtAnalyzed) *models.Frame {
	c.inflight = false

	r := c.active(e.run)
	if r == nil {
		c.logger.Debug("discarding analysis result for inactive run", "run", e.run, "frame", e.frameID)
		return nil
	}
	f := r.find(e.frameID)
	if f == nil {
		return nil
	}

	var err error
	if e.err != nil {
		detail := e.err.Error()
		var analysisErr *analyzer.AnalysisError
		if errors.As(e.err, &analysisErr) {
			detail = analysisErr.Message
		}
		err = f.Fail(detail)
		c.logger.Warn("frame analysis failed", "run", r.id, "frame", f.ID, "timestamp", f.Timestamp, "error", detail)
	} else {
		err = f.Complete(e.result)
		c.logger.Info("frame analyzed", "run", r.id, "frame", f.ID, "timestamp", f.Timestamp)
	}
	if err != nil {
		c.logger.Error("completion rejected", "frame", f.ID, "error", err)
		return nil
	}
	return f
}

// reconcile decides the next step after any change. It is the only place
// that schedules analysis work.
func (c *Controller) reconcile() {
	r := c.cur
	if r.state != models.RunCapturing || r.ctx.Err() != nil {
		return
	}
	c.updateProgress(r)

	for _, f := range r.frames {
		if f.Status == models.StatusAnalyzing {
			return
		}
	}
	for _, f := range r.frames {
		if f.Status == models.StatusPending {
			if r.scheduled || c.inflight {
				return
			}
			r.scheduled = true
			runID, id := r.id, f.ID
			r.stopTimer = c.after(c.pace, func() {
				c.post(evtDispatch{run: runID, frameID: id})
			})
			return
		}
	}

	if r.captureDone {
		c.finishRun(r, models.RunAllDone, nil)
	}
}

func (c *Controller) updateProgress(r *run) {
	expected := max(1, r.expected)
	capture := 50 * float64(min(r.captured, expected)) / float64(expected)
	total := expected
	if r.captureDone {
		capture = 50
		total = max(1, len(r.frames))
	}

	terminal := 0
	for _, f := range r.frames {
		if f.Status.Terminal() {
			terminal++
		}
	}
	p := capture + 50*float64(terminal)/float64(total)
	// 100 is reserved for AllDone
	p = min(p, 99)
	r.progress = max(r.progress, p)
}

func (c *Controller) finishRun(r *run, state models.RunState, err error) {
	r.state = state
	r.err = err
	r.finished = time.Now()
	if r.stopTimer != nil {
		r.stopTimer()
		r.stopTimer = nil
	}
	r.scheduled = false
	if r.cancel != nil {
		r.cancel()
	}
	if state == models.RunAllDone {
		r.progress = 100
	}
	close(r.done)

	c.logger.Info("pipeline finished",
		"run", r.id,
		"state", state.String(),
		"frames", len(r.frames),
		"elapsed", r.finished.Sub(r.started).Round(time.Millisecond))
}

func (r *run) find(id string) *models.Frame {
	for _, f := range r.frames {
		if f.ID == id {
			return f
		}
	}
	return nil
}

func (c *Controller) snapshotLocked() models.Snapshot {
	r := c.cur
	frames := make([]models.Frame, len(r.frames))
	for i, f := range r.frames {
		frames[i] = *f
	}
	return models.Snapshot{
		Run:         r.id,
		State:       r.state,
		Frames:      frames,
		Progress:    r.progress,
		Captured:    r.captured,
		Expected:    r.expected,
		CaptureDone: r.captureDone,
		Config:      r.cfg,
		Source:      r.src.Name,
		Err:         r.err,
		StartedAt:   r.started,
		FinishedAt:  r.finished,
	}
}

// Start discards any previous frames and begins a new run for src.
// A run already in progress is stopped first.
func (c *Controller) Start(src extractor.Source, cfg models.AnalysisConfig) {
	ack := make(chan struct{})
	c.request(evtStart{src: src, cfg: cfg, ack: ack}, ack)
}

// Stop cancels the current run. An analysis call already in flight is not
// interrupted; its result is discarded.
func (c *Controller) Stop() {
	ack := make(chan struct{})
	c.request(evtStop{ack: ack}, ack)
}

// Reset stops the current run and discards its frames.
func (c *Controller) Reset() {
	ack := make(chan struct{})
	c.request(evtReset{ack: ack}, ack)
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() models.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

// Subscribe registers l for every subsequent update.
func (c *Controller) Subscribe(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Wait blocks until the current run is done, stopped or failed. The returned
// error is the capture failure of a failed run, or ctx's error.
func (c *Controller) Wait(ctx context.Context) (models.Snapshot, error) {
	c.mu.RLock()
	done := c.cur.done
	c.mu.RUnlock()

	select {
	case <-done:
		snap := c.Snapshot()
		return snap, snap.Err
	case <-ctx.Done():
		return c.Snapshot(), ctx.Err()
	case <-c.closed:
		return c.Snapshot(), errors.New("pipeline closed")
	}
}

// Close stops the event loop and aborts any in-flight analysis.
func (c *Controller) Close() {
	c.closeOnce.Do(func() { close(c.quit) })
	<-c.closed
}
