package models

import (
	"fmt"
	"time"
)

// FrameStatus is the analysis state of a captured frame.
type FrameStatus int

const (
	StatusPending FrameStatus = iota
	StatusAnalyzing
	StatusCompleted
	StatusError
)

func (s FrameStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAnalyzing:
		return "analyzing"
	case StatusCompleted:
		return "completed"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether no further transition can leave s.
func (s FrameStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Frame is one sampled instant of the source video plus its analysis state.
type Frame struct {
	ID          string      `json:"id"`
	Timestamp   float64     `json:"timestamp"`
	Image       string      `json:"-"`
	Width       int         `json:"width"`
	Height      int         `json:"height"`
	Status      FrameStatus `json:"status"`
	Result      string      `json:"result,omitempty"`
	ErrorDetail string      `json:"error_detail,omitempty"`
}

// Advance moves the frame forward through Pending -> Analyzing -> {Completed|Error}.
func (f *Frame) Advance(next FrameStatus) error {
	ok := false
	switch f.Status {
	case StatusPending:
		ok = next == StatusAnalyzing
	case StatusAnalyzing:
		ok = next == StatusCompleted || next == StatusError
	}
	if !ok {
		return fmt.Errorf("frame %s: invalid transition %s -> %s", f.ID, f.Status, next)
	}
	f.Status = next
	return nil
}

// Complete records the analysis result.
func (f *Frame) Complete(result string) error {
	if err := f.Advance(StatusCompleted); err != nil {
		return err
	}
	f.Result = result
	return nil
}

// Fail records a human-readable failure reason.
func (f *Frame) Fail(detail string) error {
	if err := f.Advance(StatusError); err != nil {
		return err
	}
	f.ErrorDetail = detail
	return nil
}

const (
	MinIntervalSeconds     = 1
	MaxIntervalSeconds     = 60
	DefaultIntervalSeconds = 3
)

// AnalysisConfig holds the user-controlled parameters of a run.
type AnalysisConfig struct {
	IntervalSeconds    int    `json:"interval_seconds"`
	CustomInstructions string `json:"custom_instructions"`
}

// DefaultAnalysisConfig returns the defaults used when nothing is configured.
func DefaultAnalysisConfig() AnalysisConfig {
	return AnalysisConfig{IntervalSeconds: DefaultIntervalSeconds}
}

// Normalize clamps the interval to the supported range instead of rejecting it.
func (c *AnalysisConfig) Normalize() {
	if c.IntervalSeconds < MinIntervalSeconds {
		c.IntervalSeconds = MinIntervalSeconds
	}
	if c.IntervalSeconds > MaxIntervalSeconds {
		c.IntervalSeconds = MaxIntervalSeconds
	}
}

// RunState is the global state of the pipeline.
type RunState int

const (
	RunIdle RunState = iota
	RunCapturing
	RunAllDone
	RunStopped
	RunFailed
)

func (s RunState) String() string {
	switch s {
	case RunIdle:
		return "idle"
	case RunCapturing:
		return "running"
	case RunAllDone:
		return "done"
	case RunStopped:
		return "stopped"
	case RunFailed:
		return "failed"
	default:
		return fmt.Sprintf("run(%d)", int(s))
	}
}

// Finished reports whether a run in this state will not change on its own.
func (s RunState) Finished() bool {
	return s == RunAllDone || s == RunStopped || s == RunFailed
}

// Snapshot is a consistent copy of the pipeline state.
type Snapshot struct {
	Run         uint64
	State       RunState
	Frames      []Frame
	Progress    float64
	Captured    int
	Expected    int
	CaptureDone bool
	Config      AnalysisConfig
	Source      string
	Err         error
	StartedAt   time.Time
	FinishedAt  time.Time
}

// StatusCounts tallies frames per status.
type StatusCounts struct {
	Pending   int
	Analyzing int
	Completed int
	Error     int
}

// Terminal is the number of frames in Completed or Error.
func (c StatusCounts) Terminal() int { return c.Completed + c.Error }

// Counts tallies the snapshot's frames per status.
func (s Snapshot) Counts() StatusCounts {
	var c StatusCounts
	for _, f := range s.Frames {
		switch f.Status {
		case StatusPending:
			c.Pending++
		case StatusAnalyzing:
			c.Analyzing++
		case StatusCompleted:
			c.Completed++
		case StatusError:
			c.Error++
		}
	}
	return c
}

// AnalysisResult is the exported record of one terminal frame.
type AnalysisResult struct {
	Video       string    `json:"video"`
	Run         uint64    `json:"run"`
	FrameID     string    `json:"frame_id"`
	FrameIndex  int       `json:"frame_index"`
	Timestamp   float64   `json:"timestamp"`
	Status      string    `json:"status"`
	Content     string    `json:"content,omitempty"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// NewAnalysisResult records frame f, the index-th frame of run.
func NewAnalysisResult(video string, run uint64, index int, f Frame) AnalysisResult {
	return AnalysisResult{
		Video:       video,
		Run:         run,
		FrameID:     f.ID,
		FrameIndex:  index,
		Timestamp:   f.Timestamp,
		Status:      f.Status.String(),
		Content:     f.Result,
		ErrorDetail: f.ErrorDetail,
		RecordedAt:  time.Now(),
	}
}
