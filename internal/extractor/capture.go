package extractor

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"iter"
	"log/slog"
	"math"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/bdougie/frameprompt/internal/models"
)

const (
	DefaultMaxWidth    = 1024
	DefaultJPEGQuality = 80
)

// CaptureError is fatal to a run. No frame is emitted for the failing step.
type CaptureError struct {
	Op        string
	Timestamp float64
	Err       error
}

func (e *CaptureError) Error() string {
	if e.Op == "probe" {
		return fmt.Sprintf("video metadata unavailable: %v", e.Err)
	}
	return fmt.Sprintf("capture %s at %.3fs: %v", e.Op, e.Timestamp, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Plan is the ordered list of timestamps a capture run will visit.
type Plan struct {
	Source     Source
	Duration   float64
	Interval   int
	Timestamps []float64
}

// Expected is the frame count used for progress. It is never zero.
func (p Plan) Expected() int {
	return max(1, len(p.Timestamps))
}

// Timestamps returns 0, interval, 2*interval, ... for floor(duration/interval)
// samples, or a single sample at 0 when the interval exceeds the duration.
// A zero or unknown duration yields no samples.
func Timestamps(duration float64, interval int) []float64 {
	if interval < 1 {
		interval = 1
	}
	if duration <= 0 || math.IsNaN(duration) || math.IsInf(duration, 0) {
		return nil
	}
	n := max(1, int(math.Floor(duration/float64(interval))))
	ts := make([]float64, n)
	for i := range ts {
		ts[i] = float64(i * interval)
	}
	return ts
}

// Capturer turns a video into a sequence of downscaled, JPEG-encoded frames.
type Capturer struct {
	decoder  Decoder
	logger   *slog.Logger
	MaxWidth int
	Quality  int
}

// NewCapturer returns a capturer using the default size and quality policy.
func NewCapturer(decoder Decoder, logger *slog.Logger) *Capturer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Capturer{
		decoder:  decoder,
		logger:   logger,
		MaxWidth: DefaultMaxWidth,
		Quality:  DefaultJPEGQuality,
	}
}

// Plan loads the video metadata and lays out the sampling timestamps.
func (c *Capturer) Plan(ctx context.Context, src Source, interval int) (Plan, error) {
	md, err := c.decoder.Probe(ctx, src.Path)
	if err != nil {
		return Plan{}, &CaptureError{Op: "probe", Err: err}
	}
	if !md.HasVideo {
		return Plan{}, &CaptureError{Op: "probe", Err: fmt.Errorf("no video stream in '%s'", src.Path)}
	}
	if interval < 1 {
		interval = 1
	}

	plan := Plan{
		Source:     src,
		Duration:   md.Duration,
		Interval:   interval,
		Timestamps: Timestamps(md.Duration, interval),
	}
	c.logger.Info("capture planned",
		"video", src.Name,
		"duration", md.Duration,
		"interval", interval,
		"frames", len(plan.Timestamps))
	return plan, nil
}

// Frames captures the plan's timestamps in order. Each call starts a fresh
// enumeration. Cancelling ctx stops the sequence without an error; frames
// already yielded are unaffected.
func (c *Capturer) Frames(ctx context.Context, plan Plan) iter.Seq2[models.Frame, error] {
	return func(yield func(models.Frame, error) bool) {
		for i, ts := range plan.Timestamps {
			if ctx.Err() != nil {
				return
			}

			img, err := c.decoder.FrameAt(ctx, plan.Source.Path, ts)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield(models.Frame{}, &CaptureError{Op: "seek", Timestamp: ts, Err: err})
				return
			}

			frame, err := c.rasterize(img, ts)
			if err != nil {
				yield(models.Frame{}, &CaptureError{Op: "encode", Timestamp: ts, Err: err})
				return
			}

			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("frame captured",
				"frame", i+1,
				"of", len(plan.Timestamps),
				"timestamp", ts,
				"width", frame.Width,
				"height", frame.Height)
			if !yield(frame, nil) {
				return
			}
		}
	}
}

func (c *Capturer) rasterize(img image.Image, ts float64) (models.Frame, error) {
	if img == nil {
		return models.Frame{}, fmt.Errorf("decoder returned no image")
	}
	scaled := Downscale(img, c.MaxWidth)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, scaled, imaging.JPEG, imaging.JPEGQuality(c.Quality)); err != nil {
		return models.Frame{}, fmt.Errorf("encode jpeg: %w", err)
	}

	b := scaled.Bounds()
	return models.Frame{
		ID:        uuid.NewString(),
		Timestamp: ts,
		Image:     "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
		Width:     b.Dx(),
		Height:    b.Dy(),
		Status:    models.StatusPending,
	}, nil
}

// Downscale shrinks img so its width is at most maxWidth, preserving the
// aspect ratio. Narrower images are returned unchanged.
func Downscale(img image.Image, maxWidth int) image.Image {
	if maxWidth <= 0 || img.Bounds().Dx() <= maxWidth {
		return img
	}
	return imaging.Resize(img, maxWidth, 0, imaging.Lanczos)
}
