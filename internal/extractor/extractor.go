package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"log/slog"
	"os/exec"
	"strconv"

	"github.com/disintegration/imaging"
)

// Metadata is what the decoder reports about a video before capture starts.
type Metadata struct {
	Duration float64
	Width    int
	Height   int
	HasVideo bool
}

// Decoder is the media handle used to seek and rasterize frames.
// Implementations are used serially by a single capture run.
type Decoder interface {
	Probe(ctx context.Context, path string) (Metadata, error)
	FrameAt(ctx context.Context, path string, timestamp float64) (image.Image, error)
}

// FFmpeg decodes frames by shelling out to ffprobe and ffmpeg.
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	logger      *slog.Logger
}

// NewFFmpeg locates the ffmpeg and ffprobe binaries in PATH.
func NewFFmpeg(logger *slog.Logger) (*FFmpeg, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}
	ffprobePath, err := exec.LookPath("ffprobe")
	if err != nil {
		return nil, fmt.Errorf("ffprobe not found in PATH: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("found ffmpeg", "ffmpeg", ffmpegPath, "ffprobe", ffprobePath)

	return &FFmpeg{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		logger:      logger,
	}, nil
}

// Probe reads container duration and the first video stream's dimensions.
func (f *FFmpeg) Probe(ctx context.Context, path string) (Metadata, error) {
	cmd := exec.CommandContext(ctx, f.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	output, err := cmd.Output()
	if err != nil {
		return Metadata{}, fmt.Errorf("ffprobe failed: %w (%s)", err, stderr.String())
	}
	return parseProbe(output)
}

func parseProbe(output []byte) (Metadata, error) {
	var probe struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
		Streams []struct {
			CodecType string `json:"codec_type"`
			Width     int    `json:"width"`
			Height    int    `json:"height"`
			Duration  string `json:"duration"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(output, &probe); err != nil {
		return Metadata{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	var md Metadata
	if probe.Format.Duration != "" {
		if d, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil && d > 0 {
			md.Duration = d
		}
	}
	for _, stream := range probe.Streams {
		if stream.CodecType != "video" || md.HasVideo {
			continue
		}
		md.HasVideo = true
		md.Width = stream.Width
		md.Height = stream.Height
		// some containers only carry the duration on the stream
		if md.Duration == 0 && stream.Duration != "" {
			if d, err := strconv.ParseFloat(stream.Duration, 64); err == nil && d > 0 {
				md.Duration = d
			}
		}
	}
	return md, nil
}

// FrameAt seeks to timestamp and returns the decoded frame at full resolution.
func (f *FFmpeg) FrameAt(ctx context.Context, path string, timestamp float64) (image.Image, error) {
	args := []string{
		"-v", "error",
		"-ss", strconv.FormatFloat(timestamp, 'f', 3, 64),
		"-i", path,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	}
	cmd := exec.CommandContext(ctx, f.ffmpegPath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		f.logger.Debug("ffmpeg stderr", "output", stderr.String())
		return nil, fmt.Errorf("extract frame at %.3fs: %w", timestamp, err)
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("extract frame at %.3fs: ffmpeg produced no output", timestamp)
	}

	img, err := imaging.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("decode frame at %.3fs: %w", timestamp, err)
	}
	return img, nil
}
