package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/lmittmann/tint"

	"github.com/bdougie/frameprompt/internal/analyzer"
	"github.com/bdougie/frameprompt/internal/config"
	"github.com/bdougie/frameprompt/internal/embeddings"
	"github.com/bdougie/frameprompt/internal/extractor"
	"github.com/bdougie/frameprompt/internal/models"
	"github.com/bdougie/frameprompt/internal/pipeline"
	"github.com/bdougie/frameprompt/internal/storage"
	"github.com/bdougie/frameprompt/internal/tui"
)

type options struct {
	video        string
	configPath   string
	interval     int
	instructions string
	output       string
	postgres     string
	noTUI        bool
	logFile      string
	debug        bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	flag.StringVar(&opts.video, "video", "", "path to the video file")
	flag.StringVar(&opts.configPath, "config", "frameprompt.json", "config file path")
	flag.IntVar(&opts.interval, "interval", models.DefaultIntervalSeconds, "seconds between captured frames (1-60)")
	flag.StringVar(&opts.instructions, "instructions", "", "additional instructions for the vision model")
	flag.StringVar(&opts.output, "output", "", "directory for the JSON export of results")
	flag.StringVar(&opts.postgres, "postgres", "", "PostgreSQL connection string for exporting results")
	flag.BoolVar(&opts.noTUI, "no-tui", false, "run headless and print results to stdout")
	flag.StringVar(&opts.logFile, "log-file", "frameprompt.log", "log file used while the terminal UI is active")
	flag.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "Usage: frameprompt [flags] --video path/to/video.mp4")
		flag.PrintDefaults()
	}
	flag.Parse()

	if opts.video == "" {
		opts.video = flag.Arg(0)
	}
	if opts.video == "" {
		flag.Usage()
		return errors.New("no video given")
	}

	cfg, cfgErr := config.Load(opts.configPath)
	applyFlags(cfg, opts)

	logger, closeLog, err := newLogger(opts, cfg.Debug)
	if err != nil {
		return err
	}
	defer closeLog()
	if cfgErr != nil {
		logger.Warn("failed to load config, using defaults", "path", opts.configPath, "error", cfgErr)
	}

	src, err := extractor.OpenSource(opts.video)
	if err != nil {
		return err
	}

	ctx := context.Background()

	decoder, err := extractor.NewFFmpeg(logger)
	if err != nil {
		return err
	}
	capturer := extractor.NewCapturer(decoder, logger)
	capturer.MaxWidth = cfg.MaxWidth
	capturer.Quality = cfg.JPEGQuality

	analyzerOpts := cfg.AnalyzerOptions()
	api := analyzer.NewOpenAIClient(analyzerOpts)
	if err := analyzer.CheckEndpoint(ctx, api, cfg.Model, logger); err != nil {
		return fmt.Errorf("%w (is Ollama running at %s?)", err, cfg.BaseURL)
	}
	client := analyzer.NewClient(api, analyzerOpts, logger)

	var sinks []storage.Storage
	if cfg.OutputDir != "" {
		sinks = append(sinks, storage.NewFileStorage(cfg.OutputDir, logger))
		logger.Info("exporting results", "dir", cfg.OutputDir)
	}
	if cfg.PostgresURL != "" {
		if err := storage.InitSchema(ctx, cfg.PostgresURL); err != nil {
			return err
		}
		embedder := embeddings.NewService(embeddings.NewOpenAIEmbedder(api, cfg.EmbeddingModel), cfg.EmbeddingWorkers, logger)
		defer embedder.Close()
		pg, err := storage.NewPostgresStorage(ctx, cfg.PostgresURL, embedder, logger)
		if err != nil {
			return err
		}
		defer pg.Close()
		sinks = append(sinks, pg)
		logger.Info("exporting results to postgres")
	}

	ctrl := pipeline.NewController(capturer, client, logger)
	if len(sinks) > 0 {
		recorder := storage.NewRecorder(logger, sinks...)
		defer recorder.Close()
		ctrl.Subscribe(recorder.Observe)
	}
	defer ctrl.Close()

	if opts.noTUI {
		return runHeadless(ctrl, src, cfg.AnalysisConfig(), logger)
	}
	return runTUI(ctrl, src, cfg.AnalysisConfig())
}

// applyFlags overrides file and environment values with explicitly set flags.
func applyFlags(cfg *config.Config, opts options) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "interval":
			cfg.IntervalSeconds = opts.interval
		case "instructions":
			cfg.CustomInstructions = opts.instructions
		case "output":
			cfg.OutputDir = opts.output
		case "postgres":
			cfg.PostgresURL = opts.postgres
		case "debug":
			cfg.Debug = opts.debug
		}
	})
	cfg.Validate()
}

func newLogger(opts options, debug bool) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	var w io.Writer = os.Stderr
	closeFn := func() {}
	noColor := false
	if !opts.noTUI {
		f, err := os.OpenFile(opts.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w = f
		closeFn = func() { f.Close() }
		noColor = true
	}

	logger := slog.New(
		tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05",
			NoColor:    noColor,
		}),
	)
	return logger, closeFn, nil
}

func runTUI(ctrl *pipeline.Controller, src extractor.Source, cfg models.AnalysisConfig) error {
	p := tea.NewProgram(tui.New(ctrl, src, cfg), tea.WithAltScreen())
	ctrl.Subscribe(tui.Forward(p))
	if _, err := p.Run(); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "tty") {
			return errors.New("the terminal UI requires an interactive terminal, use --no-tui")
		}
		return err
	}
	ctrl.Stop()
	return nil
}

func runHeadless(ctrl *pipeline.Controller, src extractor.Source, cfg models.AnalysisConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl.Start(src, cfg)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			logger.Info("interrupted, stopping")
			ctrl.Stop()
		case <-done:
		}
	}()

	snap, err := ctrl.Wait(context.Background())
	close(done)
	printResults(os.Stdout, snap)
	return err
}

func printResults(w io.Writer, snap models.Snapshot) {
	for _, f := range snap.Frames {
		ts := int(f.Timestamp)
		fmt.Fprintf(w, "[%02d:%02d] %s\n", ts/60, ts%60, f.Status)
		switch f.Status {
		case models.StatusCompleted:
			fmt.Fprintf(w, "%s\n\n", f.Result)
		case models.StatusError:
			fmt.Fprintf(w, "error: %s\n\n", f.ErrorDetail)
		default:
			fmt.Fprintln(w)
		}
	}
	c := snap.Counts()
	fmt.Fprintf(w, "%s: %d frames, %d completed, %d errors\n", snap.State, len(snap.Frames), c.Completed, c.Error)
}
