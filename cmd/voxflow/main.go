package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/voxflow-labs/voxflow-core/internal/config"
	"github.com/voxflow-labs/voxflow-core/internal/engine"
	"github.com/voxflow-labs/voxflow-core/internal/pipeline"
	"github.com/voxflow-labs/voxflow-core/internal/sink"
	"github.com/voxflow-labs/voxflow-core/internal/voice"
)

func main() {
	defaults := config.Default()

	var (
		text         = flag.String("text", "", "Synthesize one string and exit")
		file         = flag.String("file", "", "Synthesize each non-empty line of a file")
		stdinMode    = flag.Bool("stdin", false, "Stream WAV for each stdin line to stdout")
		output       = flag.String("output", "output.wav", "Output path for -text mode")
		outputFormat = flag.String("output-format", "output_{line}.wav", "Output path pattern for -file mode")
		voiceStyle   = flag.String("voice", defaults.Engine.DefaultVoice, "Voice name or blend expression like af_sarah.4+af_nicole.6")
		speed        = flag.Float64("speed", defaults.Engine.DefaultSpeed, "Playback speed factor")
		workers      = flag.Int("workers", defaults.Pipeline.Workers, "Synthesis worker count")
		maxChunkLen  = flag.Int("max-chunk-len", defaults.Pipeline.MaxChunkLen, "Maximum characters per chunk")
		jobs         = flag.Int("jobs", 2, "Parallel lines in -file mode")
		engineMode   = flag.String("engine", defaults.Engine.Mode, "Engine mode: mock or exec")
		engineCmd    = flag.String("engine-cmd", "", "Engine command for exec mode")
		voicesPath   = flag.String("voices", "", "Path to a voice styles file")
	)
	flag.Parse()

	// stdout carries audio in -stdin mode, so logs go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	engCfg := defaults.Engine
	engCfg.Mode = *engineMode
	engCfg.Command = *engineCmd
	engCfg.DefaultVoice = *voiceStyle
	engCfg.DefaultSpeed = *speed
	engCfg.VoicesPath = *voicesPath

	pipeCfg := defaults.Pipeline
	pipeCfg.Workers = *workers
	pipeCfg.MaxChunkLen = *maxChunkLen

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, runOptions{
		text:         *text,
		file:         *file,
		stdinMode:    *stdinMode,
		output:       *output,
		outputFormat: *outputFormat,
		jobs:         *jobs,
		engCfg:       engCfg,
		pipeCfg:      pipeCfg,
	}, logger); err != nil {
		fmt.Fprintln(os.Stderr, "voxflow:", err)
		os.Exit(1)
	}
}

type runOptions struct {
	text         string
	file         string
	stdinMode    bool
	output       string
	outputFormat string
	jobs         int
	engCfg       config.EngineConfig
	pipeCfg      config.PipelineConfig
}

func run(ctx context.Context, opts runOptions, logger *slog.Logger) error {
	var voices *voice.Registry
	if opts.engCfg.VoicesPath != "" {
		var err error
		voices, err = voice.Load(opts.engCfg.VoicesPath)
		if err != nil {
			return fmt.Errorf("load voice styles: %w", err)
		}
	}

	phonemizer, err := engine.NewPhonemizer(config.Default().Phoneme)
	if err != nil {
		return fmt.Errorf("init phonemizer: %w", err)
	}
	factory, err := engine.NewFactory(opts.engCfg, phonemizer)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	pipe, err := pipeline.New(opts.pipeCfg, opts.engCfg, factory, voices, logger)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	defer pipe.Close()

	switch {
	case opts.text != "":
		return synthesizeToFile(ctx, pipe, opts, opts.text, opts.output)
	case opts.file != "":
		return synthesizeFile(ctx, pipe, opts)
	case opts.stdinMode:
		return synthesizeStdin(ctx, pipe, opts)
	default:
		return fmt.Errorf("one of -text, -file or -stdin is required")
	}
}

func synthesizeToFile(ctx context.Context, pipe *pipeline.Pipeline, opts runOptions, text, path string) error {
	snk, err := sink.NewWavFile(path, opts.engCfg.SampleRate, opts.engCfg.Channels)
	if err != nil {
		return err
	}
	job, err := pipe.Submit(ctx, pipeline.Request{ID: uuid.NewString(), Text: text}, snk)
	if err != nil {
		snk.Close()
		return err
	}
	stats, err := job.Wait(context.Background())
	if err != nil {
		return fmt.Errorf("synthesize to %s: %w", path, err)
	}
	if stats.FailedChunks > 0 {
		fmt.Fprintf(os.Stderr, "voxflow: %s: %d of %d chunks failed\n", path, stats.FailedChunks, stats.Chunks)
		for _, chunkErr := range snk.ChunkErrors() {
			fmt.Fprintln(os.Stderr, "  ", chunkErr)
		}
	}
	return nil
}

func synthesizeFile(ctx context.Context, pipe *pipeline.Pipeline, opts runOptions) error {
	f, err := os.Open(opts.file)
	if err != nil {
		return err
	}
	defer f.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.jobs)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		n := lineNo
		lineNo++
		path := strings.ReplaceAll(opts.outputFormat, "{line}", fmt.Sprint(n))
		g.Go(func() error {
			return synthesizeToFile(gctx, pipe, opts, line, path)
		})
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", opts.file, err)
	}
	return g.Wait()
}

// synthesizeStdin streams a single WAV to stdout: one header, then the
// audio of every input line in order.
func synthesizeStdin(ctx context.Context, pipe *pipeline.Pipeline, opts runOptions) error {
	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	snk := sink.NewStream(out, opts.engCfg.SampleRate, opts.engCfg.Channels)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		job, err := pipe.Submit(ctx, pipeline.Request{ID: uuid.NewString(), Text: line}, snk)
		if err != nil {
			return err
		}
		if _, err := job.Wait(context.Background()); err != nil {
			return err
		}
	}
	return scanner.Err()
}
