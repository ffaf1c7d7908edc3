package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"

	caption "github.com/jamesainslie/go-caption"
	"github.com/jamesainslie/go-caption/internal/config"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file")
		encoderPath = flag.String("encoder", "", "Path to ONNX image encoder")
		decoderPath = flag.String("decoder", "", "Path to ONNX caption decoder")
		vocabPath   = flag.String("vocab", "", "Path to vocabulary (.json or .model)")
		method      = flag.String("method", "", "Decoding method: beam_search or greedy")
		beamWidth   = flag.Int("beam", 0, "Beam width")
		alpha       = flag.Float64("alpha", 0, "Length normalization exponent")
		logLevel    = flag.String("log-level", "", "Log level: debug, info, warn, error")
		interactive = flag.Bool("i", false, "Read image paths interactively")
	)
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("caption-cli %s (%s, %s)\n", version, commit, date)
		return nil
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		return err
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "encoder":
			cfg.Models.Encoder = *encoderPath
		case "decoder":
			cfg.Models.Decoder = *decoderPath
		case "vocab":
			cfg.Models.Vocabulary = *vocabPath
		case "method":
			cfg.Decoding.Method = *method
		case "beam":
			cfg.Decoding.BeamWidth = *beamWidth
		case "alpha":
			cfg.Decoding.Alpha = *alpha
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})
	if err := cfg.Validate(); err != nil {
		return err
	}

	if !*interactive && flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: caption-cli [-config FILE] [-encoder E -decoder D -vocab V] [OPTIONS] IMAGE...")
		flag.PrintDefaults()
		os.Exit(1)
	}

	logger, err := config.NewLogger(os.Stderr, cfg.LogLevel)
	if err != nil {
		return err
	}

	opts := append(cfg.CaptionOptions(), caption.WithLogger(logger))
	c, err := caption.New(cfg.Models.Encoder, cfg.Models.Decoder, cfg.Models.Vocabulary, opts...)
	if err != nil {
		return fmt.Errorf("creating captioner: %w", err)
	}
	defer func() { _ = c.Close() }() // Cleanup error ignored in CLI

	ctx := context.Background()
	mode := cfg.Mode()

	failed := false
	for _, path := range flag.Args() {
		if err := describe(ctx, os.Stdout, c, path, mode); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			failed = true
		}
	}

	if *interactive {
		if err := repl(ctx, c, mode); err != nil {
			return err
		}
	}
	if failed {
		return errors.New("some images could not be captioned")
	}
	return nil
}

func describe(ctx context.Context, w io.Writer, c *caption.Captioner, path string, mode caption.Mode) error {
	res, err := c.CaptionFile(ctx, path, mode)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%s\n", path)
	fmt.Fprintf(w, "  Caption: %s\n", res.Caption)
	fmt.Fprintf(w, "  Method:  %s", res.Mode)
	if res.FellBack {
		fmt.Fprint(w, " (beam search failed)")
	}
	fmt.Fprintln(w)
	for i, alt := range res.Alternatives {
		fmt.Fprintf(w, "  %d. %-50s score=%.4f normalized=%.4f\n", i+1, alt.Caption, alt.RawScore, alt.NormalizedScore)
	}
	return nil
}

func repl(ctx context.Context, c *caption.Captioner, mode caption.Mode) error {
	rl, err := readline.New("image> ")
	if err != nil {
		return err
	}
	defer func() { _ = rl.Close() }()

	for {
		line, err := rl.Readline()
		if err != nil { // io.EOF or interrupt
			return nil
		}
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == ":greedy":
			mode = caption.ModeGreedy
			fmt.Println("method: greedy")
			continue
		case line == ":beam":
			mode = caption.ModeBeamSearch
			fmt.Println("method: beam_search")
			continue
		case line == ":info":
			fmt.Printf("%+v\n", c.Info())
			continue
		}
		if err := describe(ctx, os.Stdout, c, line, mode); err != nil {
			fmt.Println(err)
		}
	}
}
