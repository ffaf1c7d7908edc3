package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"

	caption "github.com/jamesainslie/go-caption"
	"github.com/jamesainslie/go-caption/inference"
	"github.com/jamesainslie/go-caption/internal/bench"
	"github.com/jamesainslie/go-caption/internal/config"
	"github.com/jamesainslie/go-caption/vocab"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		corpusPath = flag.String("corpus", "testdata/flickr8k/captions.txt", "Captions file (image,caption)")
		imagesDir  = flag.String("images", "testdata/flickr8k/Images", "Directory containing corpus images")
		limit      = flag.Int("limit", 0, "Evaluate only the first N images (0 = all)")
		method     = flag.String("method", "", "Decoding method for single runs: beam_search or greedy")
		sweepAlpha = flag.String("sweep-alpha", "", "Alphas to sweep: a list (0.5,0.7,1.0) or a range min:max:step (0.5:1.0:0.1)")
		sweepBeam  = flag.String("sweep-beam", "", "Comma-separated beam widths to sweep, e.g. 1,3,5")
		workers    = flag.Int("workers", 4, "Concurrent image encodes")
		show       = flag.Int("show", 5, "Print this many sample predictions")
	)
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fatalf("error loading config: %v", err)
	}
	if *method != "" {
		cfg.Decoding.Method = *method
	}
	logger, err := config.NewLogger(os.Stderr, cfg.LogLevel)
	if err != nil {
		fatalf("error: %v", err)
	}

	samples, err := bench.LoadCorpus(*corpusPath)
	if err != nil {
		fatalf("error loading corpus: %v", err)
	}
	if *limit > 0 && *limit < len(samples) {
		samples = samples[:*limit]
	}
	fmt.Printf("Loaded %d images from %s\n\n", len(samples), *corpusPath)

	opts := append(cfg.CaptionOptions(), caption.WithLogger(logger))
	v, err := vocab.Load(cfg.Models.Vocabulary, vocab.SpecialTokens{
		Start:   cfg.Tokens.Start,
		End:     cfg.Tokens.End,
		Pad:     cfg.Tokens.Pad,
		Unknown: cfg.Tokens.Unknown,
	})
	if err != nil {
		fatalf("error loading vocabulary: %v", err)
	}
	if cfg.Models.SharedLibrary != "" {
		inference.SetSharedLibraryPath(cfg.Models.SharedLibrary)
	}
	enc, err := inference.NewEncoder(cfg.Models.Encoder, inference.EncoderIO{
		Input:  cfg.Tensors.EncoderInput,
		Output: cfg.Tensors.EncoderOutput,
	}, cfg.Models.PoolSize)
	if err != nil {
		fatalf("error loading encoder: %v", err)
	}
	defer func() { _ = enc.Close() }()
	scorer, err := inference.NewScorer(cfg.Models.Decoder, inference.DecoderIO{
		Features:    cfg.Tensors.Features,
		Sequence:    cfg.Tensors.Sequence,
		Output:      cfg.Tensors.DecoderOutput,
		Int64Tokens: cfg.Tensors.Int64Tokens,
	}, cfg.Models.PoolSize)
	if err != nil {
		fatalf("error loading decoder: %v", err)
	}
	defer func() { _ = scorer.Close() }()

	base, err := caption.NewWithComponents(v, scorer, enc, opts...)
	if err != nil {
		fatalf("error creating captioner: %v", err)
	}

	ctx := context.Background()
	features, err := bench.ExtractFeatures(ctx, base, *imagesDir, samples, *workers)
	if err != nil {
		fatalf("error extracting features: %v", err)
	}

	if *sweepAlpha == "" && *sweepBeam == "" {
		runSingle(ctx, base, cfg.Mode(), samples, features, *show)
		return
	}

	alphas, err := parseFloats(*sweepAlpha, cfg.Decoding.Alpha)
	if err != nil {
		fatalf("error: -sweep-alpha: %v", err)
	}
	beams, err := parseInts(*sweepBeam, cfg.Decoding.BeamWidth)
	if err != nil {
		fatalf("error: -sweep-beam: %v", err)
	}

	factory := func(beamWidth int, alpha float64) (bench.Generator, error) {
		return caption.NewWithComponents(v, scorer, nil,
			append(slices.Clip(opts), caption.WithBeamWidth(beamWidth), caption.WithAlpha(alpha))...)
	}
	results, err := bench.Sweep(ctx, factory, samples, features, alphas, beams)
	if err != nil {
		fatalf("error running sweep: %v", err)
	}

	fmt.Println("=== Sweep Results (sorted by BLEU-4) ===")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Beam\tAlpha\tBLEU-1\tBLEU-2\tBLEU-3\tBLEU-4\tLen")
	for _, r := range results {
		m := r.Metrics
		fmt.Fprintf(w, "%d\t%.2f\t%.4f\t%.4f\t%.4f\t%.4f\t%.2f\n",
			r.BeamWidth, r.Alpha, m.BLEU[0], m.BLEU[1], m.BLEU[2], m.BLEU[3], m.MeanLength)
	}
	_ = w.Flush()
}

func runSingle(ctx context.Context, c *caption.Captioner, mode caption.Mode, samples []*bench.Sample, features map[string][]float32, show int) {
	m, preds, err := bench.Run(ctx, c, mode, samples, features)
	if err != nil {
		fatalf("error: %v", err)
	}

	info := c.Info()
	fmt.Printf("Method: %s (beam=%d, alpha=%.2f)\n", mode, info.BeamWidth, info.Alpha)
	fmt.Printf("Images:          %d\n", m.Count)
	for i, b := range m.BLEU {
		fmt.Printf("BLEU-%d:          %.4f\n", i+1, b)
	}
	fmt.Printf("Brevity penalty: %.4f\n", m.BrevityPenalty)
	fmt.Printf("Mean length:     %.2f\n", m.MeanLength)

	fallbacks := 0
	for _, p := range preds {
		if p.FellBack {
			fallbacks++
		}
	}
	fmt.Printf("Greedy fallbacks: %d\n", fallbacks)

	if show > 0 {
		fmt.Println("\nSample predictions:")
		for _, p := range preds[:min(show, len(preds))] {
			fmt.Printf("  %s: %s\n", p.Image, p.Caption)
		}
	}
}

func parseFloats(s string, def float64) ([]float64, error) {
	if s == "" {
		return []float64{def}, nil
	}
	if parts := strings.Split(s, ":"); len(parts) == 3 {
		var r [3]float64
		for i, p := range parts {
			v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return nil, err
			}
			r[i] = v
		}
		values := bench.SweepValues(r[0], r[1], r[2])
		if len(values) == 0 {
			return nil, fmt.Errorf("empty range %q", s)
		}
		return values, nil
	}
	var out []float64
	for _, f := range strings.Split(s, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func parseInts(s string, def int) ([]int, error) {
	if s == "" {
		return []int{def}, nil
	}
	var out []int
	for _, f := range strings.Split(s, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
