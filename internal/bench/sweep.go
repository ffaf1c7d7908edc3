package bench

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	caption "github.com/jamesainslie/go-caption"
)

// FeatureExtractor encodes image bytes into a feature vector.
type FeatureExtractor interface {
	Features(ctx context.Context, data []byte) ([]float32, error)
}

// Generator decodes captions from features.
type Generator interface {
	Generate(ctx context.Context, features []float32, mode caption.Mode) (*caption.Result, error)
}

// Factory builds a Generator for one beam width and alpha.
type Factory func(beamWidth int, alpha float64) (Generator, error)

// Prediction is the caption produced for one sample.
type Prediction struct {
	Image    string
	Caption  string
	FellBack bool
}

// ExtractFeatures encodes every sample image found in dir, running up to
// workers encodes at once.
func ExtractFeatures(ctx context.Context, fx FeatureExtractor, dir string, samples []*Sample, workers int) (map[string][]float32, error) {
	var mu sync.Mutex
	features := make(map[string][]float32, len(samples))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for _, s := range samples {
		g.Go(func() error {
			data, err := os.ReadFile(filepath.Join(dir, s.Image))
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.Image, err)
			}
			f, err := fx.Features(ctx, data)
			if err != nil {
				return fmt.Errorf("encoding %s: %w", s.Image, err)
			}
			mu.Lock()
			features[s.Image] = f
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return features, nil
}

// Run captions every sample that has features and scores the result.
func Run(ctx context.Context, gen Generator, mode caption.Mode, samples []*Sample, features map[string][]float32) (Metrics, []Prediction, error) {
	var candidates [][]string
	var references [][][]string
	var preds []Prediction

	for _, s := range samples {
		f, ok := features[s.Image]
		if !ok {
			continue
		}
		res, err := gen.Generate(ctx, f, mode)
		if err != nil {
			return Metrics{}, nil, fmt.Errorf("captioning %s: %w", s.Image, err)
		}
		candidates = append(candidates, Tokenize(res.Caption))
		references = append(references, s.References)
		preds = append(preds, Prediction{Image: s.Image, Caption: res.Caption, FellBack: res.FellBack})
	}
	return Evaluate(candidates, references), preds, nil
}

// SweepResult holds metrics for one decoding configuration.
type SweepResult struct {
	BeamWidth int
	Alpha     float64
	Metrics   Metrics
}

// SweepValues generates values from min to max (inclusive) with given step.
func SweepValues(min, max, step float64) []float64 {
	if step <= 0 {
		return nil
	}
	var values []float64
	for i := 0; ; i++ {
		v := min + float64(i)*step
		if v > max+step/1e6 {
			break
		}
		values = append(values, v)
	}
	return values
}

// Sweep evaluates every alpha and beam width combination with beam search
// and returns results sorted by BLEU-4 descending, lower orders breaking ties.
func Sweep(ctx context.Context, factory Factory, samples []*Sample, features map[string][]float32, alphas []float64, beams []int) ([]SweepResult, error) {
	results := make([]SweepResult, len(alphas)*len(beams))

	g, ctx := errgroup.WithContext(ctx)
	for i, alpha := range alphas {
		for j, beam := range beams {
			idx := i*len(beams) + j
			g.Go(func() error {
				gen, err := factory(beam, alpha)
				if err != nil {
					return fmt.Errorf("beam %d alpha %.2f: %w", beam, alpha, err)
				}
				m, _, err := Run(ctx, gen, caption.ModeBeamSearch, samples, features)
				if err != nil {
					return fmt.Errorf("beam %d alpha %.2f: %w", beam, alpha, err)
				}
				results[idx] = SweepResult{BeamWidth: beam, Alpha: alpha, Metrics: m}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		return betterBLEU(results[i].Metrics, results[j].Metrics)
	})
	return results, nil
}

// betterBLEU compares BLEU-4 first, falling back to lower orders on ties.
func betterBLEU(a, b Metrics) bool {
	for n := MaxOrder - 1; n >= 0; n-- {
		if a.BLEU[n] != b.BLEU[n] {
			return a.BLEU[n] > b.BLEU[n]
		}
	}
	return false
}
