package decode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"math/rand"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/jamesainslie/go-caption/vocab"
)

const (
	padID   int32 = 0
	startID int32 = 1
	endID   int32 = 2
	aID     int32 = 3
	dogID   int32 = 4
)

func newTestVocab(t *testing.T, extra ...string) *vocab.Vocabulary {
	t.Helper()
	m := map[string]int32{"<pad>": 0, "startseq": 1, "endseq": 2, "a": 3, "dog": 4}
	for i, tok := range extra {
		m[tok] = int32(5 + i)
	}
	v, err := vocab.New(m, vocab.DefaultSpecialTokens())
	if err != nil {
		t.Fatalf("vocab.New failed: %v", err)
	}
	return v
}

// tableScorer serves fixed distributions keyed by the unpadded prefix.
type tableScorer struct {
	size     int
	table    map[string]map[int32]float32
	fallback map[int32]float32

	mu      sync.Mutex
	batches [][]Prefix
}

func prefixKey(ids ...int32) string { return fmt.Sprint(ids) }

func (s *tableScorer) Score(_ context.Context, _ []float32, prefixes []Prefix) ([][]float32, error) {
	s.mu.Lock()
	s.batches = append(s.batches, prefixes)
	s.mu.Unlock()

	out := make([][]float32, len(prefixes))
	for i, p := range prefixes {
		dist, ok := s.table[prefixKey(p.Tokens()...)]
		if !ok {
			dist = s.fallback
		}
		row := make([]float32, s.size)
		for id, prob := range dist {
			row[id] = prob
		}
		out[i] = row
	}
	return out, nil
}

func scenarioScorer() *tableScorer {
	return &tableScorer{
		size: 5,
		table: map[string]map[int32]float32{
			prefixKey(startID):             {aID: 0.9, dogID: 0.05, endID: 0.05},
			prefixKey(startID, aID):        {dogID: 0.9, aID: 0.05, endID: 0.05},
			prefixKey(startID, aID, dogID): {endID: 0.9, aID: 0.05, dogID: 0.05},
		},
		fallback: map[int32]float32{endID: 0.9, aID: 0.05, dogID: 0.05},
	}
}

// randomScorer returns a deterministic pseudo-random distribution per prefix.
func randomScorer(size int, seed int64) PrefixScorerFunc {
	return func(_ context.Context, _ []float32, prefix []int32) ([]float32, error) {
		h := fnv.New64a()
		_, _ = fmt.Fprint(h, seed, prefix)
		r := rand.New(rand.NewSource(int64(h.Sum64())))
		probs := make([]float32, size)
		for i := range probs {
			probs[i] = r.Float32()
		}
		return probs, nil
	}
}

func constantScorer(size int, id int32) PrefixScorerFunc {
	return func(context.Context, []float32, []int32) ([]float32, error) {
		probs := make([]float32, size)
		probs[id] = 1
		return probs, nil
	}
}

func newTestDecoder(t *testing.T, v *vocab.Vocabulary, s Scorer, opts ...Option) *Decoder {
	t.Helper()
	d, err := New(v, s, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return d
}

func TestBeamSearch_ConcreteScenario(t *testing.T) {
	scorer := scenarioScorer()
	d := newTestDecoder(t, newTestVocab(t), scorer,
		WithBeamWidth(3), WithAlpha(0.7), WithMaxLength(5))

	res, err := d.Generate(context.Background(), []float32{0.1, 0.2}, ModeBeamSearch)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if res.Caption != "a dog" {
		t.Errorf("expected caption %q, got %q", "a dog", res.Caption)
	}
	if res.Mode != ModeBeamSearch || res.FellBack {
		t.Errorf("unexpected mode %q (fell back: %v)", res.Mode, res.FellBack)
	}
	if !slices.Equal(res.Sequence.Tokens, []int32{startID, aID, dogID, endID}) {
		t.Errorf("unexpected winning tokens %v", res.Sequence.Tokens)
	}
	if len(res.Alternatives) != 3 {
		t.Fatalf("expected 3 alternatives, got %d", len(res.Alternatives))
	}
	if res.Alternatives[0].Caption != res.Caption {
		t.Errorf("first alternative %q should be the primary caption", res.Alternatives[0].Caption)
	}
	for i := 1; i < len(res.Alternatives); i++ {
		if res.Alternatives[i].NormalizedScore > res.Alternatives[i-1].NormalizedScore {
			t.Errorf("alternatives not ranked: %d has %g > %g", i,
				res.Alternatives[i].NormalizedScore, res.Alternatives[i-1].NormalizedScore)
		}
	}
}

func TestBeamSearch_BatchesActivePrefixes(t *testing.T) {
	scorer := scenarioScorer()
	d := newTestDecoder(t, newTestVocab(t), scorer,
		WithBeamWidth(3), WithMaxLength(5))

	res, err := d.BeamSearch(context.Background(), nil)
	if err != nil {
		t.Fatalf("BeamSearch failed: %v", err)
	}

	if len(scorer.batches) != res.Steps {
		t.Errorf("expected one scorer call per step (%d), got %d", res.Steps, len(scorer.batches))
	}
	if len(scorer.batches[0]) != 1 {
		t.Errorf("first step should score only the start prefix, got %d", len(scorer.batches[0]))
	}
	for step, batch := range scorer.batches {
		if len(batch) > 3 {
			t.Errorf("step %d: %d prefixes exceeds beam width", step, len(batch))
		}
		for _, p := range batch {
			if len(p.IDs) != 5 {
				t.Errorf("step %d: prefix padded to %d, want 5", step, len(p.IDs))
			}
			if p.IDs[0] != startID {
				t.Errorf("step %d: prefix does not begin with start id: %v", step, p.IDs)
			}
			for _, id := range p.IDs[p.Len:] {
				if id != padID {
					t.Errorf("step %d: padding %v uses non-pad id", step, p.IDs)
				}
			}
		}
	}
}

func TestBeamSearch_GreedyEquivalence(t *testing.T) {
	v := newTestVocab(t, "cat", "on", "the", "beach")

	for seed := int64(1); seed <= 25; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			scorer := randomScorer(v.Size(), seed)
			d := newTestDecoder(t, v, scorer, WithBeamWidth(1), WithMaxLength(8))

			beam, err := d.BeamSearch(context.Background(), nil)
			if err != nil {
				t.Fatalf("BeamSearch failed: %v", err)
			}
			greedy, err := d.Greedy(context.Background(), nil)
			if err != nil {
				t.Fatalf("Greedy failed: %v", err)
			}

			if beam.Caption != greedy.Caption {
				t.Errorf("beam caption %q != greedy caption %q", beam.Caption, greedy.Caption)
			}
			if !slices.Equal(beam.Sequence.Tokens, greedy.Sequence.Tokens) {
				t.Errorf("beam tokens %v != greedy tokens %v", beam.Sequence.Tokens, greedy.Sequence.Tokens)
			}
		})
	}
}

func TestDecoder_LengthBound(t *testing.T) {
	v := newTestVocab(t, "cat", "on", "the")

	for maxLen := 1; maxLen <= 6; maxLen++ {
		for k := 1; k <= 4; k++ {
			for seed := int64(0); seed < 5; seed++ {
				d := newTestDecoder(t, v, randomScorer(v.Size(), seed),
					WithBeamWidth(k), WithMaxLength(maxLen))

				for _, mode := range []Mode{ModeBeamSearch, ModeGreedy} {
					res, err := d.Generate(context.Background(), nil, mode)
					if err != nil {
						t.Fatalf("max=%d k=%d seed=%d %s: %v", maxLen, k, seed, mode, err)
					}
					if n := res.Sequence.Len(); n > maxLen {
						t.Errorf("max=%d k=%d seed=%d %s: winner length %d", maxLen, k, seed, mode, n)
					}
					if !res.Sequence.Complete {
						t.Errorf("max=%d k=%d seed=%d %s: winner not complete", maxLen, k, seed, mode)
					}
					for _, alt := range res.Alternatives {
						if len(alt.Tokens) > maxLen {
							t.Errorf("max=%d k=%d seed=%d: alternative length %d", maxLen, k, seed, len(alt.Tokens))
						}
					}
				}
			}
		}
	}
}

func TestBeamSearch_NormalizationLaw(t *testing.T) {
	v := newTestVocab(t, "cat", "on", "the", "beach")

	for _, alpha := range []float64{0.3, 0.7, 1.0} {
		for seed := int64(0); seed < 10; seed++ {
			d := newTestDecoder(t, v, randomScorer(v.Size(), seed),
				WithBeamWidth(4), WithAlpha(alpha), WithMaxLength(7))

			res, err := d.BeamSearch(context.Background(), nil)
			if err != nil {
				t.Fatalf("BeamSearch failed: %v", err)
			}
			for i, alt := range res.Alternatives {
				want := alt.RawScore / math.Pow(float64(len(alt.Tokens)), alpha)
				if math.Abs(alt.NormalizedScore-want) > 1e-12 {
					t.Errorf("alpha=%g seed=%d alt %d: normalized %g, want %g", alpha, seed, i, alt.NormalizedScore, want)
				}
			}
		}
	}
}

func TestDecoder_ImmediateTermination(t *testing.T) {
	v := newTestVocab(t)
	d := newTestDecoder(t, v, constantScorer(v.Size(), endID))

	for _, mode := range []Mode{ModeBeamSearch, ModeGreedy} {
		t.Run(string(mode), func(t *testing.T) {
			res, err := d.Generate(context.Background(), nil, mode)
			if err != nil {
				t.Fatalf("Generate failed: %v", err)
			}
			if res.Caption != "" {
				t.Errorf("expected empty caption, got %q", res.Caption)
			}
			if mode == ModeGreedy && res.Steps != 1 {
				t.Errorf("expected 1 greedy step, got %d", res.Steps)
			}
		})
	}
}

func TestBeamSearch_ForcedCompletionAtMaxLength(t *testing.T) {
	v := newTestVocab(t)
	d := newTestDecoder(t, v, constantScorer(v.Size(), aID), WithMaxLength(5))

	res, err := d.BeamSearch(context.Background(), nil)
	if err != nil {
		t.Fatalf("BeamSearch failed: %v", err)
	}
	if res.Caption != "a a a a" {
		t.Errorf("expected %q, got %q", "a a a a", res.Caption)
	}
	if res.Sequence.Len() != 5 || !res.Sequence.Complete {
		t.Errorf("expected a complete length-5 sequence, got %+v", res.Sequence)
	}
	if res.Steps != 4 {
		t.Errorf("expected 4 steps, got %d", res.Steps)
	}
}

func TestBeamSearch_MaxLengthOne(t *testing.T) {
	v := newTestVocab(t)
	calls := 0
	scorer := PrefixScorerFunc(func(context.Context, []float32, []int32) ([]float32, error) {
		calls++
		return []float32{0, 0, 0, 1, 0}, nil
	})
	d := newTestDecoder(t, v, scorer, WithMaxLength(1))

	res, err := d.BeamSearch(context.Background(), nil)
	if err != nil {
		t.Fatalf("BeamSearch failed: %v", err)
	}
	if res.Caption != "" || calls != 0 {
		t.Errorf("expected empty caption without scoring, got %q after %d calls", res.Caption, calls)
	}
}

func TestBeamSearch_MonotonicAlpha(t *testing.T) {
	v := newTestVocab(t, "b", "c")
	const bID, cID int32 = 5, 6

	// A short completion with log-prob -1 competes with a long one at -1.7.
	scorer := &tableScorer{
		size: v.Size(),
		table: map[string]map[int32]float32{
			prefixKey(startID):           {aID: 0.5, endID: float32(math.Exp(-1))},
			prefixKey(startID, aID):      {bID: float32(math.Exp(-1.7) / 0.5), cID: 0.3},
			prefixKey(startID, aID, bID): {endID: 1},
			prefixKey(startID, aID, cID): {endID: 1},
		},
		fallback: map[int32]float32{endID: 1},
	}

	length := func(alpha float64) int {
		d := newTestDecoder(t, v, scorer, WithBeamWidth(2), WithAlpha(alpha), WithMaxLength(10))
		res, err := d.BeamSearch(context.Background(), nil)
		if err != nil {
			t.Fatalf("alpha=%g: %v", alpha, err)
		}
		return res.Sequence.Len()
	}

	short, long := length(0.5), length(1.0)
	if short != 2 {
		t.Errorf("alpha=0.5: expected the short completion, got length %d", short)
	}
	if long != 4 {
		t.Errorf("alpha=1.0: expected the long completion, got length %d", long)
	}

	prev := 0
	for _, alpha := range []float64{0.5, 0.6, 0.7, 0.8, 0.9, 1.0} {
		n := length(alpha)
		if n < prev {
			t.Errorf("alpha=%g: length %d shorter than %d at a smaller alpha", alpha, n, prev)
		}
		prev = n
	}
}

var errScorerDown = errors.New("scorer down")

// failingScorer wraps a scorer and fails the listed call numbers (1-based).
type failingScorer struct {
	Scorer
	failOn map[int]bool
	calls  int
}

func (f *failingScorer) Score(ctx context.Context, features []float32, prefixes []Prefix) ([][]float32, error) {
	f.calls++
	if f.failOn[f.calls] {
		return nil, errScorerDown
	}
	return f.Scorer.Score(ctx, features, prefixes)
}

func TestBeamSearch_FallbackToGreedy(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	scorer := &failingScorer{Scorer: scenarioScorer(), failOn: map[int]bool{2: true}}
	d := newTestDecoder(t, newTestVocab(t), scorer, WithMaxLength(5), WithLogger(logger))

	res, err := d.Generate(context.Background(), nil, ModeBeamSearch)
	if err != nil {
		t.Fatalf("expected fallback to succeed, got %v", err)
	}

	if !res.FellBack || res.Mode != ModeGreedy {
		t.Errorf("expected greedy fallback, got mode %q fell back %v", res.Mode, res.FellBack)
	}
	if res.Caption != "a dog" {
		t.Errorf("expected fallback caption %q, got %q", "a dog", res.Caption)
	}
	if len(res.Alternatives) != 0 {
		t.Errorf("greedy fallback should carry no alternatives, got %d", len(res.Alternatives))
	}
	if !strings.Contains(logs.String(), "falling back to greedy") {
		t.Errorf("expected a logged fallback event, got %q", logs.String())
	}
}

func TestBeamSearch_FallbackAlsoFails(t *testing.T) {
	scorer := PrefixScorerFunc(func(context.Context, []float32, []int32) ([]float32, error) {
		return nil, errScorerDown
	})
	d := newTestDecoder(t, newTestVocab(t), scorer,
		WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))

	res, err := d.BeamSearch(context.Background(), nil)
	if res != nil {
		t.Errorf("expected no result, got %+v", res)
	}
	if !errors.Is(err, ErrDecodeFailed) {
		t.Errorf("expected ErrDecodeFailed, got %v", err)
	}
	if !errors.Is(err, errScorerDown) {
		t.Errorf("expected the scorer error in the chain, got %v", err)
	}
	var scorerErr *ScorerError
	if !errors.As(err, &scorerErr) {
		t.Fatalf("expected *ScorerError in the chain, got %v", err)
	}
	if scorerErr.Step != 0 {
		t.Errorf("expected failure at step 0, got %d", scorerErr.Step)
	}
}

func TestDecoder_MalformedDistributions(t *testing.T) {
	tests := []struct {
		name string
		dist func(n int) [][]float32
	}{
		{"NaN", func(n int) [][]float32 { return repeatRow(n, []float32{0.1, float32(math.NaN()), 0.2, 0.3, 0.4}) }},
		{"infinite", func(n int) [][]float32 { return repeatRow(n, []float32{0.1, float32(math.Inf(1)), 0.2, 0.3, 0.4}) }},
		{"negative", func(n int) [][]float32 { return repeatRow(n, []float32{0.1, -0.2, 0.2, 0.3, 0.4}) }},
		{"empty row", func(n int) [][]float32 { return repeatRow(n, []float32{}) }},
		{"missing rows", func(int) [][]float32 { return nil }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			scorer := ScorerFunc(func(_ context.Context, _ []float32, prefixes []Prefix) ([][]float32, error) {
				return tc.dist(len(prefixes)), nil
			})
			d := newTestDecoder(t, newTestVocab(t), scorer)

			_, err := d.Greedy(context.Background(), nil)
			if !errors.Is(err, ErrDecodeFailed) {
				t.Errorf("expected ErrDecodeFailed, got %v", err)
			}
			if !errors.Is(err, errMalformedDistribution) {
				t.Errorf("expected malformed distribution error, got %v", err)
			}
		})
	}
}

func repeatRow(n int, row []float32) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = row
	}
	return out
}

func TestDecoder_UnnormalizedDistributions(t *testing.T) {
	// Rows summing to more than 1 are tolerated.
	scorer := PrefixScorerFunc(func(_ context.Context, _ []float32, prefix []int32) ([]float32, error) {
		if len(prefix) == 1 {
			return []float32{0, 0, 0.4, 1.3, 0.2}, nil
		}
		return []float32{0, 0, 2.5, 0.1, 0.1}, nil
	})
	d := newTestDecoder(t, newTestVocab(t), scorer)

	res, err := d.BeamSearch(context.Background(), nil)
	if err != nil {
		t.Fatalf("BeamSearch failed: %v", err)
	}
	if res.Caption != "a" {
		t.Errorf("expected %q, got %q", "a", res.Caption)
	}
}

func TestDecoder_ContextCanceled(t *testing.T) {
	scorer := ScorerFunc(func(ctx context.Context, _ []float32, prefixes []Prefix) ([][]float32, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return repeatRow(len(prefixes), []float32{0, 0, 1, 0, 0}), nil
	})
	d := newTestDecoder(t, newTestVocab(t), scorer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, mode := range []Mode{ModeBeamSearch, ModeGreedy} {
		_, err := d.Generate(ctx, nil, mode)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("%s: expected context.Canceled, got %v", mode, err)
		}
		if errors.Is(err, ErrDecodeFailed) {
			t.Errorf("%s: cancellation should not be reported as a decode failure", mode)
		}
	}
}

func TestDecoder_ConcurrentGenerate(t *testing.T) {
	v := newTestVocab(t, "cat", "on", "the")
	d := newTestDecoder(t, v, randomScorer(v.Size(), 42), WithMaxLength(10))

	want, err := d.BeamSearch(context.Background(), nil)
	if err != nil {
		t.Fatalf("BeamSearch failed: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := d.BeamSearch(context.Background(), nil)
			if err != nil {
				errs <- err
				return
			}
			if got.Caption != want.Caption {
				errs <- fmt.Errorf("caption %q, want %q", got.Caption, want.Caption)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	v := newTestVocab(t)
	s := constantScorer(v.Size(), endID)

	tests := []struct {
		name string
		opts []Option
	}{
		{"zero beam width", []Option{WithBeamWidth(0)}},
		{"zero alpha", []Option{WithAlpha(0)}},
		{"alpha above one", []Option{WithAlpha(1.5)}},
		{"NaN alpha", []Option{WithAlpha(math.NaN())}},
		{"zero max length", []Option{WithMaxLength(0)}},
		{"zero epsilon", []Option{WithEpsilon(0)}},
		{"infinite epsilon", []Option{WithEpsilon(math.Inf(1))}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(v, s, tc.opts...)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}

	if _, err := New(nil, s); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("nil vocabulary: expected ErrInvalidConfig, got %v", err)
	}
	if _, err := New(v, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("nil scorer: expected ErrInvalidConfig, got %v", err)
	}
}

func TestNew_Defaults(t *testing.T) {
	v := newTestVocab(t)
	d := newTestDecoder(t, v, constantScorer(v.Size(), endID))

	if d.Config() != DefaultConfig() {
		t.Errorf("Config() = %+v, want %+v", d.Config(), DefaultConfig())
	}
}

func TestGenerate_UnknownMode(t *testing.T) {
	v := newTestVocab(t)
	d := newTestDecoder(t, v, constantScorer(v.Size(), endID))

	if _, err := d.Generate(context.Background(), nil, Mode("sampling")); !errors.Is(err, ErrUnknownMode) {
		t.Errorf("expected ErrUnknownMode, got %v", err)
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"beam_search", ModeBeamSearch, false},
		{"", ModeBeamSearch, false},
		{" Greedy ", ModeGreedy, false},
		{"sampling", "", true},
	}

	for _, tc := range tests {
		got, err := ParseMode(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseMode(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseMode(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
