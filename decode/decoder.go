// Package decode turns image feature vectors into token sequences by querying
// a next-token Scorer, using beam search with length-normalized ranking or
// greedy arg-max decoding.
//
// A Decoder holds no per-call state; one instance may serve concurrent
// Generate calls as long as its Scorer is safe for concurrent use.
package decode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/jamesainslie/go-caption/vocab"
)

// Mode selects a decoding strategy.
type Mode string

const (
	ModeBeamSearch Mode = "beam_search"
	ModeGreedy     Mode = "greedy"
)

// ParseMode converts a request parameter into a Mode. The empty string
// selects beam search.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeBeamSearch, "":
		return ModeBeamSearch, nil
	case ModeGreedy:
		return ModeGreedy, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Alternative is one ranked beam-search caption.
type Alternative struct {
	Caption         string
	RawScore        float64
	NormalizedScore float64
	Tokens          []int32
}

// Result is the outcome of one decode call.
type Result struct {
	// Caption is the primary caption.
	Caption string
	// Alternatives holds up to three ranked beam-search captions, the primary
	// caption first. It is empty for greedy decoding.
	Alternatives []Alternative
	// Mode is the strategy that produced Caption.
	Mode Mode
	// FellBack is set when beam search failed and greedy decoding answered.
	FellBack bool
	// Sequence is the winning hypothesis.
	Sequence Sequence
	// Steps is the number of decoding steps taken.
	Steps int
}

// Decoder generates captions from image features.
type Decoder struct {
	vocab  *vocab.Vocabulary
	scorer Scorer
	cfg    Config
	logger *slog.Logger
}

// New creates a Decoder over a vocabulary and scorer.
func New(v *vocab.Vocabulary, s Scorer, opts ...Option) (*Decoder, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: nil vocabulary", ErrInvalidConfig)
	}
	if s == nil {
		return nil, fmt.Errorf("%w: nil scorer", ErrInvalidConfig)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}

	return &Decoder{
		vocab:  v,
		scorer: s,
		cfg:    o.cfg,
		logger: o.logger,
	}, nil
}

// Config returns the decoder configuration.
func (d *Decoder) Config() Config { return d.cfg }

// Vocabulary returns the vocabulary used for rendering.
func (d *Decoder) Vocabulary() *vocab.Vocabulary { return d.vocab }

// Generate decodes features with the requested mode.
func (d *Decoder) Generate(ctx context.Context, features []float32, mode Mode) (*Result, error) {
	switch mode {
	case ModeBeamSearch, "":
		return d.BeamSearch(ctx, features)
	case ModeGreedy:
		return d.Greedy(ctx, features)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

// BeamSearch decodes with beam search. If the scorer fails, it logs the
// failure and retries with greedy decoding; the scorer error reaches the
// caller only when the fallback fails as well.
func (d *Decoder) BeamSearch(ctx context.Context, features []float32) (*Result, error) {
	beam, steps, err := d.beamSearch(ctx, features)
	if err == nil {
		res := d.beamResult(beam, steps)
		d.logger.Debug("beam search finished",
			"steps", steps,
			"score", res.Sequence.Score,
			"length", res.Sequence.Len(),
			"caption", res.Caption)
		return res, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("beam search: %w", ctxErr)
	}

	d.logger.Warn("beam search failed, falling back to greedy decoding", "error", err)

	seq, steps, greedyErr := d.greedy(ctx, features)
	if greedyErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("greedy fallback: %w", ctxErr)
		}
		return nil, fmt.Errorf("%w: beam search: %w; greedy fallback: %w", ErrDecodeFailed, err, greedyErr)
	}

	res := d.greedyResult(seq, steps)
	res.FellBack = true
	return res, nil
}

// Greedy decodes by always appending the most probable token.
func (d *Decoder) Greedy(ctx context.Context, features []float32) (*Result, error) {
	seq, steps, err := d.greedy(ctx, features)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("greedy: %w", ctxErr)
		}
		return nil, fmt.Errorf("%w: greedy: %w", ErrDecodeFailed, err)
	}

	res := d.greedyResult(seq, steps)
	d.logger.Debug("greedy decoding finished",
		"steps", steps,
		"length", seq.Len(),
		"caption", res.Caption)
	return res, nil
}

func (d *Decoder) greedy(ctx context.Context, features []float32) (Sequence, int, error) {
	seq := newSequence(d.vocab.StartID(), d.cfg.MaxLength)

	step := 0
	for ; !seq.Complete; step++ {
		dists, err := d.score(ctx, step, features, []Sequence{seq})
		if err != nil {
			return Sequence{}, step, err
		}
		best := topK(dists[0], 1)[0]
		seq = seq.extend(best.id, d.logProb(best.prob), d.vocab.EndID(), d.cfg.MaxLength)
	}
	return seq, step, nil
}

func (d *Decoder) beamSearch(ctx context.Context, features []float32) ([]Sequence, int, error) {
	k := d.cfg.BeamWidth
	endID := d.vocab.EndID()
	beam := []Sequence{newSequence(d.vocab.StartID(), d.cfg.MaxLength)}

	step := 0
	for ; step < d.cfg.MaxLength && !allComplete(beam); step++ {
		active, complete := partition(beam)

		dists, err := d.score(ctx, step, features, active)
		if err != nil {
			return nil, step, err
		}

		pool := make([]Sequence, 0, len(active)*k+len(complete))
		for i, parent := range active {
			for _, c := range topK(dists[i], k) {
				pool = append(pool, parent.extend(c.id, d.logProb(c.prob), endID, d.cfg.MaxLength))
			}
		}
		pool = append(pool, complete...)

		beam = d.rank(pool)
		if len(beam) > k {
			beam = beam[:k]
		}
	}
	return beam, step, nil
}

func (d *Decoder) logProb(p float32) float64 {
	return math.Log(float64(p) + d.cfg.Epsilon)
}

type rankedSequence struct {
	seq   Sequence
	norm  float64
	order int
}

// rankedBefore orders by normalized score descending, then by the lower most
// recent token id, then by position in the candidate pool.
func rankedBefore(a, b rankedSequence) bool {
	if a.norm != b.norm {
		return a.norm > b.norm
	}
	if la, lb := a.seq.Last(), b.seq.Last(); la != lb {
		return la < lb
	}
	return a.order < b.order
}

func (d *Decoder) rank(pool []Sequence) []Sequence {
	entries := make([]rankedSequence, len(pool))
	for i, s := range pool {
		entries[i] = rankedSequence{seq: s, norm: s.NormalizedScore(d.cfg.Alpha), order: i}
	}
	sort.Slice(entries, func(i, j int) bool { return rankedBefore(entries[i], entries[j]) })

	out := make([]Sequence, len(entries))
	for i, e := range entries {
		out[i] = e.seq
	}
	return out
}

// score queries the scorer for every sequence and validates the answer.
func (d *Decoder) score(ctx context.Context, step int, features []float32, seqs []Sequence) ([][]float32, error) {
	prefixes := make([]Prefix, len(seqs))
	for i, s := range seqs {
		ids := make([]int32, d.cfg.MaxLength)
		n := copy(ids, s.Tokens)
		for j := n; j < len(ids); j++ {
			ids[j] = d.vocab.PadID()
		}
		prefixes[i] = Prefix{IDs: ids, Len: n}
	}

	dists, err := d.scorer.Score(ctx, features, prefixes)
	if err != nil {
		return nil, &ScorerError{Step: step, Err: err}
	}
	if err := validateDistributions(dists, len(prefixes)); err != nil {
		return nil, &ScorerError{Step: step, Err: err}
	}
	return dists, nil
}

var errMalformedDistribution = errors.New("malformed distribution")

func validateDistributions(dists [][]float32, want int) error {
	if len(dists) != want {
		return fmt.Errorf("%w: got %d distributions for %d prefixes", errMalformedDistribution, len(dists), want)
	}
	for i, dist := range dists {
		if len(dist) == 0 {
			return fmt.Errorf("%w: distribution %d is empty", errMalformedDistribution, i)
		}
		for id, p := range dist {
			f := float64(p)
			if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
				return fmt.Errorf("%w: distribution %d has p[%d] = %v", errMalformedDistribution, i, id, p)
			}
		}
	}
	return nil
}

func (d *Decoder) beamResult(beam []Sequence, steps int) *Result {
	n := min(len(beam), maxAlternatives)
	alts := make([]Alternative, n)
	for i, s := range beam[:n] {
		alts[i] = Alternative{
			Caption:         Assemble(d.vocab, s),
			RawScore:        s.Score,
			NormalizedScore: s.NormalizedScore(d.cfg.Alpha),
			Tokens:          s.Tokens,
		}
	}

	return &Result{
		Caption:      alts[0].Caption,
		Alternatives: alts,
		Mode:         ModeBeamSearch,
		Sequence:     beam[0],
		Steps:        steps,
	}
}

func (d *Decoder) greedyResult(seq Sequence, steps int) *Result {
	return &Result{
		Caption:  Assemble(d.vocab, seq),
		Mode:     ModeGreedy,
		Sequence: seq,
		Steps:    steps,
	}
}
