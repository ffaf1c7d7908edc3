package decode

import "context"

// Prefix is one next-token query.
type Prefix struct {
	// IDs holds the prefix right-padded with the pad id to the max length.
	IDs []int32
	// Len is the number of real tokens in IDs. The scorer predicts position Len.
	Len int
}

// Tokens returns the unpadded prefix.
func (p Prefix) Tokens() []int32 { return p.IDs[:p.Len] }

// Scorer returns next-token probability distributions.
//
// Score receives every prefix that needs scoring in one decoding step and
// must return one distribution per prefix, in order. Distributions must be
// finite and non-negative; they need not sum exactly to 1. Implementations
// must be safe for concurrent use or be serialized by the caller.
type Scorer interface {
	Score(ctx context.Context, features []float32, prefixes []Prefix) ([][]float32, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, features []float32, prefixes []Prefix) ([][]float32, error)

// Score calls f.
func (f ScorerFunc) Score(ctx context.Context, features []float32, prefixes []Prefix) ([][]float32, error) {
	return f(ctx, features, prefixes)
}

// PrefixScorerFunc scores a single unpadded prefix.
type PrefixScorerFunc func(ctx context.Context, features []float32, prefix []int32) ([]float32, error)

// Score calls f once per prefix.
func (f PrefixScorerFunc) Score(ctx context.Context, features []float32, prefixes []Prefix) ([][]float32, error) {
	out := make([][]float32, len(prefixes))
	for i, p := range prefixes {
		probs, err := f(ctx, features, p.Tokens())
		if err != nil {
			return nil, err
		}
		out[i] = probs
	}
	return out, nil
}
