package inference

import (
	"context"
	"errors"
	"fmt"

	"github.com/jamesainslie/go-caption/decode"
)

// DecoderIO names the decoder graph's tensors.
type DecoderIO struct {
	Features string
	Sequence string
	Output   string
	// Int64Tokens feeds token ids as int64 instead of float32.
	Int64Tokens bool
}

// DefaultDecoderIO returns the default decoder tensor names.
func DefaultDecoderIO() DecoderIO {
	return DecoderIO{
		Features: DefaultFeaturesInput,
		Sequence: DefaultSequenceInput,
		Output:   DefaultDecoderOutput,
	}
}

var errOutputShape = errors.New("unexpected decoder output shape")

// Scorer runs the caption decoder model. It implements decode.Scorer and
// scores every prefix of a beam step in a single batched run.
type Scorer struct {
	pool *Pool
	io   DecoderIO
}

var _ decode.Scorer = (*Scorer)(nil)

// NewScorer loads the caption decoder with poolSize sessions.
func NewScorer(modelPath string, io DecoderIO, poolSize int) (*Scorer, error) {
	pool, err := NewPool(SessionConfig{
		ModelPath:   modelPath,
		InputNames:  []string{io.Features, io.Sequence},
		OutputNames: []string{io.Output},
	}, poolSize)
	if err != nil {
		return nil, err
	}
	return &Scorer{pool: pool, io: io}, nil
}

// Score implements decode.Scorer.
func (s *Scorer) Score(ctx context.Context, features []float32, prefixes []decode.Prefix) ([][]float32, error) {
	if len(prefixes) == 0 {
		return nil, nil
	}
	if len(features) == 0 {
		return nil, errors.New("empty feature vector")
	}

	inputs, err := s.buildInputs(features, prefixes)
	if err != nil {
		return nil, err
	}

	outs, err := s.pool.Run(ctx, inputs...)
	if err != nil {
		return nil, err
	}
	return splitDistributions(outs[0], prefixes)
}

func (s *Scorer) buildInputs(features []float32, prefixes []decode.Prefix) ([]Input, error) {
	batch := int64(len(prefixes))
	width := len(prefixes[0].IDs)
	for i, p := range prefixes {
		if len(p.IDs) != width {
			return nil, fmt.Errorf("prefix %d has length %d, want %d", i, len(p.IDs), width)
		}
	}

	feat := Input{
		Shape:   []int64{batch, int64(len(features))},
		Float32: tileFeatures(features, len(prefixes)),
	}
	seq := Input{Shape: []int64{batch, int64(width)}}
	if s.io.Int64Tokens {
		seq.Int64 = stackInt64(prefixes)
	} else {
		seq.Float32 = stackFloat32(prefixes)
	}
	return []Input{feat, seq}, nil
}

// tileFeatures repeats one feature vector n times.
func tileFeatures(features []float32, n int) []float32 {
	out := make([]float32, 0, len(features)*n)
	for range n {
		out = append(out, features...)
	}
	return out
}

func stackFloat32(prefixes []decode.Prefix) []float32 {
	var out []float32
	for _, p := range prefixes {
		for _, id := range p.IDs {
			out = append(out, float32(id))
		}
	}
	return out
}

func stackInt64(prefixes []decode.Prefix) []int64 {
	var out []int64
	for _, p := range prefixes {
		for _, id := range p.IDs {
			out = append(out, int64(id))
		}
	}
	return out
}

// splitDistributions slices a decoder output into one row per prefix.
// A [B,V] output is used as is; a [B,T,V] output is read at each prefix's
// last real position.
func splitDistributions(out Output, prefixes []decode.Prefix) ([][]float32, error) {
	batch := int64(len(prefixes))
	if len(out.Shape) == 0 || out.Shape[0] != batch {
		return nil, fmt.Errorf("%w: %v for batch %d", errOutputShape, out.Shape, batch)
	}
	if elements(out.Shape) != len(out.Data) {
		return nil, fmt.Errorf("%w: %v holds %d values", errOutputShape, out.Shape, len(out.Data))
	}

	dists := make([][]float32, len(prefixes))
	switch len(out.Shape) {
	case 2:
		v := int(out.Shape[1])
		for i := range prefixes {
			dists[i] = out.Data[i*v : (i+1)*v]
		}
	case 3:
		t, v := int(out.Shape[1]), int(out.Shape[2])
		for i, p := range prefixes {
			pos := p.Len - 1
			if pos < 0 || pos >= t {
				return nil, fmt.Errorf("%w: prefix length %d outside %d positions", errOutputShape, p.Len, t)
			}
			start := (i*t + pos) * v
			dists[i] = out.Data[start : start+v]
		}
	default:
		return nil, fmt.Errorf("%w: %v", errOutputShape, out.Shape)
	}
	return dists, nil
}

// Close releases the decoder sessions.
func (s *Scorer) Close() error {
	return s.pool.Close()
}
