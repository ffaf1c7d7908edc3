package decode

import "math"

// Sequence is a partial or finished decoding hypothesis.
type Sequence struct {
	// Tokens starts with the start id.
	Tokens []int32
	// Score is the cumulative smoothed log-probability of Tokens[1:].
	Score float64
	// Complete is set once the end id is appended or the max length is hit.
	Complete bool
}

func newSequence(startID int32, maxLength int) Sequence {
	return Sequence{
		Tokens:   []int32{startID},
		Complete: maxLength <= 1,
	}
}

// Len returns the number of tokens, start token included.
func (s Sequence) Len() int { return len(s.Tokens) }

// Last returns the most recently appended token id.
func (s Sequence) Last() int32 { return s.Tokens[len(s.Tokens)-1] }

// NormalizedScore returns Score / Len^alpha.
func (s Sequence) NormalizedScore(alpha float64) float64 {
	return s.Score / math.Pow(float64(len(s.Tokens)), alpha)
}

// extend returns a copy of s with token appended. The result never shares a
// backing array with s.
func (s Sequence) extend(token int32, logProb float64, endID int32, maxLength int) Sequence {
	tokens := make([]int32, len(s.Tokens)+1)
	copy(tokens, s.Tokens)
	tokens[len(s.Tokens)] = token

	return Sequence{
		Tokens:   tokens,
		Score:    s.Score + logProb,
		Complete: token == endID || len(tokens) >= maxLength,
	}
}

func allComplete(seqs []Sequence) bool {
	for _, s := range seqs {
		if !s.Complete {
			return false
		}
	}
	return true
}

func partition(seqs []Sequence) (active, complete []Sequence) {
	for _, s := range seqs {
		if s.Complete {
			complete = append(complete, s)
		} else {
			active = append(active, s)
		}
	}
	return active, complete
}
