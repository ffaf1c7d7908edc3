package bench

import (
	"math"
	"strings"
)

// MaxOrder is the highest n-gram order scored.
const MaxOrder = 4

// Metrics holds corpus-level evaluation results.
type Metrics struct {
	// BLEU[n-1] is cumulative BLEU-n with uniform weights.
	BLEU [MaxOrder]float64
	// Precision[n-1] is the clipped n-gram precision.
	Precision      [MaxOrder]float64
	BrevityPenalty float64
	MeanLength     float64
	Count          int
}

// Evaluate computes corpus BLEU for candidates against their references.
// candidates[i] is scored against references[i].
func Evaluate(candidates [][]string, references [][][]string) Metrics {
	var matches, totals [MaxOrder]int
	var candLen, refLen int

	n := min(len(candidates), len(references))
	for i := 0; i < n; i++ {
		cand := candidates[i]
		refs := references[i]
		candLen += len(cand)
		refLen += closestRefLength(len(cand), refs)

		for order := 1; order <= MaxOrder; order++ {
			counts := ngrams(cand, order)
			maxRef := make(map[string]int)
			for _, ref := range refs {
				for g, c := range ngrams(ref, order) {
					maxRef[g] = max(maxRef[g], c)
				}
			}
			for g, c := range counts {
				matches[order-1] += min(c, maxRef[g])
				totals[order-1] += c
			}
		}
	}

	m := Metrics{Count: n}
	if n == 0 || candLen == 0 {
		return m
	}
	m.MeanLength = float64(candLen) / float64(n)

	m.BrevityPenalty = 1
	if candLen < refLen {
		m.BrevityPenalty = math.Exp(1 - float64(refLen)/float64(candLen))
	}

	var logSum float64
	for i := 0; i < MaxOrder; i++ {
		if totals[i] > 0 {
			m.Precision[i] = float64(matches[i]) / float64(totals[i])
		}
		if m.Precision[i] == 0 {
			// All higher orders are zero as well
			break
		}
		logSum += math.Log(m.Precision[i])
		m.BLEU[i] = m.BrevityPenalty * math.Exp(logSum/float64(i+1))
	}
	return m
}

// closestRefLength picks the reference length nearest to n, preferring the
// shorter one on ties.
func closestRefLength(n int, refs [][]string) int {
	best, bestDiff := 0, math.MaxInt
	for _, ref := range refs {
		d := len(ref) - n
		if d < 0 {
			d = -d
		}
		if d < bestDiff || (d == bestDiff && len(ref) < best) {
			best, bestDiff = len(ref), d
		}
	}
	return best
}

func ngrams(words []string, n int) map[string]int {
	counts := make(map[string]int)
	for i := 0; i+n <= len(words); i++ {
		counts[strings.Join(words[i:i+n], " ")]++
	}
	return counts
}
