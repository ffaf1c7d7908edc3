package decode

import "container/heap"

type candidate struct {
	id   int32
	prob float32
}

// worse orders candidates by probability, then prefers the lower id.
func worse(a, b candidate) bool {
	if a.prob != b.prob {
		return a.prob < b.prob
	}
	return a.id > b.id
}

// candidateHeap keeps the worst retained candidate at the root.
type candidateHeap []candidate

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *candidateHeap) Push(x any) { *h = append(*h, x.(candidate)) }

func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topK returns the k most probable ids, best first. Equal probabilities
// rank the lower id first.
func topK(probs []float32, k int) []candidate {
	if k > len(probs) {
		k = len(probs)
	}
	if k <= 0 {
		return nil
	}

	h := make(candidateHeap, 0, k)
	for i, p := range probs {
		c := candidate{id: int32(i), prob: p}
		if len(h) < k {
			heap.Push(&h, c)
			continue
		}
		if worse(h[0], c) {
			h[0] = c
			heap.Fix(&h, 0)
		}
	}

	out := make([]candidate, len(h))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&h).(candidate)
	}
	return out
}
