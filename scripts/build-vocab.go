//go:build ignore

// Build a word-index vocabulary from a Flickr8k-style captions file.
// Usage: go run ./scripts/build-vocab.go -corpus testdata/captions.txt -out testdata/vocab.json
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jamesainslie/go-caption/internal/bench"
)

func main() {
	corpus := flag.String("corpus", "testdata/captions.txt", "captions file (image,caption)")
	out := flag.String("out", "testdata/vocab.json", "output word index")
	cleaned := flag.String("cleaned", "", "optional output for normalized captions")
	minCount := flag.Int("min-count", 1, "drop words seen fewer times")
	flag.Parse()

	samples, err := bench.LoadCorpus(*corpus)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading corpus: %v\n", err)
		os.Exit(1)
	}

	counts := make(map[string]int)
	var captions int
	for _, s := range samples {
		for _, ref := range s.References {
			captions++
			for _, w := range ref {
				counts[w]++
			}
		}
	}

	index := buildIndex(counts, *minCount)
	if err := writeIndex(*out, index); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing vocabulary: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%d images, %d captions, %d words -> %s\n", len(samples), captions, len(index), *out)

	if *cleaned != "" {
		if err := writeCleaned(*cleaned, samples); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing captions: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("  -> %s\n", *cleaned)
	}
}

// buildIndex assigns ids from 1 by descending frequency, ties alphabetical.
// startseq, endseq and <unk> are always present; id 0 stays reserved for padding.
func buildIndex(counts map[string]int, minCount int) map[string]int32 {
	words := make([]string, 0, len(counts))
	for w, n := range counts {
		if n >= minCount {
			words = append(words, w)
		}
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})

	index := map[string]int32{"<unk>": 1, "startseq": 2, "endseq": 3}
	next := int32(len(index) + 1)
	for _, w := range words {
		if _, ok := index[w]; ok {
			continue
		}
		index[w] = next
		next++
	}
	return index
}

func writeIndex(path string, index map[string]int32) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding index: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func writeCleaned(path string, samples []*bench.Sample) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating output: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "image,caption")
	for _, s := range samples {
		for _, ref := range s.References {
			fmt.Fprintf(w, "%s,startseq %s endseq\n", s.Image, strings.Join(ref, " "))
		}
	}
	return w.Flush()
}
