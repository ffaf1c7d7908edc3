// Package bench evaluates caption quality against reference captions.
package bench

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"
)

// Sample is one image with its reference captions.
type Sample struct {
	Image      string
	Raw        []string
	References [][]string
}

// markers are training-time sequence markers stripped from references.
var markers = map[string]bool{"startseq": true, "endseq": true}

// Tokenize lowercases text and splits it into words, dropping punctuation
// and sequence markers.
func Tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	out := words[:0]
	for _, w := range words {
		w = strings.Trim(w, "'")
		if w == "" || markers[w] {
			continue
		}
		out = append(out, w)
	}
	return out
}

// ParseCorpus reads a Flickr8k-style captions file: an "image,caption"
// header followed by one caption per line. Captions may contain commas.
// Samples are returned in order of first appearance.
func ParseCorpus(r io.Reader) ([]*Sample, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var samples []*Sample
	byImage := make(map[string]*Sample)
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if line == 1 && len(rec) >= 2 && strings.EqualFold(strings.TrimSpace(rec[0]), "image") {
			continue
		}
		if len(rec) < 2 {
			return nil, fmt.Errorf("line %d: expected image,caption", line)
		}

		image := strings.TrimSpace(rec[0])
		text := strings.TrimSpace(strings.Join(rec[1:], ","))
		if image == "" || text == "" {
			continue
		}

		s, ok := byImage[image]
		if !ok {
			s = &Sample{Image: image}
			byImage[image] = s
			samples = append(samples, s)
		}
		s.Raw = append(s.Raw, text)
		s.References = append(s.References, Tokenize(text))
	}

	if len(samples) == 0 {
		return nil, errors.New("no captions found")
	}
	return samples, nil
}

// LoadCorpus reads a captions file from disk.
func LoadCorpus(path string) ([]*Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open corpus: %w", err)
	}
	defer func() { _ = f.Close() }()

	samples, err := ParseCorpus(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return samples, nil
}
