package vocab

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsupportedFormat indicates a vocabulary file with an unknown extension.
var ErrUnsupportedFormat = errors.New("vocab: unsupported vocabulary format")

// Load builds a Vocabulary from path, choosing the reader by extension:
// .json for word-index JSON, .model for SentencePiece protobufs.
func Load(path string, special SpecialTokens) (*Vocabulary, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return LoadJSON(path, special)
	case ".model":
		return LoadSentencePiece(path, special)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// kerasTokenizer is the document written by Keras Tokenizer.to_json().
// word_index is itself JSON, serialized as a string.
type kerasTokenizer struct {
	ClassName string `json:"class_name"`
	Config    struct {
		WordIndex json.RawMessage `json:"word_index"`
	} `json:"config"`
}

// LoadJSON builds a Vocabulary from either a flat {"token": id} object or a
// Keras tokenizer JSON export.
func LoadJSON(path string, special SpecialTokens) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading vocabulary file: %w", err)
	}

	mapping, err := parseWordIndex(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return New(mapping, special)
}

func parseWordIndex(data []byte) (map[string]int32, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}

	if _, ok := probe["config"]; ok {
		var kt kerasTokenizer
		if err := json.Unmarshal(data, &kt); err != nil {
			return nil, err
		}
		if len(kt.Config.WordIndex) == 0 {
			return nil, errors.New("keras tokenizer has no word_index")
		}
		return decodeWordIndex(kt.Config.WordIndex)
	}

	return decodeWordIndex(data)
}

// decodeWordIndex accepts the index as an object or as a JSON string holding one.
func decodeWordIndex(raw json.RawMessage) (map[string]int32, error) {
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		raw = json.RawMessage(encoded)
	}

	var mapping map[string]int32
	if err := json.Unmarshal(raw, &mapping); err != nil {
		return nil, fmt.Errorf("word_index: %w", err)
	}
	return mapping, nil
}
