// Package vocab provides the token/id mapping shared by caption decoders.
package vocab

import (
	"fmt"
	"sort"
)

// SpecialTokens names the reserved vocabulary entries.
type SpecialTokens struct {
	Start   string
	End     string
	Pad     string
	Unknown string
}

// DefaultSpecialTokens returns the reserved token names used by the
// Flickr8k-trained captioning models.
func DefaultSpecialTokens() SpecialTokens {
	return SpecialTokens{
		Start:   "startseq",
		End:     "endseq",
		Pad:     "<pad>",
		Unknown: "<unk>",
	}
}

// ConfigError reports a vocabulary that cannot back a decoder.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("vocab: %s: %s", e.Field, e.Reason)
}

// Vocabulary is an immutable bidirectional token/id mapping.
// It is safe for concurrent use.
type Vocabulary struct {
	tokenToID map[string]int32
	idToToken []string // "" marks ids with no token
	special   SpecialTokens

	startID int32
	endID   int32
	padID   int32
	unkID   int32

	// subword pieces carry their own word boundaries
	subword bool
}

// New builds a Vocabulary from a token->id mapping.
//
// The start and end tokens must be present. A missing pad token pads with id 0
// (the index Keras reserves for padding). A missing unknown token leaves
// UnknownID at -1; IDToToken still renders unmapped ids as special.Unknown.
func New(mapping map[string]int32, special SpecialTokens) (*Vocabulary, error) {
	if len(mapping) == 0 {
		return nil, &ConfigError{Field: "mapping", Reason: "empty"}
	}

	maxID := int32(-1)
	for token, id := range mapping {
		if token == "" {
			return nil, &ConfigError{Field: "mapping", Reason: "empty token"}
		}
		if id < 0 {
			return nil, &ConfigError{Field: "mapping", Reason: fmt.Sprintf("negative id %d for %q", id, token)}
		}
		if id > maxID {
			maxID = id
		}
	}

	v := &Vocabulary{
		tokenToID: make(map[string]int32, len(mapping)),
		idToToken: make([]string, maxID+1),
		special:   special,
	}

	// Sorted so duplicate-id errors name the same pair on every run.
	tokens := make([]string, 0, len(mapping))
	for token := range mapping {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)

	for _, token := range tokens {
		id := mapping[token]
		if prev := v.idToToken[id]; prev != "" {
			return nil, &ConfigError{
				Field:  "mapping",
				Reason: fmt.Sprintf("id %d assigned to both %q and %q", id, prev, token),
			}
		}
		v.idToToken[id] = token
		v.tokenToID[token] = id
	}

	var ok bool
	if v.startID, ok = v.tokenToID[special.Start]; !ok {
		return nil, &ConfigError{Field: "start", Reason: fmt.Sprintf("token %q not in vocabulary", special.Start)}
	}
	if v.endID, ok = v.tokenToID[special.End]; !ok {
		return nil, &ConfigError{Field: "end", Reason: fmt.Sprintf("token %q not in vocabulary", special.End)}
	}
	if v.padID, ok = v.tokenToID[special.Pad]; !ok {
		v.padID = 0
	}
	if v.unkID, ok = v.tokenToID[special.Unknown]; !ok {
		v.unkID = -1
	}

	return v, nil
}

// Size returns the id domain size: every id in [0, Size()) resolves to a token.
func (v *Vocabulary) Size() int { return len(v.idToToken) }

// Len returns the number of tokens actually mapped.
func (v *Vocabulary) Len() int { return len(v.tokenToID) }

// TokenToID returns the id for token, or UnknownID if it is not mapped.
func (v *Vocabulary) TokenToID(token string) int32 {
	if id, ok := v.tokenToID[token]; ok {
		return id
	}
	return v.unkID
}

// IDToToken returns the token for id, or the unknown token if id is unmapped.
func (v *Vocabulary) IDToToken(id int32) string {
	if id < 0 || int(id) >= len(v.idToToken) || v.idToToken[id] == "" {
		return v.special.Unknown
	}
	return v.idToToken[id]
}

// Contains reports whether token has an id.
func (v *Vocabulary) Contains(token string) bool {
	_, ok := v.tokenToID[token]
	return ok
}

// Special returns the reserved token names.
func (v *Vocabulary) Special() SpecialTokens { return v.special }

// StartID returns the start token id.
func (v *Vocabulary) StartID() int32 { return v.startID }

// EndID returns the end token id.
func (v *Vocabulary) EndID() int32 { return v.endID }

// PadID returns the padding id.
func (v *Vocabulary) PadID() int32 { return v.padID }

// UnknownID returns the unknown token id, or -1 if the vocabulary has none.
func (v *Vocabulary) UnknownID() int32 { return v.unkID }
