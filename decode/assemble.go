package decode

import (
	"github.com/jamesainslie/go-caption/vocab"
)

// Assemble renders a finished sequence as display text: the leading start
// token is dropped, emission stops at the first end token, and the remaining
// tokens are joined by Vocabulary.Join. Unmapped ids render as the unknown token.
func Assemble(v *vocab.Vocabulary, seq Sequence) string {
	tokens := seq.Tokens
	if len(tokens) > 0 && tokens[0] == v.StartID() {
		tokens = tokens[1:]
	}

	words := make([]string, 0, len(tokens))
	for _, id := range tokens {
		if id == v.EndID() {
			break
		}
		words = append(words, v.IDToToken(id))
	}
	return v.Join(words)
}
