package vocab

import (
	"strings"
	"unicode"
)

const sentencePieceSpace = '▁' // U+2581 LOWER ONE EIGHTH BLOCK

// Join renders tokens as text. Word vocabularies are joined with single
// spaces. SentencePiece vocabularies are concatenated and their word-boundary
// marks become spaces, with whitespace runs collapsed and the ends trimmed.
func (v *Vocabulary) Join(tokens []string) string {
	if !v.subword {
		return strings.Join(tokens, " ")
	}
	return joinPieces(tokens)
}

// Subword reports whether tokens are SentencePiece pieces.
func (v *Vocabulary) Subword() bool { return v.subword }

func joinPieces(pieces []string) string {
	var b strings.Builder
	needSpace := false
	for _, p := range pieces {
		for _, r := range p {
			if r == sentencePieceSpace || unicode.IsSpace(r) {
				if b.Len() > 0 {
					needSpace = true
				}
				continue
			}
			if needSpace {
				b.WriteByte(' ')
				needSpace = false
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}
