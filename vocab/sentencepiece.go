package vocab

import (
	"errors"
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// PieceType mirrors ModelProto.SentencePiece.Type.
type PieceType int32

const (
	PieceNormal      PieceType = 1
	PieceUnknown     PieceType = 2
	PieceControl     PieceType = 3
	PieceUserDefined PieceType = 4
	PieceUnused      PieceType = 5
	PieceByte        PieceType = 6
)

// Piece represents a vocabulary piece from a SentencePiece model.
type Piece struct {
	Piece string
	Score float32
	Type  PieceType
}

// Field numbers from sentencepiece_model.proto.
const (
	modelPiecesField = 1

	pieceTextField  = 1
	pieceScoreField = 2
	pieceTypeField  = 3
)

var errEmptyPiece = errors.New("piece has no text")

// ReadSentencePiece loads the pieces of a SentencePiece .model file.
// Piece ids are their positions in the returned slice.
func ReadSentencePiece(path string) ([]Piece, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model file: %w", err)
	}

	pieces, err := parseModelProto(data)
	if err != nil {
		return nil, fmt.Errorf("parsing protobuf: %w", err)
	}
	return pieces, nil
}

// LoadSentencePiece builds a Vocabulary from a SentencePiece .model file.
func LoadSentencePiece(path string, special SpecialTokens) (*Vocabulary, error) {
	pieces, err := ReadSentencePiece(path)
	if err != nil {
		return nil, err
	}

	mapping := make(map[string]int32, len(pieces))
	for i, p := range pieces {
		if _, dup := mapping[p.Piece]; dup {
			continue
		}
		mapping[p.Piece] = int32(i)
	}
	v, err := New(mapping, special)
	if err != nil {
		return nil, err
	}
	v.subword = true
	return v, nil
}

func parseModelProto(b []byte) ([]Piece, error) {
	var pieces []Piece
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		if num == modelPiecesField && typ == protowire.BytesType {
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			p, err := parsePiece(msg)
			if err != nil {
				return nil, fmt.Errorf("piece %d: %w", len(pieces), err)
			}
			pieces = append(pieces, p)
			b = b[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
	}

	if len(pieces) == 0 {
		return nil, errors.New("no pieces in model")
	}
	return pieces, nil
}

func parsePiece(b []byte) (Piece, error) {
	p := Piece{Type: PieceNormal}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Piece{}, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == pieceTextField && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return Piece{}, protowire.ParseError(n)
			}
			p.Piece = s
			b = b[n:]
		case num == pieceScoreField && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return Piece{}, protowire.ParseError(n)
			}
			p.Score = math.Float32frombits(v)
			b = b[n:]
		case num == pieceTypeField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Piece{}, protowire.ParseError(n)
			}
			p.Type = PieceType(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Piece{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}

	if p.Piece == "" {
		return Piece{}, errEmptyPiece
	}
	return p, nil
}
