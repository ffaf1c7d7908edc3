package vocab

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoadJSON_FlatIndex(t *testing.T) {
	path := writeFile(t, "vocab.json", []byte(`{"<pad>":0,"startseq":1,"endseq":2,"a":3,"dog":4}`))

	v, err := LoadJSON(path, DefaultSpecialTokens())
	if err != nil {
		t.Fatalf("LoadJSON failed: %v", err)
	}
	if v.TokenToID("dog") != 4 {
		t.Errorf("expected dog=4, got %d", v.TokenToID("dog"))
	}
}

func TestLoadJSON_KerasTokenizer(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "word_index as string",
			doc:  `{"class_name":"Tokenizer","config":{"num_words":null,"word_index":"{\"startseq\": 1, \"endseq\": 2, \"a\": 3}"}}`,
		},
		{
			name: "word_index as object",
			doc:  `{"class_name":"Tokenizer","config":{"word_index":{"startseq":1,"endseq":2,"a":3}}}`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, "tokenizer.json", []byte(tc.doc))
			v, err := LoadJSON(path, DefaultSpecialTokens())
			if err != nil {
				t.Fatalf("LoadJSON failed: %v", err)
			}
			if v.StartID() != 1 || v.EndID() != 2 {
				t.Errorf("unexpected ids: start=%d end=%d", v.StartID(), v.EndID())
			}
			// Keras reserves index 0 for padding
			if v.PadID() != 0 {
				t.Errorf("expected pad id 0, got %d", v.PadID())
			}
		})
	}
}

func TestLoadJSON_MissingEndToken(t *testing.T) {
	path := writeFile(t, "vocab.json", []byte(`{"startseq":1,"a":2}`))

	_, err := LoadJSON(path, DefaultSpecialTokens())
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %v", err)
	}
}

func TestLoadJSON_Invalid(t *testing.T) {
	path := writeFile(t, "vocab.json", []byte(`not json`))
	if _, err := LoadJSON(path, DefaultSpecialTokens()); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"), DefaultSpecialTokens())
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
}

func TestLoad_UnsupportedFormat(t *testing.T) {
	_, err := Load("tokenizer.pkl", DefaultSpecialTokens())
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
}

// encodeModel builds a minimal SentencePiece ModelProto.
func encodeModel(pieces []Piece) []byte {
	var b []byte
	for _, p := range pieces {
		var msg []byte
		msg = protowire.AppendTag(msg, pieceTextField, protowire.BytesType)
		msg = protowire.AppendString(msg, p.Piece)
		msg = protowire.AppendTag(msg, pieceScoreField, protowire.Fixed32Type)
		msg = protowire.AppendFixed32(msg, math.Float32bits(p.Score))
		msg = protowire.AppendTag(msg, pieceTypeField, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(p.Type))

		b = protowire.AppendTag(b, modelPiecesField, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}
	// An unrelated field (trainer_spec) that must be skipped.
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte{0x08, 0x01})
	return b
}

func TestReadSentencePiece(t *testing.T) {
	want := []Piece{
		{Piece: "<unk>", Score: 0, Type: PieceUnknown},
		{Piece: "<s>", Score: 0, Type: PieceControl},
		{Piece: "</s>", Score: 0, Type: PieceControl},
		{Piece: "▁dog", Score: -3.5, Type: PieceNormal},
	}
	path := writeFile(t, "sp.model", encodeModel(want))

	got, err := ReadSentencePiece(path)
	if err != nil {
		t.Fatalf("ReadSentencePiece failed: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d pieces, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("piece[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestLoadSentencePiece(t *testing.T) {
	path := writeFile(t, "sp.model", encodeModel([]Piece{
		{Piece: "<unk>", Type: PieceUnknown},
		{Piece: "<s>", Type: PieceControl},
		{Piece: "</s>", Type: PieceControl},
		{Piece: "▁dog", Score: -3.5, Type: PieceNormal},
	}))
	special := SpecialTokens{Start: "<s>", End: "</s>", Pad: "<pad>", Unknown: "<unk>"}

	v, err := Load(path, special)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if v.UnknownID() != 0 || v.StartID() != 1 || v.EndID() != 2 {
		t.Errorf("unexpected ids: unk=%d start=%d end=%d", v.UnknownID(), v.StartID(), v.EndID())
	}
	if v.IDToToken(3) != "▁dog" {
		t.Errorf("IDToToken(3) = %q", v.IDToToken(3))
	}
	if !v.Subword() {
		t.Error("Subword() = false for a SentencePiece vocabulary")
	}
	if got := v.Join([]string{"▁dog", "gy"}); got != "doggy" {
		t.Errorf("Join = %q, want %q", got, "doggy")
	}
}

func TestReadSentencePiece_InvalidProtobuf(t *testing.T) {
	path := writeFile(t, "bad.model", []byte(`{"not":"protobuf"}`))
	if _, err := ReadSentencePiece(path); err == nil {
		t.Error("expected error for invalid protobuf data")
	}
}
