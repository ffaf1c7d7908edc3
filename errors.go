package caption

import (
	"errors"

	"github.com/jamesainslie/go-caption/decode"
	"github.com/jamesainslie/go-caption/imageproc"
	"github.com/jamesainslie/go-caption/vocab"
)

// Sentinel errors for conditions callers may need to handle differently.
var (
	// ErrModelNotFound indicates a model file does not exist.
	ErrModelNotFound = errors.New("caption: model file not found")

	// ErrInvalidModel indicates a model file exists but could not be loaded.
	ErrInvalidModel = errors.New("caption: invalid model format")

	// ErrVocabularyFailed indicates the vocabulary could not be loaded.
	ErrVocabularyFailed = errors.New("caption: vocabulary initialization failed")

	// ErrNoEncoder indicates image captioning was requested without an encoder.
	ErrNoEncoder = errors.New("caption: no image encoder configured")

	// ErrInvalidImage indicates the input could not be decoded as an image.
	ErrInvalidImage = imageproc.ErrInvalidImage

	// ErrDecodeFailed indicates beam search and its greedy fallback both failed.
	ErrDecodeFailed = decode.ErrDecodeFailed

	// ErrUnknownMode indicates an unsupported decoding mode.
	ErrUnknownMode = decode.ErrUnknownMode
)

// ConfigError reports a vocabulary that lacks a reserved token or maps
// two tokens to one id.
type ConfigError = vocab.ConfigError

// ScorerError reports a failed or malformed scorer call.
type ScorerError = decode.ScorerError
