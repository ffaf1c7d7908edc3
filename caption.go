package caption

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jamesainslie/go-caption/decode"
	"github.com/jamesainslie/go-caption/imageproc"
	"github.com/jamesainslie/go-caption/inference"
	"github.com/jamesainslie/go-caption/vocab"
)

// Mode selects a decoding strategy.
type Mode = decode.Mode

// Decoding modes.
const (
	ModeBeamSearch = decode.ModeBeamSearch
	ModeGreedy     = decode.ModeGreedy
)

// Result is the outcome of one caption request.
type Result = decode.Result

// Alternative is one ranked beam-search caption.
type Alternative = decode.Alternative

// ParseMode converts a request parameter into a Mode.
func ParseMode(s string) (Mode, error) { return decode.ParseMode(s) }

// FeatureEncoder turns a preprocessed image tensor into a feature vector.
// *inference.Encoder implements it.
type FeatureEncoder interface {
	Encode(ctx context.Context, pixels []float32, shape []int64) ([]float32, error)
}

// Info describes the loaded models and decoding parameters.
type Info struct {
	EncoderLoaded bool
	DecoderLoaded bool
	VocabSize     int
	MaxLength     int
	ImageWidth    int
	ImageHeight   int
	BeamWidth     int
	Alpha         float64
}

// Captioner generates captions for images. It is safe for concurrent use.
type Captioner struct {
	encoder FeatureEncoder
	decoder *decode.Decoder
	pre     *imageproc.Preprocessor
	closers []func() error
	logger  *slog.Logger
}

// New loads the encoder, decoder and vocabulary files. The encoder path may
// be empty, in which case only Generate is available.
func New(encoderPath, decoderPath, vocabPath string, opts ...Option) (*Captioner, error) {
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}

	for _, path := range []string{encoderPath, decoderPath} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrModelNotFound, path)
			}
			return nil, fmt.Errorf("checking model file: %w", err)
		}
	}
	if decoderPath == "" {
		return nil, fmt.Errorf("%w: decoder path is empty", ErrModelNotFound)
	}

	v, err := vocab.Load(vocabPath, cfg.special)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVocabularyFailed, err)
	}

	if cfg.libraryPath != "" {
		inference.SetSharedLibraryPath(cfg.libraryPath)
	}

	scorer, err := inference.NewScorer(decoderPath, cfg.decoderIO, cfg.poolSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidModel, err)
	}

	closers := []func() error{scorer.Close}
	var fe FeatureEncoder
	if encoderPath != "" {
		enc, err := inference.NewEncoder(encoderPath, cfg.encoderIO, cfg.poolSize)
		if err != nil {
			_ = scorer.Close() // Best-effort cleanup; original error takes precedence
			return nil, fmt.Errorf("%w: %w", ErrInvalidModel, err)
		}
		fe = enc
		closers = append(closers, enc.Close)
	}

	c, err := newCaptioner(cfg, v, scorer, fe)
	if err != nil {
		for _, closeFn := range closers {
			_ = closeFn()
		}
		return nil, err
	}
	c.closers = closers

	c.logger.Info("caption models loaded",
		"encoder", encoderPath,
		"decoder", decoderPath,
		"vocab_size", v.Size(),
		"pool_size", cfg.poolSize)
	return c, nil
}

// NewWithComponents builds a Captioner from an already constructed
// vocabulary, scorer and optional encoder.
func NewWithComponents(v *vocab.Vocabulary, scorer decode.Scorer, enc FeatureEncoder, opts ...Option) (*Captioner, error) {
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	return newCaptioner(cfg, v, scorer, enc)
}

func newCaptioner(cfg config, v *vocab.Vocabulary, scorer decode.Scorer, enc FeatureEncoder) (*Captioner, error) {
	dec, err := decode.New(v, scorer,
		decode.WithConfig(cfg.decode),
		decode.WithLogger(cfg.logger))
	if err != nil {
		return nil, err
	}

	pre, err := imageproc.New(cfg.imageWidth, cfg.imageHeight, cfg.normalization)
	if err != nil {
		return nil, err
	}

	return &Captioner{
		encoder: enc,
		decoder: dec,
		pre:     pre,
		logger:  cfg.logger,
	}, nil
}

// Generate decodes a caption from precomputed image features.
func (c *Captioner) Generate(ctx context.Context, features []float32, mode Mode) (*Result, error) {
	if len(features) == 0 {
		return nil, errors.New("caption: empty feature vector")
	}
	return c.decoder.Generate(ctx, features, mode)
}

// Features preprocesses an encoded image and runs the encoder.
func (c *Captioner) Features(ctx context.Context, data []byte) ([]float32, error) {
	if c.encoder == nil {
		return nil, ErrNoEncoder
	}
	pixels, shape, err := c.pre.Bytes(data)
	if err != nil {
		return nil, err
	}
	features, err := c.encoder.Encode(ctx, pixels, shape)
	if err != nil {
		return nil, fmt.Errorf("extracting features: %w", err)
	}
	return features, nil
}

// CaptionImage captions an encoded JPEG, PNG, BMP or WebP image.
func (c *Captioner) CaptionImage(ctx context.Context, data []byte, mode Mode) (*Result, error) {
	start := time.Now()
	features, err := c.Features(ctx, data)
	if err != nil {
		return nil, err
	}
	encoded := time.Since(start)

	res, err := c.decoder.Generate(ctx, features, mode)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("image captioned",
		"mode", res.Mode,
		"fell_back", res.FellBack,
		"encode_time", encoded,
		"total_time", time.Since(start))
	return res, nil
}

// CaptionFile reads and captions an image file.
func (c *Captioner) CaptionFile(ctx context.Context, path string, mode Mode) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	return c.CaptionImage(ctx, data, mode)
}

// Info reports the loaded models and decoding parameters.
func (c *Captioner) Info() Info {
	cfg := c.decoder.Config()
	return Info{
		EncoderLoaded: c.encoder != nil,
		DecoderLoaded: true,
		VocabSize:     c.decoder.Vocabulary().Size(),
		MaxLength:     cfg.MaxLength,
		ImageWidth:    c.pre.Width,
		ImageHeight:   c.pre.Height,
		BeamWidth:     cfg.BeamWidth,
		Alpha:         cfg.Alpha,
	}
}

// Close releases all resources.
func (c *Captioner) Close() error {
	var errs []error
	for _, closeFn := range c.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
