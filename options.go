package caption

import (
	"log/slog"
	"runtime"

	"github.com/jamesainslie/go-caption/decode"
	"github.com/jamesainslie/go-caption/imageproc"
	"github.com/jamesainslie/go-caption/inference"
	"github.com/jamesainslie/go-caption/vocab"
)

// Option configures a Captioner.
type Option func(*config)

type config struct {
	decode        decode.Config
	poolSize      int
	special       vocab.SpecialTokens
	imageWidth    int
	imageHeight   int
	normalization imageproc.Normalization
	encoderIO     inference.EncoderIO
	decoderIO     inference.DecoderIO
	libraryPath   string
	metadataPath  string
	logger        *slog.Logger
}

func defaultConfig() config {
	return config{
		decode:        decode.DefaultConfig(),
		poolSize:      runtime.NumCPU(),
		special:       vocab.DefaultSpecialTokens(),
		imageWidth:    224,
		imageHeight:   224,
		normalization: imageproc.NormImageNet,
		encoderIO:     inference.DefaultEncoderIO(),
		decoderIO:     inference.DefaultDecoderIO(),
		logger:        slog.Default(),
	}
}

// WithBeamWidth sets the number of beam hypotheses kept per step (default: 3).
func WithBeamWidth(k int) Option {
	return func(c *config) {
		c.decode.BeamWidth = k
	}
}

// WithAlpha sets the length-normalization exponent (default: 0.7).
func WithAlpha(alpha float64) Option {
	return func(c *config) {
		c.decode.Alpha = alpha
	}
}

// WithMaxLength sets the maximum sequence length including the start token
// (default: 40).
func WithMaxLength(n int) Option {
	return func(c *config) {
		c.decode.MaxLength = n
	}
}

// WithEpsilon sets the log-probability smoothing constant (default: 1e-10).
func WithEpsilon(eps float64) Option {
	return func(c *config) {
		c.decode.Epsilon = eps
	}
}

// WithPoolSize sets the ONNX session pool size per model (default: runtime.NumCPU()).
func WithPoolSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.poolSize = n
		}
	}
}

// WithSpecialTokens sets the reserved token strings.
func WithSpecialTokens(s vocab.SpecialTokens) Option {
	return func(c *config) {
		c.special = s
	}
}

// WithImageSize sets the encoder input size (default: 224x224).
func WithImageSize(width, height int) Option {
	return func(c *config) {
		c.imageWidth = width
		c.imageHeight = height
	}
}

// WithNormalization sets the pixel normalization (default: imagenet).
func WithNormalization(n imageproc.Normalization) Option {
	return func(c *config) {
		c.normalization = n
	}
}

// WithEncoderIO overrides the encoder tensor names.
func WithEncoderIO(io inference.EncoderIO) Option {
	return func(c *config) {
		c.encoderIO = io
	}
}

// WithDecoderIO overrides the decoder tensor names.
func WithDecoderIO(io inference.DecoderIO) Option {
	return func(c *config) {
		c.decoderIO = io
	}
}

// WithSharedLibraryPath sets the onnxruntime shared library location.
func WithSharedLibraryPath(path string) Option {
	return func(c *config) {
		c.libraryPath = path
	}
}

// WithMetadata reads defaults from a model_metadata.json file. Other options
// take precedence over values found in the file.
func WithMetadata(path string) Option {
	return func(c *config) {
		c.metadataPath = path
	}
}

// WithLogger sets the logger (default: slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// buildConfig applies opts over the defaults, seeding the defaults from
// model metadata when WithMetadata is given.
func buildConfig(opts []Option) (config, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.metadataPath == "" {
		return cfg, nil
	}

	md, err := LoadMetadata(cfg.metadataPath)
	if err != nil {
		return config{}, err
	}
	cfg = defaultConfig()
	md.apply(&cfg)
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg, nil
}
