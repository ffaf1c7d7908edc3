package decode

import (
	"fmt"
	"log/slog"
	"math"
)

// Defaults for the Flickr8k captioning models.
const (
	DefaultBeamWidth = 3
	DefaultAlpha     = 0.7
	DefaultMaxLength = 40
	DefaultEpsilon   = 1e-10
)

// maxAlternatives caps the ranked captions returned by beam search.
const maxAlternatives = 3

// Config holds the decoding parameters.
type Config struct {
	// BeamWidth is the number of hypotheses kept per step (k).
	BeamWidth int
	// Alpha is the length-penalty exponent in score / length^alpha.
	Alpha float64
	// MaxLength bounds every sequence, start token included.
	MaxLength int
	// Epsilon smooths log(p + epsilon) so zero probabilities stay finite.
	Epsilon float64
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() Config {
	return Config{
		BeamWidth: DefaultBeamWidth,
		Alpha:     DefaultAlpha,
		MaxLength: DefaultMaxLength,
		Epsilon:   DefaultEpsilon,
	}
}

// Validate reports the first out-of-range field.
func (c Config) Validate() error {
	switch {
	case c.BeamWidth <= 0:
		return fmt.Errorf("%w: beam width must be positive, got %d", ErrInvalidConfig, c.BeamWidth)
	case !(c.Alpha > 0 && c.Alpha <= 1):
		return fmt.Errorf("%w: alpha must be in (0, 1], got %g", ErrInvalidConfig, c.Alpha)
	case c.MaxLength <= 0:
		return fmt.Errorf("%w: max length must be positive, got %d", ErrInvalidConfig, c.MaxLength)
	case !(c.Epsilon > 0) || math.IsInf(c.Epsilon, 0):
		return fmt.Errorf("%w: epsilon must be positive and finite, got %g", ErrInvalidConfig, c.Epsilon)
	}
	return nil
}

// Option configures a Decoder.
type Option func(*options)

type options struct {
	cfg    Config
	logger *slog.Logger
}

func defaultOptions() options {
	return options{
		cfg:    DefaultConfig(),
		logger: slog.Default(),
	}
}

// WithConfig replaces the whole configuration.
func WithConfig(c Config) Option {
	return func(o *options) {
		o.cfg = c
	}
}

// WithBeamWidth sets the beam width (default: 3).
func WithBeamWidth(k int) Option {
	return func(o *options) {
		o.cfg.BeamWidth = k
	}
}

// WithAlpha sets the length-penalty exponent (default: 0.7).
func WithAlpha(alpha float64) Option {
	return func(o *options) {
		o.cfg.Alpha = alpha
	}
}

// WithMaxLength sets the maximum sequence length (default: 40).
func WithMaxLength(n int) Option {
	return func(o *options) {
		o.cfg.MaxLength = n
	}
}

// WithEpsilon sets the log smoothing constant (default: 1e-10).
func WithEpsilon(eps float64) Option {
	return func(o *options) {
		o.cfg.Epsilon = eps
	}
}

// WithLogger sets the logger (default: slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
