// Package config loads the YAML configuration shared by the caption binaries.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	caption "github.com/jamesainslie/go-caption"
	"github.com/jamesainslie/go-caption/decode"
	"github.com/jamesainslie/go-caption/imageproc"
	"github.com/jamesainslie/go-caption/inference"
	"github.com/jamesainslie/go-caption/vocab"
)

// Models locates the model files.
type Models struct {
	Encoder       string `yaml:"encoder"`
	Decoder       string `yaml:"decoder"`
	Vocabulary    string `yaml:"vocabulary"`
	Metadata      string `yaml:"metadata"`
	SharedLibrary string `yaml:"shared_library"`
	PoolSize      int    `yaml:"pool_size"`
}

// Tensors names the model graph inputs and outputs.
type Tensors struct {
	EncoderInput  string `yaml:"encoder_input"`
	EncoderOutput string `yaml:"encoder_output"`
	Features      string `yaml:"features"`
	Sequence      string `yaml:"sequence"`
	DecoderOutput string `yaml:"decoder_output"`
	Int64Tokens   bool   `yaml:"int64_tokens"`
}

// Decoding holds beam search parameters.
type Decoding struct {
	Method    string  `yaml:"method"`
	BeamWidth int     `yaml:"beam_width"`
	Alpha     float64 `yaml:"alpha"`
	MaxLength int     `yaml:"max_length"`
	Epsilon   float64 `yaml:"epsilon"`
}

// Tokens holds the reserved vocabulary entries.
type Tokens struct {
	Start   string `yaml:"start"`
	End     string `yaml:"end"`
	Pad     string `yaml:"pad"`
	Unknown string `yaml:"unknown"`
}

// Image holds preprocessing parameters.
type Image struct {
	Width         int    `yaml:"width"`
	Height        int    `yaml:"height"`
	Normalization string `yaml:"normalization"`
}

// Server holds HTTP serving parameters.
type Server struct {
	Host             string   `yaml:"host"`
	Port             int      `yaml:"port"`
	MaxUploadMB      int      `yaml:"max_upload_mb"`
	AllowedTypes     []string `yaml:"allowed_types"`
	MaxInFlight      int      `yaml:"max_in_flight"`
	RequestTimeoutMS int      `yaml:"request_timeout_ms"`
}

// Config is the root configuration document.
type Config struct {
	Models   Models   `yaml:"models"`
	Tensors  Tensors  `yaml:"tensors"`
	Decoding Decoding `yaml:"decoding"`
	Tokens   Tokens   `yaml:"tokens"`
	Image    Image    `yaml:"image"`
	Server   Server   `yaml:"server"`
	LogLevel string   `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	special := vocab.DefaultSpecialTokens()
	dec := decode.DefaultConfig()
	return &Config{
		Models: Models{
			Encoder:    "models/encoder.onnx",
			Decoder:    "models/decoder.onnx",
			Vocabulary: "models/tokenizer.json",
			PoolSize:   2,
		},
		Tensors: Tensors{
			EncoderInput:  inference.DefaultEncoderInput,
			EncoderOutput: inference.DefaultEncoderOutput,
			Features:      inference.DefaultFeaturesInput,
			Sequence:      inference.DefaultSequenceInput,
			DecoderOutput: inference.DefaultDecoderOutput,
		},
		Decoding: Decoding{
			Method:    string(decode.ModeBeamSearch),
			BeamWidth: dec.BeamWidth,
			Alpha:     dec.Alpha,
			MaxLength: dec.MaxLength,
			Epsilon:   dec.Epsilon,
		},
		Tokens: Tokens{
			Start:   special.Start,
			End:     special.End,
			Pad:     special.Pad,
			Unknown: special.Unknown,
		},
		Image: Image{
			Width:         224,
			Height:        224,
			Normalization: string(imageproc.NormImageNet),
		},
		Server: Server{
			Host:             "0.0.0.0",
			Port:             5000,
			MaxUploadMB:      10,
			AllowedTypes:     []string{"image/jpeg", "image/png", "image/jpg"},
			MaxInFlight:      4,
			RequestTimeoutMS: 60000,
		},
		LogLevel: "info",
	}
}

// Load reads a YAML file over the defaults. Keys absent from the file keep
// their default values. When models.metadata names a model_metadata.json,
// its values replace the defaults before the file is applied.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.Models.Metadata != "" {
		md, err := caption.LoadMetadata(cfg.Models.Metadata)
		if err != nil {
			return nil, err
		}
		cfg = Default()
		cfg.applyMetadata(md)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyMetadata(md *caption.Metadata) {
	if md.MaxLength > 0 {
		c.Decoding.MaxLength = md.MaxLength
	}
	if md.ImageSize > 0 {
		c.Image.Width, c.Image.Height = md.ImageSize, md.ImageSize
	}
	if md.StartToken != "" {
		c.Tokens.Start = md.StartToken
	}
	if md.EndToken != "" {
		c.Tokens.End = md.EndToken
	}
	if md.PadToken != "" {
		c.Tokens.Pad = md.PadToken
	}
}

// LoadOrDefault loads path, or returns the defaults when path is empty.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// Validate checks values that would otherwise only fail at model load time.
func (c *Config) Validate() error {
	var errs []error
	if _, err := decode.ParseMode(c.Decoding.Method); err != nil {
		errs = append(errs, err)
	}
	if _, err := imageproc.ParseNormalization(c.Image.Normalization); err != nil {
		errs = append(errs, err)
	}
	dec := decode.Config{
		BeamWidth: c.Decoding.BeamWidth,
		Alpha:     c.Decoding.Alpha,
		MaxLength: c.Decoding.MaxLength,
		Epsilon:   c.Decoding.Epsilon,
	}
	if err := dec.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port %d out of range", c.Server.Port))
	}
	if c.Server.MaxUploadMB <= 0 {
		errs = append(errs, errors.New("server max_upload_mb must be positive"))
	}
	return errors.Join(errs...)
}

// Mode returns the configured decoding mode.
func (c *Config) Mode() caption.Mode {
	m, err := decode.ParseMode(c.Decoding.Method)
	if err != nil {
		return caption.ModeBeamSearch
	}
	return m
}

// Addr returns the server listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// MaxUploadBytes returns the upload limit in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Server.MaxUploadMB) << 20
}

// RequestTimeout returns the per-request decode timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutMS) * time.Millisecond
}

// CaptionOptions converts the configuration into Captioner options.
func (c *Config) CaptionOptions() []caption.Option {
	opts := []caption.Option{
		caption.WithBeamWidth(c.Decoding.BeamWidth),
		caption.WithAlpha(c.Decoding.Alpha),
		caption.WithMaxLength(c.Decoding.MaxLength),
		caption.WithEpsilon(c.Decoding.Epsilon),
		caption.WithPoolSize(c.Models.PoolSize),
		caption.WithSpecialTokens(vocab.SpecialTokens{
			Start:   c.Tokens.Start,
			End:     c.Tokens.End,
			Pad:     c.Tokens.Pad,
			Unknown: c.Tokens.Unknown,
		}),
		caption.WithImageSize(c.Image.Width, c.Image.Height),
		caption.WithNormalization(imageproc.Normalization(c.Image.Normalization)),
		caption.WithEncoderIO(inference.EncoderIO{
			Input:  c.Tensors.EncoderInput,
			Output: c.Tensors.EncoderOutput,
		}),
		caption.WithDecoderIO(inference.DecoderIO{
			Features:    c.Tensors.Features,
			Sequence:    c.Tensors.Sequence,
			Output:      c.Tensors.DecoderOutput,
			Int64Tokens: c.Tensors.Int64Tokens,
		}),
	}
	if c.Models.SharedLibrary != "" {
		opts = append(opts, caption.WithSharedLibraryPath(c.Models.SharedLibrary))
	}
	return opts
}
