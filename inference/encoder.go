package inference

import (
	"context"
	"fmt"
)

// Default tensor names of the exported caption models.
const (
	DefaultEncoderInput  = "input_image"
	DefaultEncoderOutput = "features"

	DefaultFeaturesInput = "image_features"
	DefaultSequenceInput = "input_sequence"
	DefaultDecoderOutput = "probabilities"
)

// EncoderIO names the encoder graph's tensors.
type EncoderIO struct {
	Input  string
	Output string
}

// DefaultEncoderIO returns the default encoder tensor names.
func DefaultEncoderIO() EncoderIO {
	return EncoderIO{Input: DefaultEncoderInput, Output: DefaultEncoderOutput}
}

// Encoder turns a preprocessed image into a feature vector.
type Encoder struct {
	pool *Pool
}

// NewEncoder loads the image encoder with poolSize sessions.
func NewEncoder(modelPath string, io EncoderIO, poolSize int) (*Encoder, error) {
	pool, err := NewPool(SessionConfig{
		ModelPath:   modelPath,
		InputNames:  []string{io.Input},
		OutputNames: []string{io.Output},
	}, poolSize)
	if err != nil {
		return nil, err
	}
	return &Encoder{pool: pool}, nil
}

// Encode runs the encoder on one image tensor (typically [1,H,W,3]) and
// returns the flattened feature vector.
func (e *Encoder) Encode(ctx context.Context, pixels []float32, shape []int64) ([]float32, error) {
	if n := elements(shape); n != len(pixels) {
		return nil, fmt.Errorf("image tensor has %d values, shape %v needs %d", len(pixels), shape, n)
	}

	outs, err := e.pool.Run(ctx, Input{Shape: shape, Float32: pixels})
	if err != nil {
		return nil, fmt.Errorf("encoding image: %w", err)
	}
	if len(outs[0].Data) == 0 {
		return nil, fmt.Errorf("encoder returned empty features")
	}
	return outs[0].Data, nil
}

// Close releases the encoder sessions.
func (e *Encoder) Close() error {
	return e.pool.Close()
}

func elements(shape []int64) int {
	if len(shape) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return int(n)
}
