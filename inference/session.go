// Package inference provides ONNX Runtime integration for the caption encoder
// and decoder models.
package inference

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	ortEnvOnce sync.Once
	ortEnvErr  error

	libPathMu sync.Mutex
	libPath   string
)

// ErrSessionClosed is returned by Run after Close.
var ErrSessionClosed = errors.New("inference: session is closed")

// SetSharedLibraryPath sets the onnxruntime shared library location. It only
// takes effect before the first session is created.
func SetSharedLibraryPath(path string) {
	libPathMu.Lock()
	defer libPathMu.Unlock()
	libPath = path
}

// initORT initializes ONNX Runtime environment once.
func initORT() error {
	ortEnvOnce.Do(func() {
		libPathMu.Lock()
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		libPathMu.Unlock()
		ortEnvErr = ort.InitializeEnvironment()
	})
	return ortEnvErr
}

// SessionConfig describes a model graph and the tensors it exchanges.
type SessionConfig struct {
	ModelPath   string
	InputNames  []string
	OutputNames []string
	// IntraOpThreads limits ONNX Runtime's per-session thread pool (0 = runtime default).
	IntraOpThreads int
}

// Input is one input tensor. Exactly one of Float32 or Int64 is set.
type Input struct {
	Shape   []int64
	Float32 []float32
	Int64   []int64
}

// Output is a float32 output tensor copied out of ONNX Runtime memory.
type Output struct {
	Shape []int64
	Data  []float32
}

// Session wraps an ONNX Runtime session. Runs are serialized.
type Session struct {
	session *ort.DynamicAdvancedSession
	cfg     SessionConfig
	mu      sync.Mutex
	closed  bool
}

// NewSession creates a new ONNX session from a model file.
func NewSession(cfg SessionConfig) (*Session, error) {
	// Check file exists
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}
	if len(cfg.InputNames) == 0 || len(cfg.OutputNames) == 0 {
		return nil, errors.New("session needs at least one input and one output name")
	}

	if err := initORT(); err != nil {
		return nil, fmt.Errorf("initializing ONNX runtime: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("creating session options: %w", err)
	}
	defer func() { _ = options.Destroy() }() // Cleanup error doesn't affect success

	if cfg.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("setting intra-op threads: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(
		cfg.ModelPath,
		cfg.InputNames,
		cfg.OutputNames,
		options,
	)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	return &Session{session: session, cfg: cfg}, nil
}

// Run feeds inputs in InputNames order and returns outputs in OutputNames order.
func (s *Session) Run(ctx context.Context, inputs ...Input) ([]Output, error) {
	// Check context before expensive operation
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if len(inputs) != len(s.cfg.InputNames) {
		return nil, fmt.Errorf("got %d inputs, model takes %d", len(inputs), len(s.cfg.InputNames))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}

	values := make([]ort.Value, 0, len(inputs))
	defer func() {
		for _, v := range values {
			_ = v.Destroy()
		}
	}()
	for i, in := range inputs {
		v, err := newValue(in)
		if err != nil {
			return nil, fmt.Errorf("creating %s tensor: %w", s.cfg.InputNames[i], err)
		}
		values = append(values, v)
	}

	// nil entries are allocated by Run
	outputs := make([]ort.Value, len(s.cfg.OutputNames))
	defer func() {
		for _, v := range outputs {
			if v != nil {
				_ = v.Destroy()
			}
		}
	}()

	if err := s.session.Run(values, outputs); err != nil {
		return nil, fmt.Errorf("running inference: %w", err)
	}

	results := make([]Output, len(outputs))
	for i, v := range outputs {
		if v == nil {
			return nil, fmt.Errorf("no output produced for %s", s.cfg.OutputNames[i])
		}
		t, ok := v.(*ort.Tensor[float32])
		if !ok {
			return nil, fmt.Errorf("output %s: unexpected tensor type", s.cfg.OutputNames[i])
		}
		data := t.GetData()
		results[i] = Output{
			Shape: append([]int64(nil), t.GetShape()...),
			Data:  append([]float32(nil), data...),
		}
	}
	return results, nil
}

func newValue(in Input) (ort.Value, error) {
	shape := ort.NewShape(in.Shape...)
	switch {
	case in.Int64 != nil:
		return ort.NewTensor(shape, in.Int64)
	case in.Float32 != nil:
		return ort.NewTensor(shape, in.Float32)
	default:
		return nil, errors.New("input has no data")
	}
}

// Close releases ONNX resources.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	if s.session != nil {
		return s.session.Destroy()
	}
	return nil
}
