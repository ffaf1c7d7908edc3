package inference

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

const (
	testEncoderPath = "../testdata/encoder.onnx"
	testDecoderPath = "../testdata/decoder.onnx"
)

func encoderConfig() SessionConfig {
	return SessionConfig{
		ModelPath:   testEncoderPath,
		InputNames:  []string{DefaultEncoderInput},
		OutputNames: []string{DefaultEncoderOutput},
	}
}

// newTestSession opens the encoder model or skips the test.
func newTestSession(t *testing.T) *Session {
	t.Helper()
	skipIfNoModel(t, testEncoderPath)

	session, err := NewSession(encoderConfig())
	if err != nil {
		if isORTUnavailableError(err) {
			t.Skipf("Skipping: ONNX runtime not available: %v", err)
		}
		t.Fatalf("NewSession failed: %v", err)
	}
	return session
}

func skipIfNoModel(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); err != nil {
		t.Skipf("Skipping: model not available at %s", path)
	}
}

func imageInput() Input {
	return Input{Shape: []int64{1, 224, 224, 3}, Float32: make([]float32, 224*224*3)}
}

func TestNewSession_FileNotFound(t *testing.T) {
	cfg := encoderConfig()
	cfg.ModelPath = "../testdata/nonexistent.onnx"

	_, err := NewSession(cfg)
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got: %v", err)
	}
}

func TestNewSession_MissingNames(t *testing.T) {
	skipIfNoModel(t, testEncoderPath)

	_, err := NewSession(SessionConfig{ModelPath: testEncoderPath})
	if err == nil {
		t.Error("expected error for missing tensor names")
	}
}

func TestSession_Run(t *testing.T) {
	session := newTestSession(t)
	defer func() { _ = session.Close() }()

	outs, err := session.Run(context.Background(), imageInput())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(outs) != 1 || len(outs[0].Data) == 0 {
		t.Fatalf("expected one non-empty output, got %+v", outs)
	}
	if outs[0].Shape[0] != 1 {
		t.Errorf("expected batch dimension 1, got shape %v", outs[0].Shape)
	}
}

func TestSession_Run_WrongInputCount(t *testing.T) {
	session := newTestSession(t)
	defer func() { _ = session.Close() }()

	_, err := session.Run(context.Background(), imageInput(), imageInput())
	if err == nil {
		t.Error("expected error for wrong number of inputs")
	}
}

func TestSession_Run_ContextCancellation(t *testing.T) {
	session := newTestSession(t)
	defer func() { _ = session.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := session.Run(ctx, imageInput())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled error, got: %v", err)
	}
}

func TestSession_Run_ContextTimeout(t *testing.T) {
	session := newTestSession(t)
	defer func() { _ = session.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()

	_, err := session.Run(ctx, imageInput())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded error, got: %v", err)
	}
}

func TestSession_Close_Idempotent(t *testing.T) {
	session := newTestSession(t)

	if err := session.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestSession_Run_AfterClose(t *testing.T) {
	session := newTestSession(t)
	if err := session.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	_, err := session.Run(context.Background(), imageInput())
	if !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}

func TestNewValue_NoData(t *testing.T) {
	if _, err := newValue(Input{Shape: []int64{1}}); err == nil {
		t.Error("expected error for input without data")
	}
}

// isORTUnavailableError checks if the error indicates ONNX runtime is not available.
func isORTUnavailableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "onnxruntime") ||
		strings.Contains(errStr, "shared library") ||
		strings.Contains(errStr, "dylib") ||
		strings.Contains(errStr, ".so") ||
		strings.Contains(errStr, ".dll") ||
		strings.Contains(errStr, "not found") ||
		strings.Contains(errStr, "cannot open") ||
		strings.Contains(errStr, "initializing ONNX runtime")
}
