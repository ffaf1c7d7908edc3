package decode

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions callers may need to handle differently.
var (
	// ErrInvalidConfig indicates decoder options outside their valid range.
	ErrInvalidConfig = errors.New("decode: invalid configuration")

	// ErrDecodeFailed indicates every decoding strategy, fallback included, failed.
	ErrDecodeFailed = errors.New("decode: all decoding strategies failed")

	// ErrUnknownMode indicates a decode mode other than beam_search or greedy.
	ErrUnknownMode = errors.New("decode: unknown mode")
)

// ScorerError reports a Scorer call that failed or returned a malformed
// distribution.
type ScorerError struct {
	Step int
	Err  error
}

func (e *ScorerError) Error() string {
	return fmt.Sprintf("decode: scorer failed at step %d: %v", e.Step, e.Err)
}

func (e *ScorerError) Unwrap() error { return e.Err }
