// Package classifier provides window classifiers: an in-process ONNX Runtime session pool
// and an out-of-process Python worker speaking a length-prefixed binary protocol.
package classifier

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrPoolClosed is returned when a session is requested after shutdown.
	ErrPoolClosed = errors.New("session pool is closed")
	// ErrAcquireTimeout is returned when no session frees up within the acquire timeout.
	ErrAcquireTimeout = errors.New("timeout waiting for available session")
)

// ProcessingError describes a failed classifier invocation.
type ProcessingError struct {
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Sigmoid maps a logit to a probability in [0,1].
func Sigmoid(logit float64) float64 {
	return 1.0 / (1.0 + math.Exp(-logit))
}
