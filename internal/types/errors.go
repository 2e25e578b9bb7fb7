package types

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures. None of them is process-fatal.
type Kind int

const (
	// KindUnknown is an unclassified failure
	KindUnknown Kind = iota
	// KindAdmissionDrop is a backpressure drop (non-fatal, counted)
	KindAdmissionDrop
	// KindDetectionMiss means no face this cycle (emits no_face)
	KindDetectionMiss
	// KindInferenceFailure is a failed or timed-out model call (forces Detecting, counted as dropped)
	KindInferenceFailure
	// KindTransportFailure is a connection failure (tears the session down)
	KindTransportFailure
	// KindConfigError is invalid configuration at session start (fatal to that session)
	KindConfigError
)

// String returns the kind name used in logs
func (k Kind) String() string {
	switch k {
	case KindAdmissionDrop:
		return "admission_drop"
	case KindDetectionMiss:
		return "detection_miss"
	case KindInferenceFailure:
		return "inference_failure"
	case KindTransportFailure:
		return "transport_failure"
	case KindConfigError:
		return "config_error"
	default:
		return "unknown"
	}
}

// Sentinel errors, one per kind. PipelineError unwraps to them so callers can use errors.Is.
var (
	ErrAdmissionDrop    = errors.New("admission drop")
	ErrDetectionMiss    = errors.New("detection miss")
	ErrInferenceFailure = errors.New("inference failure")
	ErrTransportFailure = errors.New("transport failure")
	ErrConfig           = errors.New("config error")
)

func (k Kind) sentinel() error {
	switch k {
	case KindAdmissionDrop:
		return ErrAdmissionDrop
	case KindDetectionMiss:
		return ErrDetectionMiss
	case KindInferenceFailure:
		return ErrInferenceFailure
	case KindTransportFailure:
		return ErrTransportFailure
	case KindConfigError:
		return ErrConfig
	default:
		return nil
	}
}

// PipelineError carries the failure kind, the operation and the cause.
type PipelineError struct {
	Kind Kind
	Op   string
	Err  error
}

// NewError builds a PipelineError
func NewError(kind Kind, op string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Op: op, Err: err}
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the cause and the kind sentinel
func (e *PipelineError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf returns the Kind of err, or KindUnknown
func KindOf(err error) Kind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}
