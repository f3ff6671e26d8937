package errors

import (
	"errors"
	"fmt"
	"log/slog"
)

// Diagnostic records why a stage produced no (or partial) data. It travels next
// to the data in a result value; an empty result with no diagnostic means the
// source genuinely had nothing to return.
type Diagnostic struct {
	Type   ErrorType `json:"type"`
	Stage  string    `json:"stage"`
	Reason string    `json:"reason"`
	Err    error     `json:"-"`
}

// NewDiagnostic creates a diagnostic for the given stage.
func NewDiagnostic(errorType ErrorType, stage, reason string, err error) Diagnostic {
	return Diagnostic{Type: errorType, Stage: stage, Reason: reason, Err: err}
}

// DiagnosticFrom builds a diagnostic from an arbitrary error. Classified errors keep
// their type; transport-level classes collapse into source_unavailable.
func DiagnosticFrom(stage, reason string, err error) Diagnostic {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return NewDiagnostic(taxonomyType(ce.Type), stage, reason, err)
	}
	return NewDiagnostic(taxonomyType(classifyErrorType(err)), stage, reason, err)
}

func taxonomyType(t ErrorType) ErrorType {
	switch t {
	case ErrorTypeSourceUnavailable, ErrorTypeMalformedPayload, ErrorTypeRecordInvalid, ErrorTypePipelineGate:
		return t
	case ErrorTypeValidation:
		return ErrorTypeMalformedPayload
	default:
		return ErrorTypeSourceUnavailable
	}
}

// Error implements the error interface so a diagnostic can be returned or wrapped
// where an error is expected.
func (d Diagnostic) Error() string {
	if d.Err != nil {
		return fmt.Sprintf("%s: %s (%s): %v", d.Stage, d.Type, d.Reason, d.Err)
	}
	return fmt.Sprintf("%s: %s (%s)", d.Stage, d.Type, d.Reason)
}

// Unwrap returns the underlying error, if any.
func (d Diagnostic) Unwrap() error {
	return d.Err
}

// LogValue implements slog.LogValuer.
func (d Diagnostic) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("type", string(d.Type)),
		slog.String("stage", d.Stage),
		slog.String("reason", d.Reason),
	}
	if d.Err != nil {
		attrs = append(attrs, slog.String("error", d.Err.Error()))
	}
	return slog.GroupValue(attrs...)
}

// Diagnostics is an ordered collection of diagnostics gathered over a run.
type Diagnostics []Diagnostic

// Has reports whether any diagnostic carries the given type.
func (ds Diagnostics) Has(t ErrorType) bool {
	for _, d := range ds {
		if d.Type == t {
			return true
		}
	}
	return false
}

// Count returns the number of diagnostics with the given type.
func (ds Diagnostics) Count(t ErrorType) int {
	n := 0
	for _, d := range ds {
		if d.Type == t {
			n++
		}
	}
	return n
}

// Err joins all diagnostics into a single error, or nil when there are none.
func (ds Diagnostics) Err() error {
	if len(ds) == 0 {
		return nil
	}
	errs := make([]error, len(ds))
	for i, d := range ds {
		errs[i] = d
	}
	return errors.Join(errs...)
}
