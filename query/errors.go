package query

import "github.com/pkg/errors"

// ParseError wraps a malformed query string, carrying the offending
// fragment so callers can point at where parsing gave up.
type ParseError struct {
	Fragment string
	Err      error
}

func (e *ParseError) Error() string {
	return errors.Wrapf(e.Err, "query: parse error near %q", e.Fragment).Error()
}

func (e *ParseError) Unwrap() error { return e.Err }

func newParseError(fragment string, format string, args ...any) error {
	return &ParseError{Fragment: fragment, Err: errors.Errorf(format, args...)}
}

// EvaluationError wraps a failure during query execution: a type
// mismatch, a missing function, or an unknown resource.
type EvaluationError struct {
	Reason string
	Err    error
}

func (e *EvaluationError) Error() string {
	if e.Err == nil {
		return "query: evaluation error: " + e.Reason
	}
	return errors.Wrapf(e.Err, "query: evaluation error: %s", e.Reason).Error()
}

func (e *EvaluationError) Unwrap() error { return e.Err }

func newEvalError(reason string, err error) error {
	return &EvaluationError{Reason: reason, Err: err}
}
