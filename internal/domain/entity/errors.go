package entity

import "errors"

// Error kinds recorded on turns. These are stable strings: they appear in
// turns.jsonl, on the SSE feed, and in /health's last_error, so renaming
// one is a wire-format change.
const (
	ErrExecutorTimeout         = "executor_timeout"
	ErrExecutorCrash           = "executor_crash"
	ErrExecutorMalformedOutput = "executor_malformed_output"

	ErrAnnotationTimeout    = "annotation_timeout"
	ErrAnnotationBadPayload = "annotation_bad_payload"

	ErrVLMTimeout = "vlm_timeout"
	ErrVLMCrash   = "vlm_crash"
	ErrVLMEmpty   = "vlm_empty"

	ErrPersistFailure = "persist_failure"
	ErrConfigInvalid  = "config_invalid"
)

// Warning kinds. Warnings do not pause the engine.
const (
	WarnToolUnderflow = "tool_underflow"
)

// TurnError tags an underlying failure with the error kind that will be
// recorded on the turn.
type TurnError struct {
	Kind string
	Err  error
}

func (e *TurnError) Error() string {
	if e.Err == nil {
		return e.Kind
	}
	return e.Kind + ": " + e.Err.Error()
}

func (e *TurnError) Unwrap() error { return e.Err }

// ErrorKind extracts the turn error kind from err, falling back when the
// error carries no tag.
func ErrorKind(err error, fallback string) string {
	var te *TurnError
	if errors.As(err, &te) {
		return te.Kind
	}
	return fallback
}
