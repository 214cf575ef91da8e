package dispatch

import (
	"errors"
	"fmt"

	"behaviorwatch/internal/model"
)

const (
	KindTimeout         = "timeout"
	KindWorkerFailure   = "worker_failure"
	KindMalformedOutput = "malformed_output"
	KindPayloadTooLarge = "payload_too_large"
)

// Error is the dispatcher's taxonomy. Kind distinguishes "ran past the
// deadline and was killed", "crashed", "ran but produced garbage" and
// "rejected before staging".
type Error struct {
	Kind     string
	Behavior model.BehaviorType
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Kind
	if e.Behavior != "" {
		msg = fmt.Sprintf("%s: %s", e.Behavior, e.Kind)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Stderr != "" {
		msg = fmt.Sprintf("%s (stderr: %s)", msg, e.Stderr)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrKind returns the taxonomy kind of err, or "" for non-dispatch
// errors (including context cancellation from a session teardown).
func ErrKind(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// failedResult fills an InferenceResult slot with a dispatch error so a
// batch can report per-item failures without aborting siblings.
func failedResult(behavior model.BehaviorType, derr *Error) model.InferenceResult {
	msg := derr.Kind
	if derr.Err != nil {
		msg = derr.Err.Error()
	}
	if derr.Stderr != "" {
		msg = derr.Stderr
	}
	return model.InferenceResult{
		Type:      behavior,
		Error:     msg,
		ErrorKind: derr.Kind,
	}
}
