package models

import "fmt"

// InvalidArgumentError reports bad configuration or API misuse detected
// synchronously. It is fatal only to the offending call.
type InvalidArgumentError struct {
	Message string
}

func (e *InvalidArgumentError) Error() string { return "invalid argument: " + e.Message }

func newInvalidArgumentError(format string, args ...any) error {
	return &InvalidArgumentError{Message: fmt.Sprintf(format, args...)}
}

// RegistrationError reports a Model lookup/registration conflict on a
// ModelsClient.
type RegistrationError struct {
	Name string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration error: model %q already registered", e.Name)
}

// TimeoutError is the rejection reason of an Optimistic confirmation promise
// whose batch did not fully confirm within its effective timeout.
type TimeoutError struct {
	TimeoutMs int64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("optimistic confirmation timed out after %dms", e.TimeoutMs)
}

// CancelledError is surfaced when a caller explicitly cancels an Optimistic
// submission, or when the owning Model is disposed.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	if e.Reason == "" {
		return "optimistic submission cancelled"
	}
	return "optimistic submission cancelled: " + e.Reason
}

// DiscardedError is surfaced to outstanding optimistic events that are
// rejected during a resync because the snapshot may already reflect some of
// them.
type DiscardedError struct{}

func (e *DiscardedError) Error() string {
	return "optimistic event discarded: model resynced before confirmation"
}

// MergeError wraps a panic or error raised by the caller-supplied merge
// function. It is terminal for the owning Model.
type MergeError struct {
	Cause error
}

func (e *MergeError) Error() string { return "merge function failed: " + e.Cause.Error() }

func (e *MergeError) Unwrap() error { return e.Cause }

// StreamFatalError reports a fatal broker channel condition (permission
// denied, channel failed state). Terminal for the owning Model.
type StreamFatalError struct {
	Cause error
}

func (e *StreamFatalError) Error() string { return "stream fatal error: " + e.Cause.Error() }

func (e *StreamFatalError) Unwrap() error { return e.Cause }

// RejectedError is the rejection reason surfaced when the server rejects a
// submitted mutation outright.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return "optimistic event rejected by server"
	}
	return "optimistic event rejected by server: " + e.Reason
}
