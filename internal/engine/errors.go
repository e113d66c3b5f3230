package engine

import "errors"

// ErrClosed is returned by Submit once the engine loop has stopped.
var ErrClosed = errors.New("engine: closed")

// backendError wraps a failed forward pass or cache operation. Every
// sequence of the failed batch finishes with it.
type backendError struct{ err error }

func (e backendError) Error() string { return "backend: " + e.err.Error() }
func (e backendError) Unwrap() error { return e.err }

// ErrBackend wraps err as a backend failure.
func ErrBackend(err error) error { return backendError{err: err} }

// IsBackendError reports whether err came from the model backend.
func IsBackendError(err error) bool {
	var be backendError
	return errors.As(err, &be)
}

// tooBusyError signals that the intake queue stayed full for MaxWait.
type tooBusyError struct{ modelID string }

func (e tooBusyError) Error() string { return "too busy: " + e.modelID }

// IsTooBusy reports whether err indicates backpressure.
func IsTooBusy(err error) bool {
	var tb tooBusyError
	return errors.As(err, &tb)
}

// invalidRequestError rejects a submission before it is queued.
type invalidRequestError struct{ msg string }

func (e invalidRequestError) Error() string { return "invalid request: " + e.msg }

// IsInvalidRequest reports whether err rejected a malformed submission.
func IsInvalidRequest(err error) bool {
	var ir invalidRequestError
	return errors.As(err, &ir)
}
