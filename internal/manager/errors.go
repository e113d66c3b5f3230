package manager

import (
	"errors"
	"fmt"

	"batchd/internal/engine"
	"batchd/internal/sampling"
	"batchd/internal/scheduler"
)

// tooBusyError signals queue timeout/overflow for 429 mapping.
type tooBusyError struct{ modelID string }

func (e tooBusyError) Error() string { return "too busy: " + e.modelID }

// IsTooBusy reports whether err indicates backpressure (return 429). It
// also recognizes the engine's intake timeout.
func IsTooBusy(err error) bool {
	var tb tooBusyError
	return errors.As(err, &tb) || engine.IsTooBusy(err)
}

// ErrModelNotFound returns an error when a requested model id is not present in the registry.
type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

// IsModelNotFound reports whether the error indicates a missing model id.
func IsModelNotFound(err error) bool {
	var nf modelNotFoundError
	return errors.As(err, &nf)
}

// dependencyUnavailableError signals that a model could not be loaded or
// its engine stopped, so the HTTP layer can return 503 instead of 500.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a failed model runtime.
func IsDependencyUnavailable(err error) bool {
	var du dependencyUnavailableError
	return errors.As(err, &du) || errors.Is(err, engine.ErrClosed)
}

// budgetExceededError signals that a model does not fit the VRAM budget
// even after evicting every idle instance.
type budgetExceededError struct {
	modelID            string
	requiredMB, freeMB int
}

func (e budgetExceededError) Error() string {
	return fmt.Sprintf("vram budget exceeded loading %s: need %d MB, %d MB free", e.modelID, e.requiredMB, e.freeMB)
}

// IsBudgetExceeded reports whether err indicates an exhausted VRAM budget.
func IsBudgetExceeded(err error) bool {
	var be budgetExceededError
	return errors.As(err, &be)
}

// invalidRequestError rejects a malformed generate request.
type invalidRequestError struct{ msg string }

func (e invalidRequestError) Error() string { return "invalid request: " + e.msg }

// IsInvalidRequest reports whether err should map to 400. Sampling and
// engine validation failures and prompts the model cannot hold count.
func IsInvalidRequest(err error) bool {
	var ir invalidRequestError
	return errors.As(err, &ir) || sampling.IsInvalidConfig(err) || engine.IsInvalidRequest(err) ||
		errors.Is(err, scheduler.ErrPromptTooLong)
}
