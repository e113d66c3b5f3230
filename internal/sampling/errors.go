package sampling

import "errors"

// invalidConfigError reports a sampling parameter outside its domain.
type invalidConfigError struct {
	field  string
	reason string
}

func (e invalidConfigError) Error() string {
	return "invalid sampling config: " + e.field + " " + e.reason
}

func invalid(field, reason string) error { return invalidConfigError{field: field, reason: reason} }

// ErrInvalidConfig constructs an invalid configuration error for callers
// that validate request-level constraints.
func ErrInvalidConfig(field, reason string) error { return invalid(field, reason) }

// IsInvalidConfig reports whether err is a rejected sampling configuration.
func IsInvalidConfig(err error) bool {
	var e invalidConfigError
	return errors.As(err, &e)
}
