package domain

import "errors"

var (
	ErrValidation     = errors.New("invalid submission input")
	ErrConflict       = errors.New("a job for this story is already in flight")
	ErrIterationLimit = errors.New("story already has the maximum number of versions")
	ErrNotFound       = errors.New("not found")
)

// ErrorCode maps a submission-path error onto the wire code used by
// the HTTP error envelope.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	case errors.Is(err, ErrIterationLimit):
		return "ITERATION_LIMIT"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	default:
		return "INTERNAL"
	}
}
