package executor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrValidation is wrapped by every *ValidationError.
	ErrValidation = errors.New("invalid job request")
	// ErrEngineUnavailable means no admission slot could be granted.
	ErrEngineUnavailable = errors.New("engine unavailable")
	ErrJobNotFound       = errors.New("job not found")
	ErrUnitNotFound      = errors.New("execution unit not found")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("engine closed")
)

// Error kinds recorded on failed units.
const (
	ErrKindConnection  = "connection_error"
	ErrKindTimeout     = "command_timeout"
	ErrKindCommand     = "command_failure"
	ErrKindCancelled   = "cancelled"
	ErrKindUnavailable = "engine_unavailable"
	ErrKindValidation  = "validation_error"
	ErrKindInternal    = "internal"
)

// ValidationError lists everything wrong with a submission.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func (e *ValidationError) add(format string, args ...interface{}) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ValidationError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

// describe turns a validator failure into a sentence a caller can act on.
func describe(fe validator.FieldError) string {
	switch fe.StructField() {
	case "Commands":
		return "at least one command is required"
	case "SystemIDs":
		if fe.Tag() == "unique" {
			return "system_ids must not contain duplicates"
		}
		return "at least one system is required"
	case "FailurePolicy":
		if fe.Tag() == "required" {
			return "failure_policy is required (fail_fast or best_effort)"
		}
		return fmt.Sprintf("unknown failure_policy %q", fe.Value())
	case "Name":
		return "name is longer than 256 characters"
	}
	if strings.HasPrefix(fe.Field(), "Commands[") {
		return fmt.Sprintf("%s is empty", strings.ToLower(fe.Field()))
	}
	return fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
}
