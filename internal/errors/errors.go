// Package errors provides structured error types and exit codes for shipyard.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Exit codes returned by the CLI.
const (
	ExitSuccess          = 0 // Success
	ExitRuntimeError     = 1 // Pipeline failed (test failure, finalize step failure, etc.)
	ExitConfigError      = 2 // Configuration error (invalid pipeline file, bad flag, etc.)
	ExitEnvironmentError = 3 // Environment error (state database unavailable, missing tool, etc.)
)

// ErrorKind classifies a pipeline error.
type ErrorKind int

const (
	// KindRuntime is an unclassified runtime failure.
	KindRuntime ErrorKind = iota
	// KindSetup is fatal and never retried (e.g. a required cache is missing).
	KindSetup
	// KindExecution is a non-zero exit of a unit of work; retryable.
	KindExecution
	// KindTimeout is a unit of work exceeding its bound; retryable like KindExecution.
	KindTimeout
	// KindTolerated is a failure recorded on a secondary platform that does not fail the run.
	KindTolerated
	// KindFinalize halts the remaining finalize steps.
	KindFinalize
	// KindNotify is swallowed and only logged.
	KindNotify
	// KindConfig is an invalid configuration.
	KindConfig
	// KindEnvironment is a missing tool or unreachable dependency.
	KindEnvironment
	// KindCanceled marks an externally canceled or superseded run.
	KindCanceled
)

// String returns the name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindSetup:
		return "setup"
	case KindExecution:
		return "execution"
	case KindTimeout:
		return "timeout"
	case KindTolerated:
		return "tolerated"
	case KindFinalize:
		return "finalize"
	case KindNotify:
		return "notify"
	case KindConfig:
		return "config"
	case KindEnvironment:
		return "environment"
	case KindCanceled:
		return "canceled"
	default:
		return "runtime"
	}
}

// ErrCacheRequiredMissing is returned when a required cache has no entry under
// its key or any fallback key.
var ErrCacheRequiredMissing = stderrors.New("required cache entry missing")

// PipelineError is the base error type for shipyard.
type PipelineError struct {
	Kind    ErrorKind
	Message string
	Cell    string // Matrix cell ID if applicable
	Step    string // Stage or finalize step name if applicable
	Cause   error  // Underlying error
}

func (e *PipelineError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		if msg == "" {
			msg = e.Cause.Error()
		} else {
			msg = msg + ": " + e.Cause.Error()
		}
	}
	if e.Cell != "" && e.Step != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Cell, e.Step, msg)
	}
	if e.Cell != "" {
		return fmt.Sprintf("[%s] %s", e.Cell, msg)
	}
	if e.Step != "" {
		return fmt.Sprintf("%s: %s", e.Step, msg)
	}
	return msg
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether another attempt may be made after this error.
func (e *PipelineError) Retryable() bool {
	return e.Kind == KindExecution || e.Kind == KindTimeout
}

// ExitCode returns the appropriate exit code for this error.
func (e *PipelineError) ExitCode() int {
	switch e.Kind {
	case KindConfig:
		return ExitConfigError
	case KindEnvironment:
		return ExitEnvironmentError
	default:
		return ExitRuntimeError
	}
}

// New creates a new runtime error.
func New(message string) *PipelineError {
	return &PipelineError{Kind: KindRuntime, Message: message}
}

// Newf creates a new runtime error with formatting.
func Newf(format string, args ...any) *PipelineError {
	return New(fmt.Sprintf(format, args...))
}

// Setup creates a fatal setup error for a cell.
func Setup(cell string, cause error) *PipelineError {
	return &PipelineError{Kind: KindSetup, Message: "setup failed", Cell: cell, Cause: cause}
}

// Execution creates an execution failure for a cell.
func Execution(cell string, exitCode int) *PipelineError {
	return &PipelineError{
		Kind:    KindExecution,
		Message: fmt.Sprintf("exit code %d", exitCode),
		Cell:    cell,
	}
}

// Timeout creates a timeout failure for a cell.
func Timeout(cell string, bound fmt.Stringer) *PipelineError {
	return &PipelineError{
		Kind:    KindTimeout,
		Message: fmt.Sprintf("timed out after %s", bound),
		Cell:    cell,
	}
}

// Tolerated marks a cell failure that does not fail the aggregate.
func Tolerated(cell string, cause error) *PipelineError {
	return &PipelineError{Kind: KindTolerated, Message: "tolerated failure", Cell: cell, Cause: cause}
}

// Finalize creates an error for a failed finalize step.
func Finalize(step string, cause error) *PipelineError {
	return &PipelineError{Kind: KindFinalize, Message: "finalize step failed", Step: step, Cause: cause}
}

// Notify wraps a notification failure.
func Notify(cause error) *PipelineError {
	return &PipelineError{Kind: KindNotify, Message: "notification failed", Cause: cause}
}

// Canceled creates an error for an externally canceled run.
func Canceled(cause error) *PipelineError {
	return &PipelineError{Kind: KindCanceled, Message: "run canceled", Cause: cause}
}

// Config creates a new configuration error.
func Config(message string) *PipelineError {
	return &PipelineError{Kind: KindConfig, Message: message}
}

// Configf creates a new configuration error with formatting.
func Configf(format string, args ...any) *PipelineError {
	return Config(fmt.Sprintf(format, args...))
}

// Environment creates a new environment error.
func Environment(message string) *PipelineError {
	return &PipelineError{Kind: KindEnvironment, Message: message}
}

// Environmentf creates a new environment error with formatting.
func Environmentf(format string, args ...any) *PipelineError {
	return Environment(fmt.Sprintf(format, args...))
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) *PipelineError {
	return &PipelineError{Kind: KindRuntime, Message: message, Cause: err}
}

// KindOf returns the kind of the first PipelineError in err's chain, or
// KindRuntime when there is none.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if stderrors.As(err, &pe) {
		return pe.Kind
	}
	return KindRuntime
}

// IsSetup reports whether err is a fatal setup error.
func IsSetup(err error) bool {
	return err != nil && KindOf(err) == KindSetup
}

// IsRetryable reports whether err permits another attempt.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if stderrors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}

// GetExitCode returns the exit code for an error.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var pe *PipelineError
	if stderrors.As(err, &pe) {
		return pe.ExitCode()
	}
	return ExitRuntimeError
}
