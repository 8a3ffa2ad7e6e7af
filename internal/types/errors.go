package types

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	ErrConfiguration       = errors.New("configuration error")
	ErrNoCandidate         = errors.New("no suitable models available")
	ErrProviderUnavailable = errors.New("all providers unavailable")
	ErrProbeTimeout        = errors.New("health probe timed out")
)

// RoutingError carries the error kind together with the task and provider it concerns
type RoutingError struct {
	Kind     error
	TaskType string
	Provider string
	Message  string
	Err      error
}

func (e *RoutingError) Error() string {
	msg := e.Kind.Error()
	if e.TaskType != "" {
		msg += fmt.Sprintf(" (task_type=%s)", e.TaskType)
	}
	if e.Provider != "" {
		msg += fmt.Sprintf(" (provider=%s)", e.Provider)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RoutingError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Retryable is true for transient failures the caller may retry with backoff
func (e *RoutingError) Retryable() bool {
	return errors.Is(e.Kind, ErrProviderUnavailable)
}

func NewConfigurationError(taskType, message string) *RoutingError {
	return &RoutingError{Kind: ErrConfiguration, TaskType: taskType, Message: message}
}

func NewNoCandidateError(taskType, message string) *RoutingError {
	return &RoutingError{Kind: ErrNoCandidate, TaskType: taskType, Message: message}
}

func NewProviderUnavailableError(taskType string, cause error) *RoutingError {
	return &RoutingError{Kind: ErrProviderUnavailable, TaskType: taskType, Err: cause}
}

func NewProbeTimeoutError(provider string, cause error) *RoutingError {
	return &RoutingError{Kind: ErrProbeTimeout, Provider: provider, Err: cause}
}

// IsRetryable reports whether err is a retryable routing failure
func IsRetryable(err error) bool {
	var re *RoutingError
	if errors.As(err, &re) {
		return re.Retryable()
	}
	return false
}
