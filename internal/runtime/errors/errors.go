package errors

import sterrors "errors"

var (
	ErrDispatcherRequired = sterrors.New("listenable: dispatcher is required")
	ErrConfigRequired     = sterrors.New("listenable: configuration is required")
	ErrLoggerRequired     = sterrors.New("listenable: logger is required")
	ErrSourceRequired     = sterrors.New("listenable: entity source is required")
	ErrEntityTypeRequired = sterrors.New("listenable: entity type is required")
	ErrBindingRequired    = sterrors.New("listenable: at least one event binding is required")
	ErrEventNameRequired  = sterrors.New("listenable: event name is required")
	ErrEntityNotFound     = sterrors.New("listenable: entity not found")
	ErrQueueFull          = sterrors.New("listenable: async task queue is full")
	ErrExecutorStopped    = sterrors.New("listenable: async executor is stopped")
)

// ConfigValidationError wraps the validation failures reported by Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "listenable: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err in a ConfigValidationError, or returns nil
// when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
