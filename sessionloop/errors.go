package sessionloop

import "fmt"

// loopError is the base error type shared by the session loop's typed
// errors.
type loopError struct {
	Message string
	Cause   error
}

func (e *loopError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *loopError) Unwrap() error {
	return e.Cause
}

// TransportError reports that the execution channel was unreachable or
// timed out. The engine treats it as a Failed outcome and retries the
// same script; it is never conflated with a script-runtime failure.
type TransportError struct {
	loopError
	Op string // "dispatch", "report", "image"
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %s", e.Op, e.loopError.Error())
}

// ScriptRuntimeError carries the executor's failure message verbatim.
// It is handled inside the retry loop via correction and only escapes
// wrapped in an UncorrectableError.
type ScriptRuntimeError struct {
	loopError
	Seq int // attempt the executor reported the failure for
}

// UncorrectableError reports that the external agent declined to
// produce a further correction. It aborts the current phase step; it
// is fatal to the session only during initial creation.
type UncorrectableError struct {
	loopError
	Seq    int    // last failed attempt
	Detail string // verbatim executor error that could not be fixed
}

// ConfigurationError reports out-of-range render configuration. It is
// raised before any dispatch; values are rejected, never clamped.
type ConfigurationError struct {
	loopError
	Field string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration %s: %s", e.Field, e.loopError.Error())
}

func newTransportError(op string, cause error) *TransportError {
	return &TransportError{
		loopError: loopError{Message: "execution channel failure", Cause: cause},
		Op:        op,
	}
}

func newConfigurationError(field, format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{
		loopError: loopError{Message: fmt.Sprintf(format, args...)},
		Field:     field,
	}
}
