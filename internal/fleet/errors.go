package fleet

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds. Match with errors.Is.
var (
	ErrConfiguration = stderrors.New("configuration error")
	ErrLaunch        = stderrors.New("launch error")
	ErrResolution    = stderrors.New("resolution error")
	ErrOrchestration = stderrors.New("orchestration error")
)

// Error is a classified orchestration failure.
type Error struct {
	Kind   error
	Region string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Region != "" {
		msg += " in " + e.Region
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the error's kind.
func (e *Error) Is(target error) bool { return target == e.Kind }

func classify(kind error, region string, err error) error {
	return errors.WithStack(&Error{Kind: kind, Region: region, Err: err})
}

// ConfigurationError reports an invalid request or environment.
func ConfigurationError(format string, args ...any) error {
	return classify(ErrConfiguration, "", fmt.Errorf(format, args...))
}

// LaunchError reports a provider rejecting a task launch.
func LaunchError(region string, err error) error {
	return classify(ErrLaunch, region, err)
}

// ResolutionError reports a failure while waiting for task addresses.
func ResolutionError(region string, err error) error {
	return classify(ErrResolution, region, err)
}

// OrchestrationError reports a run-level failure such as no ready workers.
func OrchestrationError(format string, args ...any) error {
	return classify(ErrOrchestration, "", fmt.Errorf(format, args...))
}

// Kind returns the classified kind of err, or nil when err is unclassified.
func Kind(err error) error {
	var fe *Error
	if stderrors.As(err, &fe) {
		return fe.Kind
	}
	return nil
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// StackTrace renders err with the stack captured where it was classified.
func StackTrace(err error) string {
	if err == nil {
		return ""
	}
	var st stackTracer
	if stderrors.As(err, &st) {
		return fmt.Sprintf("%s%+v", err.Error(), st.StackTrace())
	}
	return fmt.Sprintf("%+v", err)
}
