package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for session and transfer failures. Callers should test
// with errors.Is rather than comparing messages.
var (
	// ErrNotOpen is returned when an operation requiring a live
	// environment is invoked before Open or after Close.
	ErrNotOpen = errors.New("session is not open")

	// ErrUnsupportedOperation is returned when the active language does
	// not support the requested operation, e.g. library installation.
	ErrUnsupportedOperation = errors.New("operation not supported for language")

	// ErrRemoteFileNotFound is returned by CopyFrom when the remote path
	// does not exist in the environment.
	ErrRemoteFileNotFound = errors.New("remote file not found")

	// ErrTimeout is reported by the supervisor when a wrapped operation
	// exceeds its wall-clock budget.
	ErrTimeout = errors.New("timeout reached")
)

// ProvisionError indicates the base image could not be resolved (pull or
// build failed). Fatal to Open; not retried.
type ProvisionError struct {
	Image string
	Err   error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning image %q: %v", e.Image, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// EnvironmentStartError indicates the environment could not be started from
// a resolved image. Fatal to Open.
type EnvironmentStartError struct {
	Image string
	Err   error
}

func (e *EnvironmentStartError) Error() string {
	return fmt.Sprintf("starting environment from image %q: %v", e.Image, e.Err)
}

func (e *EnvironmentStartError) Unwrap() error { return e.Err }
