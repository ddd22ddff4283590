package lifecycle

import "fmt"

// InstallError reports that a version could not be installed.
// The previously active version keeps serving.
type InstallError struct {
	Version string
	Cause   error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install %s: %v", e.Version, e.Cause)
}

func (e *InstallError) Unwrap() error {
	return e.Cause
}

// GCError reports that a superseded namespace could not be deleted.
// Deletion is retried at the next activation.
type GCError struct {
	Namespace string
	Cause     error
}

func (e *GCError) Error() string {
	return fmt.Sprintf("gc %s: %v", e.Namespace, e.Cause)
}

func (e *GCError) Unwrap() error {
	return e.Cause
}
