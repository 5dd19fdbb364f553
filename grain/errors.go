package grain

import "github.com/cockroachdb/errors"

var (
	// ErrActivation marks failures to bring an activation into existence.
	ErrActivation = errors.New("grain activation failed")
	// ErrInvoke marks failures raised while executing a grain method.
	ErrInvoke = errors.New("grain invocation failed")
	// ErrTimeout marks requests that did not settle within their window.
	ErrTimeout = errors.New("grain request timed out")

	ErrUnknownGrainType   = errors.New("unknown grain type")
	ErrRoleViolation      = errors.New("operation not permitted in this silo role")
	ErrAnomaly            = errors.New("correlation anomaly")
	ErrMethodNotFound     = errors.New("grain method not found")
	ErrActivationNotFound = errors.New("grain activation not found")
	ErrWorkerUnavailable  = errors.New("worker unavailable")
	ErrStopped            = errors.New("silo stopped")
	ErrNoStorage          = errors.New("no storage configured")
	ErrStateNotFound      = errors.New("grain state not found")
	// ErrDetached is returned by Base helpers on a grain built without
	// runtime services, as in unit tests.
	ErrDetached = errors.New("grain is not attached to a silo")
)

// ActivationError wraps err so that it reports as an activation failure
// while keeping the original cause reachable through errors.Is.
func ActivationError(identity Identity, err error) error {
	if errors.Is(err, ErrActivation) {
		return err
	}
	return errors.Mark(errors.Wrapf(err, "activating %s", identity), ErrActivation)
}

// InvokeError wraps err so that it reports as an invocation failure.
func InvokeError(identity Identity, method string, err error) error {
	if errors.Is(err, ErrInvoke) {
		return err
	}
	return errors.Mark(errors.Wrapf(err, "invoking %s on %s", method, identity), ErrInvoke)
}
