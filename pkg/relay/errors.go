package relay

import "fmt"

// AuthorizationError is returned when a scoped credential cannot be minted.
type AuthorizationError struct {
	Repositories []string
	Err          error
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization failed for %v: %v", e.Repositories, e.Err)
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

// DispatchError is returned when the dispatch endpoint rejects the event.
type DispatchError struct {
	Target     Repo
	StatusCode int
	Err        error
}

func (e *DispatchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("dispatch to %s failed with status %d: %v", e.Target, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("dispatch to %s failed: %v", e.Target, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// InvalidEventError is returned when a guarded event cannot produce a payload.
type InvalidEventError struct {
	Reason string
}

func (e *InvalidEventError) Error() string {
	return "invalid event: " + e.Reason
}
