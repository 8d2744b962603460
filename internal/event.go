package internal

import (
	"errors"
	"time"

	"benchrelay/pkg/relay"
)

// Outcome is the notification published for every finished invocation.
type Outcome struct {
	RequestID  string    `json:"request_id,omitempty"`
	Repository string    `json:"repository,omitempty"`
	Action     string    `json:"action"`
	PRNumber   int       `json:"pr_number"`
	CommitHash string    `json:"commit_hash,omitempty"`
	EventType  string    `json:"event_type,omitempty"`
	State      string    `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// NewOutcome summarizes a relay result.
func NewOutcome(event relay.TriggerEvent, result relay.Result, err error) Outcome {
	out := Outcome{
		RequestID:  event.DeliveryID,
		Repository: event.Repository,
		Action:     string(event.Kind),
		PRNumber:   event.Number,
		CommitHash: event.MergeCommitSHA,
		State:      string(result.State),
		Reason:     result.Reason,
		FinishedAt: time.Now().UTC(),
	}
	if result.Payload != nil {
		out.EventType = result.Payload.EventType
	}
	if err != nil {
		out.Error = err.Error()
		out.ErrorKind = ErrorKind(err)
	}
	return out
}

// ErrorKind classifies relay errors for logs, notifications and status codes.
func ErrorKind(err error) string {
	var authErr *relay.AuthorizationError
	var dispatchErr *relay.DispatchError
	var invalidErr *relay.InvalidEventError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &authErr):
		return "authorization"
	case errors.As(err, &dispatchErr):
		return "dispatch"
	case errors.As(err, &invalidErr):
		return "invalid_event"
	default:
		return "internal"
	}
}
