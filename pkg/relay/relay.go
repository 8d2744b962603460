package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// State is the terminal state of one invocation.
type State string

const (
	StateIgnored    State = "ignored"
	StateSkipped    State = "skipped"
	StateDispatched State = "dispatched"
	StateFailed     State = "failed"
)

// Result describes how an invocation ended.
type Result struct {
	State   State
	Reason  string
	Payload *DispatchPayload
}

// CredentialIssuer mints a credential scoped to the configured repositories.
type CredentialIssuer interface {
	Issue(ctx context.Context) (ScopedCredential, error)
}

// Dispatcher sends one repository_dispatch event.
type Dispatcher interface {
	Dispatch(ctx context.Context, cred ScopedCredential, target Repo, payload DispatchPayload) error
}

// Observer is told about every terminal result.
type Observer interface {
	Observe(ctx context.Context, event TriggerEvent, result Result, err error)
}

// Config holds the relay's fixed parameters.
type Config struct {
	Trigger    Trigger
	Guard      Guard
	Conditions []Condition
	Target     Repo
	EventType  string
}

// Relay turns pull request events into benchmark dispatches.
// It holds no per-invocation state and may be shared across goroutines.
type Relay struct {
	cfg        Config
	issuer     CredentialIssuer
	dispatcher Dispatcher
	observers  []Observer
	logger     *log.Logger
}

// New constructs a Relay.
func New(cfg Config, issuer CredentialIssuer, dispatcher Dispatcher, logger *log.Logger, observers ...Observer) (*Relay, error) {
	if issuer == nil || dispatcher == nil {
		return nil, errors.New("relay requires a credential issuer and a dispatcher")
	}
	if cfg.Target.Owner == "" || cfg.Target.Name == "" {
		return nil, errors.New("relay dispatch target is required")
	}
	if cfg.EventType == "" {
		cfg.EventType = DefaultEventType
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Relay{
		cfg:        cfg,
		issuer:     issuer,
		dispatcher: dispatcher,
		observers:  observers,
		logger:     logger,
	}, nil
}

// Handle runs one invocation for event.
func (r *Relay) Handle(ctx context.Context, event TriggerEvent) (Result, error) {
	return r.HandleWithLogger(ctx, event, r.logger)
}

// HandleWithLogger is Handle with a per-invocation logger.
func (r *Relay) HandleWithLogger(ctx context.Context, event TriggerEvent, logger *log.Logger) (Result, error) {
	if logger == nil {
		logger = r.logger
	}
	result, err := r.handle(ctx, event, logger)
	logger.Printf("relay pr=%d kind=%s state=%s reason=%q", event.Number, event.Kind, result.State, result.Reason)
	for _, observer := range r.observers {
		observer.Observe(ctx, event, result, err)
	}
	return result, err
}

func (r *Relay) handle(ctx context.Context, event TriggerEvent, logger *log.Logger) (Result, error) {
	if !r.cfg.Trigger.Accepts(event) {
		return Result{State: StateIgnored, Reason: "action or base branch not watched"}, nil
	}
	if !r.cfg.Guard.Evaluate(event) {
		return Result{State: StateSkipped, Reason: fmt.Sprintf("label %q not present", r.cfg.Guard.Label)}, nil
	}

	for _, cond := range r.cfg.Conditions {
		ok, err := cond.Matches(event)
		if err != nil {
			return Result{State: StateFailed, Reason: "filter evaluation failed"}, fmt.Errorf("filter: %w", err)
		}
		if !ok {
			return Result{State: StateIgnored, Reason: "filter did not match"}, nil
		}
	}

	payload, err := NewDispatchPayload(r.cfg.EventType, event)
	if err != nil {
		return Result{State: StateFailed, Reason: err.Error()}, err
	}

	cred, err := r.issuer.Issue(ctx)
	if err != nil {
		var authErr *AuthorizationError
		if !errors.As(err, &authErr) {
			err = &AuthorizationError{Err: err}
		}
		return Result{State: StateFailed, Reason: "credential issuance failed", Payload: &payload}, err
	}
	logger.Printf("credential issued repositories=%v expires_at=%s", cred.Repositories, cred.ExpiresAt.Format("15:04:05"))

	if err := r.dispatcher.Dispatch(ctx, cred, r.cfg.Target, payload); err != nil {
		var dispatchErr *DispatchError
		if !errors.As(err, &dispatchErr) {
			err = &DispatchError{Target: r.cfg.Target, Err: err}
		}
		return Result{State: StateFailed, Reason: "dispatch failed", Payload: &payload}, err
	}
	return Result{
		State:   StateDispatched,
		Reason:  fmt.Sprintf("dispatched %s to %s", payload.EventType, r.cfg.Target),
		Payload: &payload,
	}, nil
}
