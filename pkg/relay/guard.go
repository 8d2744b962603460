package relay

import "strings"

// DefaultLabel opts a pull request into benchmark previews.
const DefaultLabel = "preview-benchmark-results"

// Guard decides whether an event should be dispatched.
type Guard struct {
	Label string
}

// Evaluate is a pure set-membership check on the event's labels.
func (g Guard) Evaluate(event TriggerEvent) bool {
	if g.Label == "" {
		return false
	}
	return event.HasLabel(g.Label)
}

// Condition narrows which events the relay accepts.
type Condition interface {
	Matches(event TriggerEvent) (bool, error)
}

// Trigger mirrors the host platform's event filter: action kinds on one base branch.
type Trigger struct {
	BaseBranch string
	Kinds      []EventKind
}

// Accepts reports whether the event matches the configured kinds and base branch.
func (t Trigger) Accepts(event TriggerEvent) bool {
	kinds := t.Kinds
	if len(kinds) == 0 {
		kinds = DefaultKinds
	}
	kindOK := false
	for _, kind := range kinds {
		if kind == event.Kind {
			kindOK = true
			break
		}
	}
	if !kindOK {
		return false
	}
	if t.BaseBranch == "" {
		return true
	}
	return strings.TrimPrefix(event.BaseRef, "refs/heads/") == t.BaseBranch
}
