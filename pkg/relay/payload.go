package relay

import (
	"encoding/json"
	"strings"
	"time"
)

// DefaultEventType is the repository_dispatch discriminator the benchmark system listens for.
const DefaultEventType = "ucc-main-pr"

// Repo identifies a repository by owner and name.
type Repo struct {
	Owner string
	Name  string
}

func (r Repo) String() string {
	return r.Owner + "/" + r.Name
}

// ParseRepo splits "owner/name".
func ParseRepo(fullName string) (Repo, bool) {
	owner, name, ok := strings.Cut(strings.TrimSpace(fullName), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return Repo{}, false
	}
	return Repo{Owner: owner, Name: name}, true
}

// ScopedCredential is a short-lived token valid for a fixed set of repositories.
type ScopedCredential struct {
	Token        string
	ExpiresAt    time.Time
	Repositories []string
}

// DispatchPayload is the body of one repository_dispatch call.
type DispatchPayload struct {
	EventType  string
	CommitHash string
	PRNumber   int
}

// NewDispatchPayload builds the payload for event, or reports why it cannot.
func NewDispatchPayload(eventType string, event TriggerEvent) (DispatchPayload, error) {
	if event.MergeCommitSHA == "" {
		return DispatchPayload{}, &InvalidEventError{Reason: "pull request has no merge commit"}
	}
	if event.Number <= 0 {
		return DispatchPayload{}, &InvalidEventError{Reason: "pull request number missing"}
	}
	return DispatchPayload{
		EventType:  eventType,
		CommitHash: event.MergeCommitSHA,
		PRNumber:   event.Number,
	}, nil
}

// ClientPayload returns the structured fields attached to the dispatch.
func (p DispatchPayload) ClientPayload() json.RawMessage {
	raw, _ := json.Marshal(struct {
		CommitHash string `json:"commit_hash"`
		PRNumber   int    `json:"pr_number"`
	}{p.CommitHash, p.PRNumber})
	return raw
}
