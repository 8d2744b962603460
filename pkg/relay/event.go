package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// EventKind is the pull request action that produced a TriggerEvent.
type EventKind string

const (
	KindOpened      EventKind = "opened"
	KindSynchronize EventKind = "synchronize"
	KindLabeled     EventKind = "labeled"
	KindUnlabeled   EventKind = "unlabeled"
)

// DefaultKinds are the pull request actions the relay reacts to.
var DefaultKinds = []EventKind{KindOpened, KindSynchronize, KindLabeled, KindUnlabeled}

// PullRequestEventNames are the webhook event names carrying pull request payloads.
var PullRequestEventNames = []string{"pull_request", "pull_request_target"}

// TriggerEvent is the immutable view of one pull request notification.
type TriggerEvent struct {
	Kind           EventKind
	Number         int
	MergeCommitSHA string
	BaseRef        string
	Repository     string
	DeliveryID     string

	labels map[string]struct{}
	raw    []byte
}

// NewTriggerEvent builds an event with the given label set.
func NewTriggerEvent(kind EventKind, number int, mergeCommitSHA string, labels ...string) TriggerEvent {
	event := TriggerEvent{
		Kind:           kind,
		Number:         number,
		MergeCommitSHA: mergeCommitSHA,
		labels:         make(map[string]struct{}, len(labels)),
	}
	for _, label := range labels {
		event.labels[label] = struct{}{}
	}
	return event
}

// HasLabel reports whether the pull request carried label at delivery time.
func (e TriggerEvent) HasLabel(label string) bool {
	_, ok := e.labels[label]
	return ok
}

// Labels returns the label set in sorted order.
func (e TriggerEvent) Labels() []string {
	out := make([]string, 0, len(e.labels))
	for label := range e.labels {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}

// Raw returns a copy of the webhook body the event was parsed from.
func (e TriggerEvent) Raw() []byte {
	if e.raw == nil {
		return nil
	}
	return append([]byte(nil), e.raw...)
}

// IsPullRequestEvent reports whether name is a webhook event carrying a pull request.
func IsPullRequestEvent(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, candidate := range PullRequestEventNames {
		if name == candidate {
			return true
		}
	}
	return false
}

// ParsePullRequestEvent decodes a pull_request or pull_request_target webhook body.
func ParsePullRequestEvent(name string, raw []byte) (TriggerEvent, error) {
	if !IsPullRequestEvent(name) {
		return TriggerEvent{}, fmt.Errorf("unsupported event %q", name)
	}
	var payload struct {
		Action      string `json:"action"`
		Number      int    `json:"number"`
		PullRequest *struct {
			Number         int     `json:"number"`
			MergeCommitSHA *string `json:"merge_commit_sha"`
			Labels         []struct {
				Name string `json:"name"`
			} `json:"labels"`
			Base struct {
				Ref string `json:"ref"`
			} `json:"base"`
		} `json:"pull_request"`
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return TriggerEvent{}, fmt.Errorf("decode %s payload: %w", name, err)
	}
	if payload.PullRequest == nil {
		return TriggerEvent{}, errors.New("pull_request missing from payload")
	}

	number := payload.PullRequest.Number
	if number == 0 {
		number = payload.Number
	}
	labels := make([]string, 0, len(payload.PullRequest.Labels))
	for _, label := range payload.PullRequest.Labels {
		labels = append(labels, label.Name)
	}
	sha := ""
	if payload.PullRequest.MergeCommitSHA != nil {
		sha = *payload.PullRequest.MergeCommitSHA
	}

	event := NewTriggerEvent(EventKind(payload.Action), number, sha, labels...)
	event.BaseRef = payload.PullRequest.Base.Ref
	event.Repository = payload.Repository.FullName
	event.raw = append([]byte(nil), raw...)
	return event, nil
}
