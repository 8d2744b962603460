package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"benchrelay/pkg/relay"
)

// Dispatcher sends repository_dispatch events with a scoped credential.
type Dispatcher struct {
	baseURL string
	timeout time.Duration
}

// NewDispatcher creates a Dispatcher against the given API base URL.
func NewDispatcher(baseURL string, timeout time.Duration) *Dispatcher {
	return &Dispatcher{baseURL: normalizeBaseURL(baseURL), timeout: timeout}
}

// Dispatch performs exactly one POST /repos/{owner}/{repo}/dispatches call.
func (d *Dispatcher) Dispatch(ctx context.Context, cred relay.ScopedCredential, target relay.Repo, payload relay.DispatchPayload) error {
	if cred.Token == "" {
		return &relay.DispatchError{Target: target, Err: errors.New("credential token is empty")}
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cred.Token})
	httpClient := oauth2.NewClient(ctx, ts)
	if d.timeout > 0 {
		httpClient.Timeout = d.timeout
	}
	client, err := newClient(httpClient, d.baseURL)
	if err != nil {
		return &relay.DispatchError{Target: target, Err: err}
	}

	clientPayload := payload.ClientPayload()
	_, resp, err := client.Repositories.Dispatch(ctx, target.Owner, target.Name, gh.DispatchRequestOptions{
		EventType:     payload.EventType,
		ClientPayload: &clientPayload,
	})
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return &relay.DispatchError{Target: target, StatusCode: status, Err: err}
	}
	return nil
}

// newClient builds a go-github client rooted at baseURL.
func newClient(httpClient *http.Client, baseURL string) (*gh.Client, error) {
	client := gh.NewClient(httpClient)
	if baseURL == "" || baseURL == defaultBaseURL {
		return client, nil
	}
	parsed, err := url.Parse(baseURL + "/")
	if err != nil {
		return nil, fmt.Errorf("parse github base url: %w", err)
	}
	client.BaseURL = parsed
	return client, nil
}
