package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"benchrelay/internal"
)

func testConfig(t *testing.T, baseURL string, extra ...string) internal.Config {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pemText := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	doc := "github:\n  app_id: 7\n  base_url: " + baseURL + "\n" + strings.Join(extra, "")
	cfg, err := internal.ParseConfig([]byte(doc))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.GitHub.PrivateKey = string(pemText)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	return cfg
}

func eventBody(labels ...string) []byte {
	names := make([]string, 0, len(labels))
	for _, label := range labels {
		names = append(names, `{"name":"`+label+`"}`)
	}
	return []byte(`{"action":"labeled","number":12,"pull_request":{"number":12,"merge_commit_sha":"deadbeef","labels":[` +
		strings.Join(names, ",") + `],"base":{"ref":"main"}}}`)
}

type fakeGitHub struct {
	mu            sync.Mutex
	tokens        int
	tokenRepos    []string
	dispatches    []map[string]interface{}
	dispatchPaths []string
	status        int
}

func (f *fakeGitHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/repos/unitaryfund/ucc/installation":
		_, _ = w.Write([]byte(`{"id":5}`))
	case r.Method == http.MethodPost && r.URL.Path == "/app/installations/5/access_tokens":
		f.tokens++
		var body struct {
			Repositories []string `json:"repositories"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.tokenRepos = body.Repositories
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"token":"ghs_run","expires_at":"2030-01-01T00:00:00Z"}`))
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/repos/unitaryfund/") && strings.HasSuffix(r.URL.Path, "/dispatches"):
		f.dispatchPaths = append(f.dispatchPaths, r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		var decoded map[string]interface{}
		_ = json.Unmarshal(body, &decoded)
		f.dispatches = append(f.dispatches, decoded)
		if f.status != 0 {
			w.WriteHeader(f.status)
			_, _ = w.Write([]byte(`{"message":"Not Found"}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// TestRunOnceDispatches tests a labeled event flowing through the one-shot path.
func TestRunOnceDispatches(t *testing.T) {
	fake := &fakeGitHub{}
	server := httptest.NewServer(fake)
	defer server.Close()

	var out bytes.Buffer
	if err := runOnce(context.Background(), testConfig(t, server.URL), "pull_request", eventBody("preview-benchmark-results"), &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if fake.tokens != 1 || len(fake.dispatches) != 1 {
		t.Fatalf("expected one token and one dispatch, got %d and %d", fake.tokens, len(fake.dispatches))
	}
	if strings.Join(fake.tokenRepos, ",") != "ucc,ucc-bench" {
		t.Fatalf("expected token scoped to ucc and ucc-bench, got %v", fake.tokenRepos)
	}
	if fake.dispatchPaths[0] != "/repos/unitaryfund/ucc-bench/dispatches" {
		t.Fatalf("unexpected dispatch path %s", fake.dispatchPaths[0])
	}
	dispatch := fake.dispatches[0]
	if dispatch["event_type"] != "ucc-main-pr" {
		t.Fatalf("unexpected event type %v", dispatch["event_type"])
	}
	payload, _ := dispatch["client_payload"].(map[string]interface{})
	if payload["commit_hash"] != "deadbeef" || payload["pr_number"] != float64(12) {
		t.Fatalf("unexpected client payload %v", payload)
	}

	var summary runSummary
	if err := json.Unmarshal(out.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.State != "dispatched" {
		t.Fatalf("expected dispatched summary, got %+v", summary)
	}
}

// TestRunOnceTokenScopeIndependentOfTarget tests that the token names both repositories when dispatching to ucc.
func TestRunOnceTokenScopeIndependentOfTarget(t *testing.T) {
	fake := &fakeGitHub{}
	server := httptest.NewServer(fake)
	defer server.Close()

	cfg := testConfig(t, server.URL, "dispatch:\n  repository: ucc\n")
	var out bytes.Buffer
	if err := runOnce(context.Background(), cfg, "pull_request", eventBody("preview-benchmark-results"), &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.Join(fake.tokenRepos, ",") != "ucc,ucc-bench" {
		t.Fatalf("expected token scoped to ucc and ucc-bench, got %v", fake.tokenRepos)
	}
	if len(fake.dispatchPaths) != 1 || fake.dispatchPaths[0] != "/repos/unitaryfund/ucc/dispatches" {
		t.Fatalf("expected one dispatch to ucc, got %v", fake.dispatchPaths)
	}
}

// TestRunOnceSkipsWithoutLabel tests that no credential is requested for an unlabeled event.
func TestRunOnceSkipsWithoutLabel(t *testing.T) {
	fake := &fakeGitHub{}
	server := httptest.NewServer(fake)
	defer server.Close()

	var out bytes.Buffer
	if err := runOnce(context.Background(), testConfig(t, server.URL), "pull_request_target", eventBody("docs"), &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if fake.tokens != 0 || len(fake.dispatches) != 0 {
		t.Fatalf("expected no GitHub calls")
	}
	if !strings.Contains(out.String(), `"skipped"`) {
		t.Fatalf("expected skipped summary, got %s", out.String())
	}
}

// TestRunOnceDispatchFailureExitsNonZero tests that a rejected dispatch fails the run.
func TestRunOnceDispatchFailureExitsNonZero(t *testing.T) {
	fake := &fakeGitHub{status: http.StatusNotFound}
	server := httptest.NewServer(fake)
	defer server.Close()

	var out bytes.Buffer
	err := runOnce(context.Background(), testConfig(t, server.URL), "pull_request", eventBody("preview-benchmark-results"), &out)
	var exitErr exitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 1 {
		t.Fatalf("expected exit code 1, got %v", err)
	}
	if len(fake.dispatches) != 1 {
		t.Fatalf("expected a single dispatch attempt, got %d", len(fake.dispatches))
	}
	if !strings.Contains(out.String(), `"error_kind": "dispatch"`) {
		t.Fatalf("expected dispatch error kind, got %s", out.String())
	}
}

// TestRunOnceIgnoresOtherEvents tests that non pull request events are a no-op.
func TestRunOnceIgnoresOtherEvents(t *testing.T) {
	var out bytes.Buffer
	if err := runOnce(context.Background(), internal.Config{}, "push", []byte(`{}`), &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), `"ignored"`) {
		t.Fatalf("expected ignored summary, got %s", out.String())
	}
}
