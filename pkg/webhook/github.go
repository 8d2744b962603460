package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/webhooks/v6/github"
	"github.com/google/uuid"

	"benchrelay/internal"
	"benchrelay/pkg/relay"
)

// Relay is the part of relay.Relay the handler depends on.
type Relay interface {
	HandleWithLogger(ctx context.Context, event relay.TriggerEvent, logger *log.Logger) (relay.Result, error)
}

// GitHubHandler turns pull_request webhook deliveries into relay invocations.
type GitHubHandler struct {
	hook         *github.Webhook
	fallbackHook *github.Webhook
	secret       string
	relay        Relay
	logger       *log.Logger
	maxBody      int64
	timeout      time.Duration
	debugEvents  bool
}

// HandlerOptions configures a GitHubHandler.
type HandlerOptions struct {
	Secret      string
	MaxBody     int64
	Timeout     time.Duration
	DebugEvents bool
	Logger      *log.Logger
}

// metricsKey labels request counters. Header values are client controlled
// and never become map keys.
const metricsKey = "github"

var githubEvents = []github.Event{
	github.PingEvent,
	github.PullRequestEvent,
}

type response struct {
	RequestID string `json:"request_id"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewGitHubHandler creates a new GitHubHandler.
func NewGitHubHandler(r Relay, opts HandlerOptions) (*GitHubHandler, error) {
	if r == nil {
		return nil, errors.New("github handler requires a relay")
	}
	hook, err := github.New(github.Options.Secret(opts.Secret))
	if err != nil {
		return nil, err
	}
	fallbackHook, err := github.New()
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &GitHubHandler{
		hook:         hook,
		fallbackHook: fallbackHook,
		secret:       opts.Secret,
		relay:        r,
		logger:       logger,
		maxBody:      opts.MaxBody,
		timeout:      timeout,
		debugEvents:  opts.DebugEvents,
	}, nil
}

// ServeHTTP handles an incoming HTTP request.
func (h *GitHubHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	reqID := requestID(r)
	w.Header().Set("X-Request-Id", reqID)
	logger := internal.WithRequestID(h.logger, reqID)

	eventName := r.Header.Get("X-GitHub-Event")
	internal.IncRequest(metricsKey)

	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logger.Printf("github body exceeds %d bytes", tooLarge.Limit)
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(rawBody))

	if h.debugEvents {
		logger.Printf("github event=%s bytes=%d body=%s", eventName, len(rawBody), truncate(rawBody, 2048))
	}

	payload, err := h.hook.Parse(r, githubEvents...)
	if err != nil {
		if errors.Is(err, github.ErrMissingHubSignatureHeader) && h.secret != "" {
			sha1Header := r.Header.Get("X-Hub-Signature")
			if sha1Header != "" && verifyGitHubSHA1(h.secret, rawBody, sha1Header) {
				logger.Printf("github parse warning: %v; accepted sha1 signature", err)
				r.Body = io.NopCloser(bytes.NewReader(rawBody))
				payload, err = h.fallbackHook.Parse(r, githubEvents...)
			}
		}
	}
	if err != nil {
		switch {
		case errors.Is(err, github.ErrEventNotFound):
			writeJSON(w, http.StatusOK, response{RequestID: reqID, State: string(relay.StateIgnored), Reason: "event not relayed"})
		case errors.Is(err, github.ErrInvalidHTTPMethod):
			w.WriteHeader(http.StatusMethodNotAllowed)
		default:
			internal.IncParseError(metricsKey)
			logger.Printf("github parse failed: %v", err)
			w.WriteHeader(http.StatusBadRequest)
		}
		return
	}

	if _, ok := payload.(github.PingPayload); ok {
		w.WriteHeader(http.StatusOK)
		return
	}

	event, err := relay.ParsePullRequestEvent(eventName, rawBody)
	if err != nil {
		internal.IncParseError(metricsKey)
		logger.Printf("github pull_request decode failed: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	event.DeliveryID = reqID

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	result, err := h.relay.HandleWithLogger(ctx, event, logger)

	resp := response{RequestID: reqID, State: string(result.State), Reason: result.Reason}
	if err != nil {
		resp.Error = err.Error()
		logger.Printf("relay failed: kind=%s err=%v", internal.ErrorKind(err), err)
	}
	writeJSON(w, statusFor(result, err), resp)
}

// statusFor maps a relay result onto the webhook response status.
func statusFor(result relay.Result, err error) int {
	if err == nil {
		if result.State == relay.StateDispatched {
			return http.StatusAccepted
		}
		return http.StatusOK
	}
	switch internal.ErrorKind(err) {
	case "invalid_event":
		return http.StatusUnprocessableEntity
	case "dispatch":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func requestID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-GitHub-Delivery")); id != "" {
		return id
	}
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func truncate(body []byte, limit int) string {
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}

func verifyGitHubSHA1(secret string, body []byte, signature string) bool {
	if secret == "" || len(body) == 0 || signature == "" {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha1=")
	mac := hmac.New(sha1.New, []byte(secret))
	_, _ = mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}
