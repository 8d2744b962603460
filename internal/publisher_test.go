package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"benchrelay/pkg/relay"
)

// stubPublisher is a mock publisher for testing.
type stubPublisher struct {
	published    int
	lastTopic    string
	lastPayload  []byte
	lastMetadata message.Metadata
	err          error
}

// Publish increments the published count and records the topic.
func (s *stubPublisher) Publish(topic string, msgs ...*message.Message) error {
	s.published += len(msgs)
	s.lastTopic = topic
	if len(msgs) > 0 {
		s.lastPayload = append([]byte(nil), msgs[0].Payload...)
		s.lastMetadata = msgs[0].Metadata
	}
	return s.err
}

// Close is a no-op.
func (s *stubPublisher) Close() error {
	return nil
}

func registerStub(t *testing.T, name string, stub *stubPublisher, closeFn func() error) {
	t.Helper()
	orig, had := publisherFactories[name]
	t.Cleanup(func() {
		if had {
			publisherFactories[name] = orig
		} else {
			delete(publisherFactories, name)
		}
	})
	RegisterPublisherDriver(name, func(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
		return stub, closeFn, nil
	})
}

// TestRegisterPublisherDriver tests that a custom publisher driver can be registered and used.
func TestRegisterPublisherDriver(t *testing.T) {
	stub := &stubPublisher{}
	closed := false
	registerStub(t, "custom", stub, func() error { closed = true; return nil })

	pub, err := NewPublisher(WatermillConfig{Drivers: []string{"custom"}}, nil)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}

	if err := pub.Publish(context.Background(), "custom.topic", Outcome{State: "dispatched"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if stub.published != 1 || stub.lastTopic != "custom.topic" {
		t.Fatalf("expected publish to custom.topic once, got %d to %q", stub.published, stub.lastTopic)
	}

	if err := pub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !closed {
		t.Fatalf("expected custom close to be called")
	}
}

// TestNewPublisherDisabled tests that no drivers yields a silent publisher.
func TestNewPublisherDisabled(t *testing.T) {
	pub, err := NewPublisher(WatermillConfig{}, nil)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	if err := pub.Publish(context.Background(), "t", Outcome{}); err != nil {
		t.Fatalf("expected no-op publish, got %v", err)
	}
}

// TestNewPublisherUnknownDriver tests that only unusable drivers is an error.
func TestNewPublisherUnknownDriver(t *testing.T) {
	if _, err := NewPublisher(WatermillConfig{Drivers: []string{"carrier-pigeon"}}, nil); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

// TestHTTPURLTarget tests that the HTTP target URL is constructed correctly.
func TestHTTPURLTarget(t *testing.T) {
	url, err := httpTargetURL(HTTPConfig{Mode: "base_url", BaseURL: "http://localhost:8080/hooks/"}, "/outcomes")
	if err != nil {
		t.Fatalf("httpTargetURL: %v", err)
	}
	if url != "http://localhost:8080/hooks/outcomes" {
		t.Fatalf("unexpected url: %q", url)
	}
	if _, err := httpTargetURL(HTTPConfig{Mode: "topic_url"}, ""); err == nil {
		t.Fatalf("expected error for empty topic url")
	}
}

// TestPublishOutcomeMetadata ensures the outcome is encoded and metadata is set.
func TestPublishOutcomeMetadata(t *testing.T) {
	stub := &stubPublisher{}
	registerStub(t, "payload", stub, nil)

	pub, err := NewPublisher(WatermillConfig{Drivers: []string{"payload"}}, nil)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}

	outcome := Outcome{RequestID: "req-123", Action: "labeled", PRNumber: 9, State: "dispatched", CommitHash: "abc"}
	if err := pub.Publish(context.Background(), "benchrelay.outcomes", outcome); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var decoded Outcome
	if err := json.Unmarshal(stub.lastPayload, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.CommitHash != "abc" || decoded.PRNumber != 9 {
		t.Fatalf("unexpected payload %+v", decoded)
	}
	if stub.lastMetadata.Get("state") != "dispatched" {
		t.Fatalf("expected state metadata")
	}
	if stub.lastMetadata.Get("pr_number") != "9" {
		t.Fatalf("expected pr_number metadata")
	}
	if stub.lastMetadata.Get("request_id") != "req-123" {
		t.Fatalf("expected request_id metadata")
	}
}

// TestMultipleDrivers tests that every driver receives the outcome and errors are joined.
func TestMultipleDrivers(t *testing.T) {
	a := &stubPublisher{}
	b := &stubPublisher{err: errors.New("broker down")}
	registerStub(t, "multi-a", a, nil)
	registerStub(t, "multi-b", b, nil)

	pub, err := NewPublisher(WatermillConfig{Drivers: []string{"multi-a", "multi-b"}}, nil)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	err = pub.Publish(context.Background(), "topic", Outcome{State: "skipped"})
	if err == nil || !strings.Contains(err.Error(), "multi-b") {
		t.Fatalf("expected joined error naming multi-b, got %v", err)
	}
	if a.published != 1 || b.published != 1 {
		t.Fatalf("expected publish to both drivers, got a=%d b=%d", a.published, b.published)
	}
}

// TestOutcomeObserverSwallowsPublishErrors tests that notification failures are only logged.
func TestOutcomeObserverSwallowsPublishErrors(t *testing.T) {
	stub := &stubPublisher{err: errors.New("unavailable")}
	registerStub(t, "observer", stub, nil)
	pub, err := NewPublisher(WatermillConfig{Drivers: []string{"observer"}}, nil)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}

	var buf bytes.Buffer
	observer := NewOutcomeObserver(pub, "benchrelay.outcomes", log.New(&buf, "", 0))
	event := relay.NewTriggerEvent(relay.KindLabeled, 3, "sha")
	observer.Observe(context.Background(), event, relay.Result{State: relay.StateFailed}, &relay.DispatchError{Err: errors.New("404")})

	if stub.published != 1 {
		t.Fatalf("expected one publish attempt")
	}
	if !strings.Contains(buf.String(), "outcome publish failed") {
		t.Fatalf("expected publish failure to be logged, got %q", buf.String())
	}
	var decoded Outcome
	if err := json.Unmarshal(stub.lastPayload, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.ErrorKind != "dispatch" {
		t.Fatalf("expected dispatch error kind, got %q", decoded.ErrorKind)
	}
}

// TestErrorKind tests relay error classification.
func TestErrorKind(t *testing.T) {
	cases := map[string]error{
		"":              nil,
		"authorization": &relay.AuthorizationError{Err: errors.New("x")},
		"dispatch":      &relay.DispatchError{Err: errors.New("x")},
		"invalid_event": &relay.InvalidEventError{Reason: "x"},
		"internal":      errors.New("x"),
	}
	for want, err := range cases {
		if got := ErrorKind(err); got != want {
			t.Fatalf("ErrorKind(%v) = %q, want %q", err, got, want)
		}
	}
}
