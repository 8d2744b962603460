package internal

import (
	"context"
	"log"

	"benchrelay/pkg/relay"
)

// OutcomeObserver counts results and publishes them as notifications.
// Publish failures are logged and never change the run status.
type OutcomeObserver struct {
	publisher Publisher
	topic     string
	logger    *log.Logger
}

// NewOutcomeObserver wires a Publisher into the relay's observer hook.
func NewOutcomeObserver(publisher Publisher, topic string, logger *log.Logger) *OutcomeObserver {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &OutcomeObserver{publisher: publisher, topic: topic, logger: logger}
}

// Observe implements relay.Observer.
func (o *OutcomeObserver) Observe(ctx context.Context, event relay.TriggerEvent, result relay.Result, err error) {
	IncResult(string(result.State))
	outcome := NewOutcome(event, result, err)
	if publishErr := o.publisher.Publish(ctx, o.topic, outcome); publishErr != nil {
		o.logger.Printf("outcome publish failed: topic=%s pr=%d err=%v", o.topic, outcome.PRNumber, publishErr)
	}
}
