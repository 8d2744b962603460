package main

import (
	"fmt"
	"log"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"benchrelay/internal"
	ghprovider "benchrelay/pkg/providers/github"
	"benchrelay/pkg/relay"
)

// app bundles the relay with the resources that must be released on exit.
type app struct {
	relay     *relay.Relay
	publisher internal.Publisher
}

func (a *app) Close() error {
	if a.publisher == nil {
		return nil
	}
	return a.publisher.Close()
}

func loadConfig(path string) (internal.Config, error) {
	cfg, err := internal.LoadConfig(path)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func buildApp(cfg internal.Config, logger *log.Logger) (*app, error) {
	issuer, err := ghprovider.NewIssuer(ghprovider.AppConfig{
		AppID:          cfg.GitHub.AppID,
		PrivateKey:     cfg.GitHub.PrivateKey,
		PrivateKeyPath: cfg.GitHub.PrivateKeyPath,
		Owner:          cfg.GitHub.Owner,
		Repositories:   cfg.GitHub.Repositories,
		BaseURL:        cfg.GitHub.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("github app: %w", err)
	}
	dispatcher := ghprovider.NewDispatcher(cfg.GitHub.BaseURL, time.Duration(cfg.Dispatch.TimeoutMS)*time.Millisecond)

	filters, err := internal.NewFilterEngine(internal.FiltersConfig{
		Filters: cfg.Trigger.Filters,
		Strict:  cfg.Trigger.FiltersStrict,
		Logger:  internal.NewLogger("filters"),
	})
	if err != nil {
		return nil, fmt.Errorf("compile filters: %w", err)
	}
	var conditions []relay.Condition
	if filters.Len() > 0 {
		conditions = append(conditions, filters)
	}

	publisher, err := internal.NewPublisher(cfg.Notifications, watermill.NewStdLogger(false, false))
	if err != nil {
		return nil, fmt.Errorf("publisher: %w", err)
	}
	observer := internal.NewOutcomeObserver(publisher, cfg.Notifications.Topic, internal.NewLogger("notify"))

	r, err := relay.New(relay.Config{
		Trigger:    relay.Trigger{BaseBranch: cfg.Trigger.BaseBranch, Kinds: cfg.TriggerKinds()},
		Guard:      relay.Guard{Label: cfg.Trigger.Label},
		Conditions: conditions,
		Target:     cfg.Target(),
		EventType:  cfg.Dispatch.EventType,
	}, issuer, dispatcher, logger, observer)
	if err != nil {
		_ = publisher.Close()
		return nil, err
	}
	return &app{relay: r, publisher: publisher}, nil
}
