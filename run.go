package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"benchrelay/internal"
	"benchrelay/pkg/relay"
)

// runSummary is printed to stdout after a one-shot run.
type runSummary struct {
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
	PRNumber  int    `json:"pr_number,omitempty"`
	Commit    string `json:"commit_hash,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

func newRunCmd(configPath *string) *cobra.Command {
	var eventPath, eventName string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Relay a single pull request event read from a file",
		Long: "Relay a single pull request event, the way a workflow step would. " +
			"The event name and payload path default to GITHUB_EVENT_NAME and GITHUB_EVENT_PATH.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if eventPath == "" {
				return errors.New("event path is required (--event-path or GITHUB_EVENT_PATH)")
			}
			if eventName == "" {
				return errors.New("event name is required (--event-name or GITHUB_EVENT_NAME)")
			}
			raw, err := os.ReadFile(eventPath)
			if err != nil {
				return fmt.Errorf("read event: %w", err)
			}
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runOnce(ctx, cfg, eventName, raw, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&eventPath, "event-path", os.Getenv("GITHUB_EVENT_PATH"), "Path to the event payload JSON")
	cmd.Flags().StringVar(&eventName, "event-name", os.Getenv("GITHUB_EVENT_NAME"), "Name of the triggering event")
	return cmd
}

func runOnce(ctx context.Context, cfg internal.Config, eventName string, raw []byte, out io.Writer) error {
	if !relay.IsPullRequestEvent(eventName) {
		return writeSummary(out, runSummary{State: string(relay.StateIgnored), Reason: "event " + eventName + " is not a pull request event"})
	}
	event, err := relay.ParsePullRequestEvent(eventName, raw)
	if err != nil {
		return fmt.Errorf("parse event: %w", err)
	}
	event.DeliveryID = os.Getenv("GITHUB_RUN_ID")

	a, err := buildApp(cfg, internal.NewLogger("relay"))
	if err != nil {
		return err
	}
	defer a.Close()

	timeout := ms(cfg.Dispatch.TimeoutMS)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, runErr := a.relay.Handle(ctx, event)
	summary := runSummary{
		State:     string(result.State),
		Reason:    result.Reason,
		PRNumber:  event.Number,
		Commit:    event.MergeCommitSHA,
		ErrorKind: internal.ErrorKind(runErr),
	}
	if runErr != nil {
		summary.Error = runErr.Error()
	}
	if err := writeSummary(out, summary); err != nil {
		return err
	}
	if runErr != nil {
		return exitError{code: 1}
	}
	return nil
}

func writeSummary(out io.Writer, summary runSummary) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
