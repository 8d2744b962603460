package main

import (
	"context"
	"expvar"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"benchrelay/internal"
	"benchrelay/pkg/webhook"
)

func newServeCmd(configPath *string) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			return serve(cfg)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "Port to listen on (overrides server.port)")
	return cmd
}

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func serve(cfg internal.Config) error {
	logger := internal.NewLogger("server")

	a, err := buildApp(cfg, internal.NewLogger("relay"))
	if err != nil {
		return err
	}
	defer a.Close()

	handler, err := webhook.NewGitHubHandler(a.relay, webhook.HandlerOptions{
		Secret:      cfg.GitHub.WebhookSecret,
		MaxBody:     cfg.Server.MaxBodyBytes,
		Timeout:     ms(cfg.Dispatch.TimeoutMS),
		DebugEvents: cfg.Server.DebugEvents,
		Logger:      internal.NewLogger("webhook"),
	})
	if err != nil {
		return err
	}
	if cfg.GitHub.WebhookSecret == "" {
		logger.Printf("warning: github webhook secret is empty, signatures are not verified")
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.GitHub.WebhookPath, handler)
	logger.Printf("github webhook enabled on %s", cfg.GitHub.WebhookPath)
	if cfg.Server.MetricsEnabled {
		mux.Handle(cfg.Server.MetricsPath, expvar.Handler())
		logger.Printf("metrics enabled on %s", cfg.Server.MetricsPath)
	}

	addr := ":" + strconv.Itoa(cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       ms(cfg.Server.ReadTimeoutMS),
		WriteTimeout:      ms(cfg.Server.WriteTimeoutMS),
		IdleTimeout:       ms(cfg.Server.IdleTimeoutMS),
		ReadHeaderTimeout: ms(cfg.Server.ReadHeaderMS),
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-shutdown:
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
	return nil
}
