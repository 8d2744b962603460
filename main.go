package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit with code %d", e.code)
}

func (e exitError) ExitCode() int {
	return e.code
}

func newRootCmd() *cobra.Command {
	var configPath string
	rootCmd := &cobra.Command{
		Use:           "benchrelay",
		Short:         "Relay labeled pull requests to the benchmark repository",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (defaults plus BENCHRELAY_* env when empty)")

	rootCmd.AddCommand(newServeCmd(&configPath), newRunCmd(&configPath))
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var exitErr interface{ ExitCode() int }
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintln(os.Stderr, "benchrelay:", err)
		os.Exit(1)
	}
}
