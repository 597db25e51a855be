package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"greenbox/internal/app"
	"greenbox/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "greenbox",
		Short:         "Greenhouse monitoring daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to config file (yaml or json)")

	root.AddCommand(newRunCmd(&cfgPath), newCheckCmd(&cfgPath))
	return root
}

func newRunCmd(cfgPath *string) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the monitoring loop until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), *cfgPath, verbose)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

func run(parent context.Context, cfgPath string, verbose bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.NewApp(cfgPath, app.WithVerbose(verbose))
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	case <-parent.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newCheckCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and print the task plan",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return check(cmd.OutOrStdout(), *cfgPath)
		},
	}
}

func check(w io.Writer, cfgPath string) error {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return err
	}
	plan, err := app.Plan(cfg)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "config %s: ok\n", cfgPath)
	if len(plan) == 0 {
		fmt.Fprintln(w, "no scheduled tasks")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tACTION\tPOLICY\tENABLED\tTIMEOUT")
	for _, p := range plan {
		timeout := "-"
		if p.Timeout > 0 {
			timeout = p.Timeout.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", p.Name, p.Action, p.Policy, p.Enabled, timeout)
	}
	return tw.Flush()
}
