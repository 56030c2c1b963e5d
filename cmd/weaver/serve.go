package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alvmarrod/outbound-weaver/internal/api"
	"github.com/alvmarrod/outbound-weaver/internal/version"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newServeCommand(c *cli) *cobra.Command {
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the auto-resume scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), c, shutdownTimeout)
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "time allowed for running batches to checkpoint on shutdown")
	return cmd
}

func serve(ctx context.Context, c *cli, shutdownTimeout time.Duration) error {
	logrus.Infof("weaver v%s starting...", version.Version)

	a, err := newApp(ctx, c.cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	hub := api.NewHub(0)

	// re-arm resumes persisted by a previous process
	if _, err := a.scans.Recover(ctx, hub); err != nil {
		return err
	}

	server := api.New(c.cfg.ListenAddr, api.Deps{
		Scans:     a.scans,
		Results:   a.store,
		Hub:       hub,
		Gatherer:  a.registry,
		StartTime: time.Now(),
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logrus.Infof("Received signal: %v", sig)
	case err := <-serverErr:
		if err != nil {
			logrus.Errorf("HTTP server failed: %v", err)
		}
	}

	logrus.Info("Initiating graceful shutdown...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	logrus.Info("Step 1/3: Stopping HTTP server...")
	if err := server.Stop(shutdownCtx); err != nil {
		logrus.Warnf("HTTP server shutdown: %v", err)
	}

	logrus.Info("Step 2/3: Checkpointing running scans...")
	if err := a.scans.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Scan shutdown incomplete: %v", err)
	}
	hub.Close()

	logrus.Info("Step 3/3: Closing database connection...")
	// closed by the deferred a.Close()

	logrus.Info("Graceful shutdown complete. Goodbye!")
	return nil
}
