package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alvmarrod/outbound-weaver/internal/events"
	"github.com/alvmarrod/outbound-weaver/internal/liveness"
	"github.com/alvmarrod/outbound-weaver/internal/scan"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newScanCommand(c *cli) *cobra.Command {
	var (
		req    scan.Request
		mode   string
		follow bool
	)

	cmd := &cobra.Command{
		Use:   "scan <seed-url>",
		Short: "Run one crawl batch for a site, optionally following its automatic resumes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.SeedURL = args[0]
			req.Mode = scan.Mode(mode)
			return runScan(cmd.Context(), c, req, follow)
		},
	}

	f := cmd.Flags()
	f.StringVar(&mode, "mode", string(scan.ModeNew), "new discards previous state, resume continues it")
	f.IntVar(&req.BatchSize, "batch", 0, "page budget of a batch (default from config)")
	f.IntVar(&req.Concurrency, "concurrency", 0, "concurrent tasks (default from config)")
	f.BoolVar(&req.Aggressive, "aggressive", false, "use the short politeness delay")
	f.BoolVar(&req.AutoResume, "auto-resume", false, "resume automatically after a pause")
	f.IntVar(&req.DelayMinutes, "delay", 0, "minutes before an automatic resume (default from config)")
	f.IntVar(&req.Repeat, "repeat", 0, "automatic resumes allowed, 0 for unbounded")
	f.BoolVar(&follow, "follow", false, "keep running until no automatic resume is pending")
	return cmd
}

func runScan(ctx context.Context, c *cli, req scan.Request, follow bool) error {
	a, err := newApp(ctx, c.cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	site, err := scan.SiteOf(req.SeedURL)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		sig, ok := <-sigChan
		if !ok {
			return
		}
		logrus.Infof("Received signal: %v, interrupting %s after the current tasks (signal again to force exit)", sig, site)
		if err := a.scans.Interrupt(context.WithoutCancel(ctx), site); err != nil && !errors.Is(err, scan.ErrNoCheckpoint) {
			logrus.Errorf("Interrupt failed: %v", err)
		}
		cancel()

		sig = <-sigChan
		logrus.Warnf("Received second signal (%v) - forcing immediate exit!", sig)
		os.Exit(1)
	}()

	cp, err := a.scans.Run(runCtx, req, logSink())
	if err != nil {
		return err
	}
	logrus.Infof("[%s] Batch finished: %s, %d pending, %d visited, %d domains checked",
		site, cp.Status, len(cp.Pending), len(cp.Visited), cp.DomainsChecked)

	if follow {
		if at, ok := a.scans.Scheduled(site); ok {
			logrus.Infof("[%s] Waiting for automatic resumes (next at %s)", site, at.Local().Format("15:04:05"))
		}
		if err := a.scans.WaitIdle(runCtx, site); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}

	if err := a.scans.Shutdown(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("failed to stop scan service: %w", err)
	}

	final, err := a.scans.Get(context.WithoutCancel(ctx), site)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s, %d pending, %d visited, %d domains checked\n",
		final.Site, final.Status, len(final.Pending), len(final.Visited), final.DomainsChecked)
	return nil
}

// logSink reports scan events through the logger
func logSink() events.Sink {
	return events.SinkFunc(func(ev events.Event) {
		log := logrus.WithField("site", ev.Site)
		switch ev.Type {
		case events.Domain:
			if ev.Status == string(liveness.StatusNoDNS) {
				log.Warnf("Dead outbound domain: %s (%s)", ev.Domain, ev.ErrorCode)
			} else {
				log.Debugf("Domain %s: %s", ev.Domain, ev.Status)
			}
		case events.Page:
			log.Debugf("Page %s: %s", ev.URL, ev.Status)
		case events.Stats:
			if ev.Stats != nil {
				log.Debugf("Stats: %d visited, %d pending, %d in flight, %.2f pages/s",
					ev.Stats.Visited, ev.Stats.Pending, ev.Stats.InFlight, ev.Stats.PagesPerSecond)
			}
		case events.Error:
			log.Warnf("Error at %s: %s", ev.Stage, ev.Error)
		case events.ResumeScheduled:
			if ev.ResumeAt != nil {
				log.Infof("Resume scheduled at %s", ev.ResumeAt.Local().Format("15:04:05"))
			}
		default:
			log.Infof("Scan %s (%s)", ev.Type, ev.Status)
		}
	})
}
