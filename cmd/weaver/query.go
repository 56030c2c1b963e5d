package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/alvmarrod/outbound-weaver/internal/export"
	"github.com/alvmarrod/outbound-weaver/internal/liveness"
	"github.com/alvmarrod/outbound-weaver/internal/storage"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newSitesCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "sites",
		Short: "List scanned sites with their checkpoint state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(c.cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			cps, err := store.ListCheckpoints(ctx)
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleRounded)
			t.AppendHeader(table.Row{"Site", "Status", "Pending", "Visited", "Domains", "No DNS", "Auto resume", "Next resume"})

			totalDead := 0
			for _, cp := range cps {
				sum, err := store.SummarizeResults(ctx, cp.Site)
				if err != nil {
					return err
				}
				dead := sum.ByStatus[string(liveness.StatusNoDNS)]
				totalDead += dead

				t.AppendRow(table.Row{
					cp.Site, cp.Status, len(cp.Pending), len(cp.Visited), cp.DomainsChecked, dead,
					autoResumeLabel(cp.AutoResume), nextResumeLabel(cp),
				})
			}
			t.AppendFooter(table.Row{"Total", len(cps), "", "", "", totalDead, "", ""})
			t.Render()
			return nil
		},
	}
}

func newResultsCommand(c *cli) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "results <site>",
		Short: "Show the stored domain verdicts of a site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(c.cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			site := strings.ToLower(args[0])
			results, err := store.ListResults(cmd.Context(), site, status)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No results for %s\n", site)
				return nil
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleRounded)
			t.AppendHeader(table.Row{"Domain", "TLD", "Status", "Code", "HTTP", "Expiry", "Found"})
			for _, r := range results {
				t.AppendRow(table.Row{
					r.Domain, r.TLD, r.Status, r.ErrorCode, httpLabel(r.HTTPStatus),
					expiryLabel(r), r.FoundAt.Local().Format("2006-01-02 15:04"),
				})
			}
			t.AppendFooter(table.Row{"Total", len(results), "", "", "", "", ""})
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only show this status (ok, http-error, dns-error, no-dns)")
	return cmd
}

func newExportCommand(c *cli) *cobra.Command {
	var (
		out    string
		status string
	)

	cmd := &cobra.Command{
		Use:   "export <site>",
		Short: "Write the results of a site to an xlsx file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(c.cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			site := strings.ToLower(args[0])
			results, err := store.ListResults(cmd.Context(), site, status)
			if err != nil {
				return err
			}
			sort.SliceStable(results, func(i, j int) bool { return results[i].Domain < results[j].Domain })

			if out == "" {
				out = site + ".xlsx"
			}
			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", out, err)
			}
			if err := export.WriteXLSX(f, site, results); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("failed to write %s: %w", out, err)
			}

			logrus.Infof("[%s] Exported %d results to %s", site, len(results), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default <site>.xlsx)")
	cmd.Flags().StringVar(&status, "status", "", "only export this status")
	return cmd
}

func autoResumeLabel(ar storage.AutoResume) string {
	if !ar.Enabled {
		return "off"
	}
	if ar.Unbounded() {
		return fmt.Sprintf("every %dm", ar.DelayMinutes)
	}
	return fmt.Sprintf("every %dm, %d left", ar.DelayMinutes, ar.Remaining)
}

func nextResumeLabel(cp *storage.Checkpoint) string {
	if cp.NextResumeAt == nil {
		return "-"
	}
	return cp.NextResumeAt.Local().Format("2006-01-02 15:04")
}

func httpLabel(code int) string {
	if code == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", code)
}

func expiryLabel(r storage.Result) string {
	switch {
	case r.ExpiryDate != nil:
		return *r.ExpiryDate
	case r.ExpiryReason != nil:
		return *r.ExpiryReason
	default:
		return "-"
	}
}
