package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/ceagles/receipt-tracker/internal/model"
	"github.com/ceagles/receipt-tracker/internal/monitoring"
	"github.com/ceagles/receipt-tracker/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect retrieval run history",
	Long:  "Commands for listing runs, viewing a run report, summarizing recent runs and listing deferred windows.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List retrieval runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openQueryStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Status:   model.RunStatus(status),
			Identity: identityFlag(cmd),
			Limit:    limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the full report of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openQueryStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		return writeJSON(os.Stdout, run)
	},
}

// -- runs deferred --

var runsDeferredCmd = &cobra.Command{
	Use:   "deferred",
	Short: "List windows waiting to be retried",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openQueryStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		deferred, err := st.ListDeferred(ctx, identityFlag(cmd))
		if err != nil {
			return eris.Wrap(err, "runs deferred")
		}
		if len(deferred) == 0 {
			fmt.Fprintln(os.Stderr, "No deferred windows.")
			return nil
		}

		formatDeferred(os.Stdout, deferred)
		return nil
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize recent runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openQueryStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		snap, err := monitoring.NewCollector(st).Collect(ctx, identityFlag(cmd), int(since.Hours()))
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		formatRunStats(os.Stdout, snap)
		return nil
	},
}

// identityFlag returns --identity, falling back to the configured account.
func identityFlag(cmd *cobra.Command) string {
	if id, _ := cmd.Flags().GetString("identity"); id != "" {
		return id
	}
	return cfg.Account.Identity
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (running, complete, partial, failed)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsStatsCmd.Flags().Duration("since", 168*time.Hour, "time window for stats (e.g. 24h, 168h)")

	for _, c := range []*cobra.Command{runsListCmd, runsDeferredCmd, runsStatsCmd} {
		c.Flags().String("identity", "", "account identity (default: configured account)")
	}

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsDeferredCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a table of runs to out.
func formatRunsList(out io.Writer, runs []model.Run) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.AppendHeader(table.Row{"ID", "IDENTITY", "STATUS", "WINDOWS", "STORED", "DEFERRED", "TERMINAL", "CREATED", "DURATION"})

	for _, r := range runs {
		var windows, stored, deferred int
		terminal := ""
		if r.Report != nil {
			windows = len(r.Report.Windows)
			stored = r.Report.Stored()
			deferred = len(r.Report.Deferred)
			terminal = string(r.Report.Terminal)
		}
		t.AppendRow(table.Row{
			truncateID(r.ID),
			r.Identity,
			r.Status,
			windows,
			stored,
			deferred,
			terminal,
			r.CreatedAt.Format("2006-01-02 15:04"),
			r.UpdatedAt.Sub(r.CreatedAt).Round(time.Second).String(),
		})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
}

// formatDeferred writes a table of deferred windows to out.
func formatDeferred(out io.Writer, deferred []model.Deferral) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.AppendHeader(table.Row{"WINDOW", "REASON", "ATTEMPTS", "DETAIL", "UPDATED"})
	for _, d := range deferred {
		t.AppendRow(table.Row{d.WindowKey, d.Reason, d.Attempts, d.Detail, d.UpdatedAt.Format("2006-01-02 15:04")})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
}

// formatRunStats writes an aggregate summary to out.
func formatRunStats(out io.Writer, s *monitoring.MetricsSnapshot) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.AppendRows([]table.Row{
		{"Lookback", fmt.Sprintf("%dh", s.LookbackHours)},
		{"Total runs", s.RunsTotal},
		{"Complete", s.RunsComplete},
		{"Partial", s.RunsPartial},
		{"Failed", s.RunsFailed},
		{"Running", s.RunsRunning},
		{"Failure rate", fmt.Sprintf("%.1f%%", s.FailRate*100)},
		{"Lockouts", s.Lockouts},
		{"Auth failures", s.AuthFailures},
		{"Receipts stored", s.ReceiptsStored},
		{"Deferred windows", s.DeferredWindows},
	})
	t.SetStyle(table.StyleLight)
	t.Render()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
