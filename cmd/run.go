package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ceagles/receipt-tracker/internal/discovery"
	"github.com/ceagles/receipt-tracker/internal/model"
	"github.com/ceagles/receipt-tracker/internal/pipeline"
)

const defaultPreset = "last-3-months"

var (
	runSince         string
	runUntil         string
	runPreset        string
	runResume        bool
	runRetryDeferred bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Retrieve receipts for the configured account",
	Long: `Authenticates (reusing a stored session when possible), walks the requested
date range window by window, and stores every receipt found. The run report is
printed as JSON; the command exits non-zero when the run stopped early.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		r, err := resolveRange(runSince, runUntil, runPreset, time.Now())
		if err != nil {
			return err
		}

		env, err := initRun(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Coordinator.Run(ctx, pipeline.Request{
			Credential:    cfg.Account.Credential(),
			Range:         r,
			Resume:        runResume,
			RetryDeferred: runRetryDeferred,
		})
		if err != nil {
			return eris.Wrap(err, "pipeline run")
		}

		// Alerts go out even when the caller cancelled the run.
		env.Checker.Check(context.WithoutCancel(ctx), report)

		if err := writeJSON(os.Stdout, report); err != nil {
			return err
		}
		return reportError(report)
	},
}

// resolveRange turns the date flags into a range. Explicit dates win over a
// preset; with neither the default preset applies. A missing --until means
// today.
func resolveRange(since, until, preset string, now time.Time) (discovery.Range, error) {
	if since == "" && until == "" {
		if preset == "" {
			preset = defaultPreset
		}
		return discovery.ParsePreset(preset, now)
	}
	if preset != "" {
		return discovery.Range{}, eris.New("use either --preset or --since/--until")
	}
	if since == "" {
		return discovery.Range{}, eris.New("--since is required with --until")
	}

	var (
		r   discovery.Range
		err error
	)
	if r.Since, err = time.Parse(model.DateLayout, since); err != nil {
		return discovery.Range{}, eris.Wrapf(err, "parse --since %q", since)
	}
	r.Until = discovery.Day(now)
	if until != "" {
		if r.Until, err = time.Parse(model.DateLayout, until); err != nil {
			return discovery.Range{}, eris.Wrapf(err, "parse --until %q", until)
		}
	}
	if err := r.Validate(); err != nil {
		return discovery.Range{}, err
	}
	return r, nil
}

// reportError converts a terminal run outcome into the command error.
func reportError(report *model.RunReport) error {
	if report.Terminal == model.TerminalNone {
		zap.L().Info("run finished",
			zap.String("status", string(report.Status())),
			zap.Int("stored", report.Stored()),
			zap.Int("deferred", len(report.Deferred)),
		)
		return nil
	}
	return eris.Errorf("run stopped: %s: %s", report.Terminal, report.Message)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	runCmd.Flags().StringVar(&runSince, "since", "", "oldest day to retrieve (YYYY-MM-DD)")
	runCmd.Flags().StringVar(&runUntil, "until", "", "newest day to retrieve (YYYY-MM-DD, default today)")
	runCmd.Flags().StringVar(&runPreset, "preset", "", "named range: last-3-months, last-6-months, last-12-months or a year")
	runCmd.Flags().BoolVar(&runResume, "resume", false, "skip windows already covered by the stored checkpoint")
	runCmd.Flags().BoolVar(&runRetryDeferred, "retry-deferred", false, "retry previously deferred windows before the range")
	rootCmd.AddCommand(runCmd)
}
