package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/ceagles/receipt-tracker/internal/driver"
	"github.com/ceagles/receipt-tracker/internal/model"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect or clear the stored login session",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show stored session metadata (never its contents)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openQueryStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sessions, err := initSessions(st)
		if err != nil {
			return eris.Wrap(err, "session show")
		}

		identity := identityFlag(cmd)
		state, ok := sessions.Load(ctx, identity)
		if !ok {
			fmt.Fprintf(os.Stderr, "No stored session for %q.\n", identity)
			return nil
		}
		formatSession(os.Stdout, state, time.Now())
		return nil
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the stored session so the next run logs in again",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openQueryStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sessions, err := initSessions(st)
		if err != nil {
			return eris.Wrap(err, "session clear")
		}

		identity := identityFlag(cmd)
		if err := sessions.Invalidate(ctx, identity); err != nil {
			return eris.Wrap(err, "session clear")
		}
		fmt.Fprintf(os.Stderr, "Cleared session for %q.\n", identity)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{sessionShowCmd, sessionClearCmd} {
		c.Flags().String("identity", "", "account identity (default: configured account)")
		sessionCmd.AddCommand(c)
	}
	rootCmd.AddCommand(sessionCmd)
}

// formatSession writes session metadata to out. Cookie values and the raw
// blob are never printed.
func formatSession(out io.Writer, s *model.SessionState, now time.Time) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.AppendRows([]table.Row{
		{"Identity", s.Identity},
		{"Captured", s.CapturedAt.Format(time.RFC3339)},
		{"Expires", s.ExpiresAt().Format(time.RFC3339)},
		{"Fresh", s.Fresh(now)},
		{"Size", fmt.Sprintf("%d bytes", len(s.Blob))},
	})
	if state, err := driver.DecodeStorageState(s.Blob); err == nil {
		live := state.Live(now)
		t.AppendRows([]table.Row{
			{"Cookies", fmt.Sprintf("%d (%d unexpired)", len(state.Cookies), len(live.Cookies))},
			{"Origins", len(state.Origins)},
		})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}
