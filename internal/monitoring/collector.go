package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/ceagles/receipt-tracker/internal/model"
	"github.com/ceagles/receipt-tracker/internal/store"
)

// MetricsSnapshot holds a point-in-time view of run health for one account.
type MetricsSnapshot struct {
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsPartial  int     `json:"runs_partial"`
	RunsFailed   int     `json:"runs_failed"`
	RunsRunning  int     `json:"runs_running"`
	FailRate     float64 `json:"fail_rate"`

	// Lockouts counts runs stopped by repeated detection signals.
	Lockouts        int `json:"lockouts"`
	AuthFailures    int `json:"auth_failures"`
	ReceiptsStored  int `json:"receipts_stored"`
	DeferredWindows int `json:"deferred_windows"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunSource is the part of the store the collector reads.
type RunSource interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	ListDeferred(ctx context.Context, identity string) ([]model.Deferral, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	store RunSource

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(st RunSource) *Collector {
	return &Collector{store: st, nowFunc: time.Now}
}

// Collect gathers a snapshot of run metrics for identity over the given
// lookback window.
func (c *Collector) Collect(ctx context.Context, identity string, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.nowFunc().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListRuns(ctx, store.RunFilter{Identity: identity, Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}
	for _, r := range runs {
		// Runs are listed newest first.
		if r.CreatedAt.Before(cutoff) {
			break
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusPartial:
			snap.RunsPartial++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusRunning:
			snap.RunsRunning++
		}
		if r.Report == nil {
			continue
		}
		snap.ReceiptsStored += r.Report.Stored()
		switch r.Report.Terminal {
		case model.TerminalDetectionLockout:
			snap.Lockouts++
		case model.TerminalCredentialsRejected, model.TerminalRequiresHuman, model.TerminalAuthExhausted,
			model.TerminalSessionCapture:
			snap.AuthFailures++
		}
	}

	finished := snap.RunsComplete + snap.RunsPartial + snap.RunsFailed
	if finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}

	deferred, err := c.store.ListDeferred(ctx, identity)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list deferred windows")
	}
	snap.DeferredWindows = len(deferred)

	return snap, nil
}
