package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceagles/receipt-tracker/internal/discovery"
	"github.com/ceagles/receipt-tracker/internal/model"
	"github.com/ceagles/receipt-tracker/internal/ratecontrol"
	"github.com/ceagles/receipt-tracker/internal/store"
)

func TestScenario_EmptyAccount(t *testing.T) {
	s := newSite(t)
	k := newStack(t, s, 30)

	report, err := k.coord.Run(context.Background(), Request{
		Credential: cred,
		Range:      discovery.Range{Since: day("2024-01-01"), Until: day("2024-03-30")},
	})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusComplete, report.Status())
	assert.Empty(t, report.Terminal)
	assert.Empty(t, report.Deferred)
	require.Len(t, report.Windows, 3)
	for _, w := range report.Windows {
		assert.Equal(t, model.WindowComplete, w.Status)
		assert.True(t, w.NotFound)
	}
	assert.Zero(t, report.Stored())

	stats, err := k.store.ReceiptStats(context.Background(), store.ReceiptFilter{})
	require.NoError(t, err)
	assert.Zero(t, stats.Receipts)

	run, err := k.store.GetRun(context.Background(), report.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, run.Status)
}

func TestScenario_RestoredSessionOneWindow(t *testing.T) {
	s := newSite(t,
		siteReceipt{"a1", "2024-03-01", "10.00"},
		siteReceipt{"a2", "2024-03-10", "20.50"},
		siteReceipt{"a3", "2024-03-20", "5.25"},
	)
	k := newStack(t, s, 90)
	k.seedSession(t, s.sessionBlob("live"))
	before, err := k.store.LoadSession(context.Background(), cred.Identity)
	require.NoError(t, err)
	saves := k.backend.saved()

	report, err := k.coord.Run(context.Background(), Request{
		Credential: cred,
		Range:      discovery.Range{Since: day("2024-01-01"), Until: day("2024-03-30")},
	})
	require.NoError(t, err)

	assert.True(t, report.Restored)
	assert.Equal(t, model.RunStatusComplete, report.Status())
	require.Len(t, report.Windows, 1)
	assert.Equal(t, model.WindowComplete, report.Windows[0].Status)
	assert.Equal(t, 3, report.Windows[0].Records)
	assert.Equal(t, 3, report.Inserted)

	posts, _ := s.counts()
	assert.Zero(t, posts, "no credential submission")
	assert.Equal(t, saves, k.backend.saved(), "session not rewritten")
	after, err := k.store.LoadSession(context.Background(), cred.Identity)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	got, err := k.store.ListReceipts(context.Background(), store.ReceiptFilter{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "rcpt:a3", got[0].NaturalKey, "listed newest first")
	assert.Equal(t, "Issaquah", got[0].Location)

	require.NotNil(t, report.Checkpoint)
	assert.Equal(t, day("2024-01-01"), *report.Checkpoint)
}

func TestScenario_RestoreFailsThenLogin(t *testing.T) {
	s := newSite(t, siteReceipt{"c1", "2024-03-05", "42.00"})
	k := newStack(t, s, 90)
	k.seedSession(t, s.sessionBlob("stale"))
	saves := k.backend.saved()

	report, err := k.coord.Run(context.Background(), Request{
		Credential: cred,
		Range:      discovery.Range{Since: day("2024-01-01"), Until: day("2024-03-30")},
	})
	require.NoError(t, err)

	assert.False(t, report.Restored)
	posts, _ := s.counts()
	assert.Equal(t, 1, posts)
	assert.Equal(t, saves+1, k.backend.saved(), "new session persisted once")

	state, ok := k.sessions.Load(context.Background(), cred.Identity)
	require.True(t, ok)
	assert.Contains(t, string(state.Blob), `"live"`)

	assert.Equal(t, 1, report.Completed())
	assert.Equal(t, 1, report.Inserted)
}

func TestScenario_DetectionOnOneWindow(t *testing.T) {
	s := newSite(t,
		siteReceipt{"d1", "2024-02-15", "1.00"},
		siteReceipt{"d2", "2024-02-05", "2.00"},
		siteReceipt{"d3", "2024-01-25", "3.00"},
		siteReceipt{"d4", "2024-01-15", "4.00"},
		siteReceipt{"d5", "2024-01-05", "5.00"},
	)
	s.block("2024-01-31")
	k := newStack(t, s, 10)
	k.seedSession(t, s.sessionBlob("live"))

	report, err := k.coord.Run(context.Background(), Request{
		Credential: cred,
		Range:      discovery.Range{Since: day("2024-01-01"), Until: day("2024-02-19")},
	})
	require.NoError(t, err)

	require.Len(t, report.Windows, 5, "every window attempted")
	for i, w := range report.Windows {
		if i == 1 {
			assert.Equal(t, model.WindowDeferred, w.Status)
			assert.Equal(t, model.DeferBlocked, w.Reason)
			continue
		}
		assert.Equal(t, model.WindowComplete, w.Status, w.Window)
		assert.Equal(t, 1, w.Records, w.Window)
	}
	assert.Equal(t, 4, report.Inserted)
	assert.Empty(t, report.Terminal)
	assert.Equal(t, model.RunStatusPartial, report.Status())
	assert.Equal(t, ratecontrol.TierBackoff, k.rc.Tier())

	require.Len(t, report.Deferred, 1)
	assert.Equal(t, "2024-01-31..2024-02-09", report.Deferred[0].WindowKey)
	deferred, err := k.store.ListDeferred(context.Background(), cred.Identity)
	require.NoError(t, err)
	require.Len(t, deferred, 1)
	assert.Equal(t, model.DeferBlocked, deferred[0].Reason)

	require.NotNil(t, report.Checkpoint)
	assert.Equal(t, day("2024-02-10"), *report.Checkpoint, "checkpoint stops at the deferred window")

	// A retry pass picks up only the deferred window once the block lifts.
	s.mu.Lock()
	s.blocked = map[string]bool{}
	s.mu.Unlock()
	_, before := s.counts()

	retry, err := k.coord.Run(context.Background(), Request{
		Credential:    cred,
		Range:         discovery.Range{Since: day("2024-01-01"), Until: day("2024-02-19")},
		Resume:        true,
		RetryDeferred: true,
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, retry.Status())
	assert.Equal(t, 1, retry.Inserted, "only the deferred receipt is new")
	assert.Equal(t, 3, retry.Updated, "windows below the checkpoint are re-upserted")
	_, after := s.counts()
	assert.Equal(t, 4, after-before, "the deferred window plus the three below the checkpoint")

	deferred, err = k.store.ListDeferred(context.Background(), cred.Identity)
	require.NoError(t, err)
	assert.Empty(t, deferred)
	require.NotNil(t, retry.Checkpoint)
	assert.Equal(t, day("2024-01-01"), *retry.Checkpoint)
}
