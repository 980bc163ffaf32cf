package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceagles/receipt-tracker/internal/model"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func day(s string) time.Time {
	t, err := time.Parse(model.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func sampleReceipt(key, date, location string, total model.Cents) model.Receipt {
	return model.Receipt{
		NaturalKey:    key,
		ProviderID:    "P-" + key,
		Date:          day(date),
		Location:      location,
		Currency:      "USD",
		Total:         model.Amount(total),
		Subtotal:      model.Amount(total - 100),
		Tax:           model.Amount(100),
		ReceiptNumber: "R" + key,
		Items: []model.LineItem{
			{Name: "Milk", ItemNumber: "1001", Department: "Dairy", Price: 399, Quantity: 1},
			{Name: "Bread", Price: total - 100 - 399, Quantity: 1},
		},
		SourceWindow: date + ".." + date,
		Raw:          model.RawRef{PageURL: "https://example.com/orders", PageHash: "abc", Index: 0},
	}
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("UpsertAndGetReceipt", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		r := sampleReceipt("k1", "2024-05-01", "Springfield #12", 2599)
		require.NoError(t, s.UpsertReceipt(ctx, r))

		ok, err := s.ReceiptExists(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.GetReceipt(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, "P-k1", got.ProviderID)
		assert.True(t, got.Date.Equal(day("2024-05-01")))
		require.NotNil(t, got.Total)
		assert.Equal(t, model.Cents(2599), *got.Total)
		require.Len(t, got.Items, 2)
		assert.Equal(t, "Milk", got.Items[0].Name)
		assert.Equal(t, "Dairy", got.Items[0].Department)
		assert.Equal(t, model.Complete, got.Completeness())
	})

	t.Run("UpsertIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		r := sampleReceipt("k1", "2024-05-01", "Springfield", 2599)
		require.NoError(t, s.UpsertReceipt(ctx, r))
		require.NoError(t, s.UpsertReceipt(ctx, r))

		r.Items = r.Items[:1]
		r.Location = "Shelbyville"
		require.NoError(t, s.UpsertReceipt(ctx, r))

		all, err := s.ListReceipts(ctx, ReceiptFilter{WithItems: true})
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, "Shelbyville", all[0].Location)
		assert.Len(t, all[0].Items, 1, "items replaced, not appended")
	})

	t.Run("UpsertRequiresKey", func(t *testing.T) {
		s := newStore(t)
		assert.Error(t, s.UpsertReceipt(context.Background(), model.Receipt{}))
	})

	t.Run("PartialReceiptRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		r := model.Receipt{
			NaturalKey:   "h:partial",
			Currency:     "USD",
			Missing:      []string{model.FieldDate, model.FieldTotal},
			Flags:        []string{model.FlagItemsSubtotalMismatch},
			SourceWindow: "2024-05-01..2024-05-31",
		}
		require.NoError(t, s.UpsertReceipt(ctx, r))

		got, err := s.GetReceipt(ctx, "h:partial")
		require.NoError(t, err)
		assert.True(t, got.Date.IsZero())
		assert.Nil(t, got.Total)
		assert.Equal(t, []string{model.FieldDate, model.FieldTotal}, got.Missing)
		assert.True(t, got.Flagged())
		assert.Equal(t, model.Partial, got.Completeness())
	})

	t.Run("GetReceiptNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetReceipt(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		ok, err := s.ReceiptExists(context.Background(), "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ListReceiptsFilters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertReceipt(ctx, sampleReceipt("a", "2024-01-10", "Springfield", 1500)))
		require.NoError(t, s.UpsertReceipt(ctx, sampleReceipt("b", "2024-02-10", "Shelbyville", 5000)))
		require.NoError(t, s.UpsertReceipt(ctx, sampleReceipt("c", "2024-03-10", "springfield north", 9000)))

		all, err := s.ListReceipts(ctx, ReceiptFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "c", all[0].NaturalKey, "most recent first")
		assert.Empty(t, all[0].Items)

		byLoc, err := s.ListReceipts(ctx, ReceiptFilter{Location: "SPRINGFIELD"})
		require.NoError(t, err)
		assert.Len(t, byLoc, 2)

		byDate, err := s.ListReceipts(ctx, ReceiptFilter{Since: day("2024-02-01"), Until: day("2024-02-28")})
		require.NoError(t, err)
		require.Len(t, byDate, 1)
		assert.Equal(t, "b", byDate[0].NaturalKey)

		byAmount, err := s.ListReceipts(ctx, ReceiptFilter{MinCents: model.Amount(2000), MaxCents: model.Amount(6000)})
		require.NoError(t, err)
		require.Len(t, byAmount, 1)
		assert.Equal(t, "b", byAmount[0].NaturalKey)

		page, err := s.ListReceipts(ctx, ReceiptFilter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "b", page[0].NaturalKey)
	})

	t.Run("ReceiptStats", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertReceipt(ctx, sampleReceipt("a", "2024-01-10", "Springfield", 1500)))
		require.NoError(t, s.UpsertReceipt(ctx, sampleReceipt("b", "2024-02-10", "Springfield", 5000)))
		partial := sampleReceipt("c", "2024-03-10", "Shelbyville", 2000)
		partial.Missing = []string{model.FieldTax}
		partial.Flags = []string{model.FlagSubtotalTaxTotalMismatch}
		require.NoError(t, s.UpsertReceipt(ctx, partial))

		st, err := s.ReceiptStats(ctx, ReceiptFilter{})
		require.NoError(t, err)
		assert.Equal(t, 3, st.Receipts)
		assert.Equal(t, 6, st.Items)
		assert.Equal(t, model.Cents(8500), st.Sum)
		assert.Equal(t, model.Cents(2833), st.Avg)
		assert.Equal(t, model.Cents(1500), st.Min)
		assert.Equal(t, model.Cents(5000), st.Max)
		assert.True(t, st.First.Equal(day("2024-01-10")))
		assert.True(t, st.Last.Equal(day("2024-03-10")))
		assert.Equal(t, 1, st.Partial)
		assert.Equal(t, 1, st.Flagged)
		require.NotEmpty(t, st.TopLocations)
		assert.Equal(t, "Springfield", st.TopLocations[0].Location)
		assert.Equal(t, 2, st.TopLocations[0].Receipts)

		flagged, err := s.ReceiptStats(ctx, ReceiptFilter{FlaggedOnly: true})
		require.NoError(t, err)
		assert.Equal(t, 1, flagged.Receipts)
	})

	t.Run("ReceiptStatsEmpty", func(t *testing.T) {
		s := newStore(t)
		st, err := s.ReceiptStats(context.Background(), ReceiptFilter{})
		require.NoError(t, err)
		assert.Zero(t, st.Receipts)
		assert.Zero(t, st.Avg)
		assert.True(t, st.First.IsZero())
	})

	t.Run("DeleteReceipt", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertReceipt(ctx, sampleReceipt("a", "2024-01-10", "X", 1500)))
		require.NoError(t, s.DeleteReceipt(ctx, "a"))
		assert.ErrorIs(t, s.DeleteReceipt(ctx, "a"), ErrNotFound)

		st, err := s.ReceiptStats(ctx, ReceiptFilter{})
		require.NoError(t, err)
		assert.Zero(t, st.Items)
	})

	t.Run("CreateAndFinishRun", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run, err := s.CreateRun(ctx, "member@example.com")
		require.NoError(t, err)
		assert.NotEmpty(t, run.ID)
		assert.Equal(t, model.RunStatusRunning, run.Status)

		report := &model.RunReport{
			RunID:    run.ID,
			Identity: "member@example.com",
			Inserted: 3,
			Deferred: []model.Deferral{{WindowKey: "2024-01-01..2024-01-31", Reason: model.DeferBlocked}},
		}
		require.NoError(t, s.FinishRun(ctx, run.ID, report))

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusPartial, got.Status)
		require.NotNil(t, got.Report)
		assert.Equal(t, 3, got.Report.Inserted)
		require.Len(t, got.Report.Deferred, 1)
	})

	t.Run("FinishRunNotFound", func(t *testing.T) {
		s := newStore(t)
		err := s.FinishRun(context.Background(), "nope", &model.RunReport{})
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.GetRun(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ListRuns", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		r1, err := s.CreateRun(ctx, "a@example.com")
		require.NoError(t, err)
		_, err = s.CreateRun(ctx, "b@example.com")
		require.NoError(t, err)
		require.NoError(t, s.FinishRun(ctx, r1.ID, &model.RunReport{Terminal: model.TerminalDetectionLockout}))

		all, err := s.ListRuns(ctx, RunFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		failed, err := s.ListRuns(ctx, RunFilter{Status: model.RunStatusFailed})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, r1.ID, failed[0].ID)

		byIdentity, err := s.ListRuns(ctx, RunFilter{Identity: "b@example.com"})
		require.NoError(t, err)
		assert.Len(t, byIdentity, 1)
	})

	t.Run("Checkpoint", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		cp, err := s.GetCheckpoint(ctx, "member@example.com")
		require.NoError(t, err)
		assert.Nil(t, cp)

		require.NoError(t, s.SaveCheckpoint(ctx, model.Checkpoint{Identity: "member@example.com", Boundary: day("2024-03-01")}))
		require.NoError(t, s.SaveCheckpoint(ctx, model.Checkpoint{Identity: "member@example.com", Boundary: day("2024-02-01")}))

		cp, err = s.GetCheckpoint(ctx, "member@example.com")
		require.NoError(t, err)
		require.NotNil(t, cp)
		assert.True(t, cp.Boundary.Equal(day("2024-02-01")))
	})

	t.Run("Deferred", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		w1 := model.Window{Lower: day("2024-01-01"), Upper: day("2024-01-31")}
		w2 := model.Window{Lower: day("2024-02-01"), Upper: day("2024-02-29")}
		for _, w := range []model.Window{w1, w2, w1} {
			require.NoError(t, s.AddDeferred(ctx, model.Deferral{
				Identity:  "member@example.com",
				WindowKey: w.Key(),
				Lower:     w.Lower,
				Upper:     w.Upper,
				Reason:    model.DeferTransientFetch,
			}))
		}

		got, err := s.ListDeferred(ctx, "member@example.com")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, w2.Key(), got[0].WindowKey, "most recent first")
		assert.Equal(t, 1, got[0].Attempts)
		assert.Equal(t, 2, got[1].Attempts)
		assert.True(t, got[1].Window().Lower.Equal(w1.Lower))

		require.NoError(t, s.ResolveDeferred(ctx, "member@example.com", w1.Key()))
		got, err = s.ListDeferred(ctx, "member@example.com")
		require.NoError(t, err)
		assert.Len(t, got, 1)

		other, err := s.ListDeferred(ctx, "other@example.com")
		require.NoError(t, err)
		assert.Empty(t, other)
	})

	t.Run("Sessions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		data, err := s.LoadSession(ctx, "member@example.com")
		require.NoError(t, err)
		assert.Nil(t, data)

		require.NoError(t, s.SaveSession(ctx, "member@example.com", []byte("v1"), time.Now().Add(time.Hour)))
		require.NoError(t, s.SaveSession(ctx, "member@example.com", []byte("v2"), time.Time{}))
		data, err = s.LoadSession(ctx, "member@example.com")
		require.NoError(t, err)
		assert.Equal(t, "v2", string(data))

		require.NoError(t, s.DeleteSession(ctx, "member@example.com"))
		data, err = s.LoadSession(ctx, "member@example.com")
		require.NoError(t, err)
		assert.Nil(t, data)
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}
