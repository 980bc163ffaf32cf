//go:build !integration

package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/ceagles/receipt-tracker/internal/config"
	"github.com/ceagles/receipt-tracker/internal/driver"
	"github.com/ceagles/receipt-tracker/internal/model"
	"github.com/ceagles/receipt-tracker/internal/store"
)

func sampleReceipts() []model.Receipt {
	return []model.Receipt{
		{
			NaturalKey: "rcpt:a1",
			Date:       day("2024-03-10"),
			Location:   "Issaquah",
			Currency:   "USD",
			Total:      model.Amount(2050),
			Subtotal:   model.Amount(1900),
			Tax:        model.Amount(150),
			Items: []model.LineItem{
				{Name: "Rotisserie Chicken", ItemNumber: "87745", Price: 499, Quantity: 1},
				{Name: "Paper Towels", Price: 1401, Quantity: 1},
			},
		},
		{
			NaturalKey: "h:0123456789abcdef",
			Location:   "Kirkland",
			Missing:    []string{model.FieldDate, model.FieldTotal},
			Flags:      []string{model.FlagSubtotalTaxTotalMismatch},
		},
	}
}

func TestFormatReceiptsList(t *testing.T) {
	var buf bytes.Buffer
	formatReceiptsList(&buf, sampleReceipts())

	output := buf.String()
	assert.Contains(t, output, "DATE")
	assert.Contains(t, output, "2024-03-10")
	assert.Contains(t, output, "Issaquah")
	assert.Contains(t, output, "20.50")
	assert.Contains(t, output, "partial")
	assert.Contains(t, output, "subtotal_tax_total_mismatch")
	assert.Contains(t, strings.ToLower(output), "2 receipts")
}

func TestFormatReceiptStats(t *testing.T) {
	var buf bytes.Buffer
	formatReceiptStats(&buf, &store.Stats{
		Receipts: 2,
		Sum:      3000,
		Avg:      1500,
		Min:      1000,
		Max:      2000,
		First:    day("2024-01-05"),
		Last:     day("2024-03-10"),
		TopLocations: []store.LocationCount{
			{Location: "Issaquah", Receipts: 2, Total: 3000},
		},
	})

	output := buf.String()
	assert.Contains(t, output, "30.00")
	assert.Contains(t, output, "2024-01-05 .. 2024-03-10")
	assert.Contains(t, output, "LOCATION")
	assert.Contains(t, output, "Issaquah")
}

func TestReceiptFilter(t *testing.T) {
	c := &cobra.Command{Use: "search"}
	addFilterFlags(c, true, 100)
	require.NoError(t, c.Flags().Set("location", "issaquah"))
	require.NoError(t, c.Flags().Set("since", "2024-01-01"))
	require.NoError(t, c.Flags().Set("min", "$25.00"))
	require.NoError(t, c.Flags().Set("partial", "true"))

	f, err := receiptFilter(c)
	require.NoError(t, err)
	assert.Equal(t, "issaquah", f.Location)
	assert.Equal(t, day("2024-01-01"), f.Since)
	assert.True(t, f.Until.IsZero())
	require.NotNil(t, f.MinCents)
	assert.Equal(t, model.Cents(2500), *f.MinCents)
	assert.Nil(t, f.MaxCents)
	assert.True(t, f.PartialOnly)
	assert.Equal(t, 100, f.Limit)

	require.NoError(t, c.Flags().Set("until", "March 1"))
	_, err = receiptFilter(c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--until")
}

func TestBuildWorkbook(t *testing.T) {
	wb, err := buildWorkbook(sampleReceipts())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "receipts.xlsx")
	require.NoError(t, wb.Save(path))

	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	rs, ok := f.Sheet["Receipts"]
	require.True(t, ok)
	require.Len(t, rs.Rows, 3, "header plus two receipts")
	assert.Equal(t, "rcpt:a1", rs.Rows[1].Cells[0].String())
	assert.Equal(t, "2024-03-10", rs.Rows[1].Cells[1].String())
	assert.Equal(t, "partial", rs.Rows[2].Cells[7].String())

	is, ok := f.Sheet["Items"]
	require.True(t, ok)
	require.Len(t, is.Rows, 3, "header plus two items")
	assert.Equal(t, "Rotisserie Chicken", is.Rows[1].Cells[2].String())
	price, err := is.Rows[1].Cells[5].Float()
	require.NoError(t, err)
	assert.InDelta(t, 4.99, price, 0.001)
}

func TestReceiptsCommands_AgainstSQLite(t *testing.T) {
	dir := t.TempDir()
	cfg = &config.Config{Store: config.StoreConfig{Driver: "sqlite", Path: filepath.Join(dir, "r.db")}}
	ctx := context.Background()

	st, err := initStore(ctx)
	require.NoError(t, err)
	for _, r := range sampleReceipts() {
		require.NoError(t, st.UpsertReceipt(ctx, r))
	}
	require.NoError(t, st.Close())

	receiptsExportCmd.SetContext(ctx)
	defer receiptsExportCmd.SetContext(context.TODO())
	out := filepath.Join(dir, "out.xlsx")
	require.NoError(t, receiptsExportCmd.Flags().Set("out", out))
	defer receiptsExportCmd.Flags().Set("out", "receipts.xlsx") //nolint:errcheck
	require.NoError(t, receiptsExportCmd.RunE(receiptsExportCmd, nil))

	f, err := xlsx.OpenFile(out)
	require.NoError(t, err)
	assert.Len(t, f.Sheet["Receipts"].Rows, 3)
	assert.Len(t, f.Sheet["Items"].Rows, 3)

	receiptsDeleteCmd.SetContext(ctx)
	defer receiptsDeleteCmd.SetContext(context.TODO())
	require.NoError(t, receiptsDeleteCmd.RunE(receiptsDeleteCmd, []string{"rcpt:a1"}))

	st, err = initStore(ctx)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	_, err = st.GetReceipt(ctx, "rcpt:a1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFormatSession_NeverPrintsSecrets(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	blob, err := driver.StorageState{Cookies: []driver.Cookie{
		{Name: "sid", Value: "super-secret-cookie", Domain: "example.com", Path: "/"},
		{Name: "old", Value: "stale-value", Domain: "example.com", Path: "/", Expires: now.Add(-time.Hour)},
	}}.Encode()
	require.NoError(t, err)

	var buf bytes.Buffer
	formatSession(&buf, &model.SessionState{
		Identity:   "member@example.com",
		Blob:       blob,
		CapturedAt: now.Add(-time.Hour),
		Validity:   24 * time.Hour,
	}, now)

	output := buf.String()
	assert.Contains(t, output, "member@example.com")
	assert.Contains(t, output, "true")
	assert.Contains(t, output, "2 (1 unexpired)")
	assert.NotContains(t, output, "super-secret-cookie")
	assert.NotContains(t, output, "stale-value")
}

func TestSessionClearCmd(t *testing.T) {
	dir := t.TempDir()
	cfg = &config.Config{
		Account: config.AccountConfig{Identity: "member@example.com"},
		Store:   config.StoreConfig{Driver: "sqlite", Path: filepath.Join(dir, "r.db")},
	}
	ctx := context.Background()

	st, err := initStore(ctx)
	require.NoError(t, err)
	sessions, err := initSessions(st)
	require.NoError(t, err)
	require.NoError(t, sessions.Persist(ctx, model.SessionState{
		Identity:   "member@example.com",
		Blob:       []byte(`{"cookies":[]}`),
		CapturedAt: time.Now().UTC(),
		Validity:   time.Hour,
	}))
	require.NoError(t, st.Close())

	sessionClearCmd.SetContext(ctx)
	defer sessionClearCmd.SetContext(context.TODO())
	require.NoError(t, sessionClearCmd.RunE(sessionClearCmd, nil))

	st, err = initStore(ctx)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	data, err := st.LoadSession(ctx, "member@example.com")
	require.NoError(t, err)
	assert.Nil(t, data)
}
