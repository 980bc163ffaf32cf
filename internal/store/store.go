// Package store persists receipts, line items, run history, resumption
// checkpoints, deferred windows and session records. SQLite is the default
// embedded backend; Postgres is available for shared deployments.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/ceagles/receipt-tracker/internal/db"
	"github.com/ceagles/receipt-tracker/internal/model"
)

// ErrNotFound is returned when a keyed lookup has no row.
var ErrNotFound = eris.New("store: not found")

// ReceiptFilter specifies criteria for listing and aggregating receipts.
type ReceiptFilter struct {
	// Location is a case-insensitive substring.
	Location    string       `json:"location,omitempty"`
	Since       time.Time    `json:"since,omitzero"`
	Until       time.Time    `json:"until,omitzero"`
	MinCents    *model.Cents `json:"min_cents,omitempty"`
	MaxCents    *model.Cents `json:"max_cents,omitempty"`
	PartialOnly bool         `json:"partial_only,omitempty"`
	FlaggedOnly bool         `json:"flagged_only,omitempty"`
	// WithItems loads line items for every listed receipt.
	WithItems bool `json:"with_items,omitempty"`
	Limit     int  `json:"limit,omitempty"`
	Offset    int  `json:"offset,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status   model.RunStatus `json:"status,omitempty"`
	Identity string          `json:"identity,omitempty"`
	Limit    int             `json:"limit,omitempty"`
	Offset   int             `json:"offset,omitempty"`
}

// LocationCount is one row of the top-locations breakdown.
type LocationCount struct {
	Location string      `json:"location"`
	Receipts int         `json:"receipts"`
	Total    model.Cents `json:"total"`
}

// Stats aggregates receipts matching a filter.
type Stats struct {
	Receipts     int             `json:"receipts"`
	Items        int             `json:"items"`
	Sum          model.Cents     `json:"sum"`
	Avg          model.Cents     `json:"avg"`
	Min          model.Cents     `json:"min"`
	Max          model.Cents     `json:"max"`
	First        time.Time       `json:"first,omitzero"`
	Last         time.Time       `json:"last,omitzero"`
	Partial      int             `json:"partial"`
	Flagged      int             `json:"flagged"`
	TopLocations []LocationCount `json:"top_locations"`
}

// Store defines the persistence interface for the retrieval pipeline.
type Store interface {
	// Receipts
	UpsertReceipt(ctx context.Context, r model.Receipt) error
	ReceiptExists(ctx context.Context, naturalKey string) (bool, error)
	GetReceipt(ctx context.Context, naturalKey string) (*model.Receipt, error)
	ListReceipts(ctx context.Context, filter ReceiptFilter) ([]model.Receipt, error)
	ReceiptStats(ctx context.Context, filter ReceiptFilter) (*Stats, error)
	DeleteReceipt(ctx context.Context, naturalKey string) error

	// Runs
	CreateRun(ctx context.Context, identity string) (*model.Run, error)
	FinishRun(ctx context.Context, runID string, report *model.RunReport) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Checkpoints
	GetCheckpoint(ctx context.Context, identity string) (*model.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error

	// Deferred windows
	AddDeferred(ctx context.Context, d model.Deferral) error
	ListDeferred(ctx context.Context, identity string) ([]model.Deferral, error)
	ResolveDeferred(ctx context.Context, identity, windowKey string) error

	// Sessions
	LoadSession(ctx context.Context, identity string) ([]byte, error)
	SaveSession(ctx context.Context, identity string, data []byte, expiresAt time.Time) error
	DeleteSession(ctx context.Context, identity string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// receiptColumns is the insert column order shared by both backends.
var receiptColumns = []string{
	"natural_key", "provider_id", "receipt_date", "location", "currency",
	"total_cents", "subtotal_cents", "tax_cents", "receipt_number", "member_number",
	"missing", "flags", "completeness", "source_window",
	"page_url", "page_hash", "raw_index", "snippet",
}

var itemColumns = []string{"natural_key", "position", "name", "item_number", "department", "price_cents", "quantity"}

const receiptSelect = `SELECT natural_key, provider_id, receipt_date, location, currency,
	total_cents, subtotal_cents, tax_cents, receipt_number, member_number,
	missing, flags, source_window, page_url, page_hash, raw_index, snippet,
	created_at, updated_at FROM receipts`

// receiptWhere renders filter as a WHERE clause for dialect d, numbering
// Postgres placeholders from next.
func receiptWhere(d db.Dialect, f ReceiptFilter, next int) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	ph := func(v any) string {
		args = append(args, v)
		if d == db.SQLite {
			return "?"
		}
		s := fmt.Sprintf("$%d", next)
		next++
		return s
	}
	date := func(t time.Time) any {
		if d == db.SQLite {
			return t.Format(model.DateLayout)
		}
		return t
	}

	if f.Location != "" {
		op := "ILIKE"
		if d == db.SQLite {
			op = "LIKE"
		}
		clauses = append(clauses, fmt.Sprintf("location %s %s", op, ph("%"+f.Location+"%")))
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "receipt_date >= "+ph(date(f.Since)))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "receipt_date <= "+ph(date(f.Until)))
	}
	if f.MinCents != nil {
		clauses = append(clauses, "total_cents >= "+ph(int64(*f.MinCents)))
	}
	if f.MaxCents != nil {
		clauses = append(clauses, "total_cents <= "+ph(int64(*f.MaxCents)))
	}
	if f.PartialOnly {
		clauses = append(clauses, "completeness = "+ph(string(model.Partial)))
	}
	if f.FlaggedOnly {
		clauses = append(clauses, flaggedExpr(d))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func flaggedExpr(d db.Dialect) string {
	if d == db.SQLite {
		return "flags <> '[]'"
	}
	return "jsonb_array_length(flags) > 0"
}

func listLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}

// jsonList marshals a string list, encoding nil as an empty array.
func jsonList(v []string) []byte {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return b
}

func centsArg(c *model.Cents) any {
	if c == nil {
		return nil
	}
	return int64(*c)
}

func centsPtr(v *int64) *model.Cents {
	if v == nil {
		return nil
	}
	c := model.Cents(*v)
	return &c
}

func avgCents(sum model.Cents, n int) model.Cents {
	if n == 0 {
		return 0
	}
	// Round half away from zero.
	if sum >= 0 {
		return (sum + model.Cents(n)/2) / model.Cents(n)
	}
	return (sum - model.Cents(n)/2) / model.Cents(n)
}

func receiptArgs(r model.Receipt, date any) []any {
	return []any{
		r.NaturalKey, r.ProviderID, date, r.Location, r.Currency,
		centsArg(r.Total), centsArg(r.Subtotal), centsArg(r.Tax), r.ReceiptNumber, r.MemberNumber,
		string(jsonList(r.Missing)), string(jsonList(r.Flags)), string(r.Completeness()), r.SourceWindow,
		r.Raw.PageURL, r.Raw.PageHash, r.Raw.Index, r.Raw.Snippet,
	}
}

func itemRows(r model.Receipt) [][]any {
	rows := make([][]any, len(r.Items))
	for i, li := range r.Items {
		rows[i] = []any{r.NaturalKey, i, li.Name, li.ItemNumber, li.Department, int64(li.Price), li.Quantity}
	}
	return rows
}

func validateReceipt(r model.Receipt) error {
	if r.NaturalKey == "" {
		return eris.New("store: receipt without natural key")
	}
	return nil
}
