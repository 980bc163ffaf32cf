package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/ceagles/receipt-tracker/internal/db"
	"github.com/ceagles/receipt-tracker/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB

	upsertReceipt string
	upsertCheckpt string
	upsertSession string
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer; the pipeline is single-threaded per account.
	conn.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close() //nolint:errcheck,gosec
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}

	s := &SQLiteStore{db: conn}
	if s.upsertReceipt, err = db.UpsertSQL(db.SQLite, db.UpsertConfig{
		Table:        "receipts",
		Columns:      append(append([]string{}, receiptColumns...), "created_at", "updated_at"),
		ConflictKeys: []string{"natural_key"},
		UpdateCols:   append(append([]string{}, receiptColumns[1:]...), "updated_at"),
	}); err != nil {
		conn.Close() //nolint:errcheck,gosec
		return nil, err
	}
	if s.upsertCheckpt, err = db.UpsertSQL(db.SQLite, db.UpsertConfig{
		Table:        "checkpoints",
		Columns:      []string{"identity", "boundary", "updated_at"},
		ConflictKeys: []string{"identity"},
	}); err != nil {
		conn.Close() //nolint:errcheck,gosec
		return nil, err
	}
	if s.upsertSession, err = db.UpsertSQL(db.SQLite, db.UpsertConfig{
		Table:        "sessions",
		Columns:      []string{"identity", "data", "expires_at", "updated_at"},
		ConflictKeys: []string{"identity"},
	}); err != nil {
		conn.Close() //nolint:errcheck,gosec
		return nil, err
	}
	return s, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS receipts (
	natural_key    TEXT PRIMARY KEY,
	provider_id    TEXT NOT NULL DEFAULT '',
	receipt_date   TEXT,
	location       TEXT NOT NULL DEFAULT '',
	currency       TEXT NOT NULL DEFAULT 'USD',
	total_cents    INTEGER,
	subtotal_cents INTEGER,
	tax_cents      INTEGER,
	receipt_number TEXT NOT NULL DEFAULT '',
	member_number  TEXT NOT NULL DEFAULT '',
	missing        TEXT NOT NULL DEFAULT '[]',
	flags          TEXT NOT NULL DEFAULT '[]',
	completeness   TEXT NOT NULL DEFAULT 'complete',
	source_window  TEXT NOT NULL DEFAULT '',
	page_url       TEXT NOT NULL DEFAULT '',
	page_hash      TEXT NOT NULL DEFAULT '',
	raw_index      INTEGER NOT NULL DEFAULT 0,
	snippet        TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS receipt_items (
	natural_key TEXT NOT NULL REFERENCES receipts(natural_key) ON DELETE CASCADE,
	position    INTEGER NOT NULL,
	name        TEXT NOT NULL,
	item_number TEXT NOT NULL DEFAULT '',
	department  TEXT NOT NULL DEFAULT '',
	price_cents INTEGER NOT NULL,
	quantity    INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (natural_key, position)
);

CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	identity   TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	report     TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS checkpoints (
	identity   TEXT PRIMARY KEY,
	boundary   TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS deferred_windows (
	identity    TEXT NOT NULL,
	window_key  TEXT NOT NULL,
	lower_bound TEXT NOT NULL,
	upper_bound TEXT NOT NULL,
	reason      TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT '',
	attempts    INTEGER NOT NULL DEFAULT 1,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (identity, window_key)
);

CREATE TABLE IF NOT EXISTS sessions (
	identity   TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	expires_at DATETIME,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_receipts_date ON receipts(receipt_date);
CREATE INDEX IF NOT EXISTS idx_receipts_location ON receipts(location);
CREATE INDEX IF NOT EXISTS idx_receipts_total ON receipts(total_cents);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_identity ON runs(identity);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Receipts ---

func (s *SQLiteStore) UpsertReceipt(ctx context.Context, r model.Receipt) error {
	if err := validateReceipt(r); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin upsert")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	args := append(receiptArgs(r, sqliteDate(r.Date)), now, now)
	if _, err := tx.ExecContext(ctx, s.upsertReceipt, args...); err != nil {
		return eris.Wrapf(err, "sqlite: upsert receipt %s", r.NaturalKey)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM receipt_items WHERE natural_key = ?`, r.NaturalKey); err != nil {
		return eris.Wrapf(err, "sqlite: clear items %s", r.NaturalKey)
	}
	if len(r.Items) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO receipt_items (`+strings.Join(itemColumns, ", ")+`) VALUES (`+db.Placeholders(db.SQLite, 1, len(itemColumns))+`)`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare item insert")
		}
		defer stmt.Close() //nolint:errcheck
		for _, row := range itemRows(r) {
			if _, err := stmt.ExecContext(ctx, row...); err != nil {
				return eris.Wrapf(err, "sqlite: insert item %s", r.NaturalKey)
			}
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit upsert")
}

func (s *SQLiteStore) ReceiptExists(ctx context.Context, naturalKey string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM receipts WHERE natural_key = ?`, naturalKey).Scan(&n)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: receipt exists %s", naturalKey)
	}
	return n > 0, nil
}

func (s *SQLiteStore) GetReceipt(ctx context.Context, naturalKey string) (*model.Receipt, error) {
	r, err := scanReceipt(s.db.QueryRowContext(ctx, receiptSelect+` WHERE natural_key = ?`, naturalKey))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get receipt %s", naturalKey)
	}
	items, err := s.items(ctx, naturalKey)
	if err != nil {
		return nil, err
	}
	r.Items = items
	return r, nil
}

func (s *SQLiteStore) ListReceipts(ctx context.Context, filter ReceiptFilter) ([]model.Receipt, error) {
	where, args := receiptWhere(db.SQLite, filter, 1)
	query := receiptSelect + where + ` ORDER BY receipt_date DESC, natural_key LIMIT ?`
	args = append(args, listLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list receipts")
	}
	var out []model.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			rows.Close() //nolint:errcheck,gosec
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		rows.Close() //nolint:errcheck,gosec
		return nil, eris.Wrap(err, "sqlite: list receipts iterate")
	}
	rows.Close() //nolint:errcheck,gosec

	if filter.WithItems {
		for i := range out {
			if out[i].Items, err = s.items(ctx, out[i].NaturalKey); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func (s *SQLiteStore) items(ctx context.Context, naturalKey string) ([]model.LineItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, item_number, department, price_cents, quantity FROM receipt_items WHERE natural_key = ? ORDER BY position`,
		naturalKey,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list items %s", naturalKey)
	}
	defer rows.Close() //nolint:errcheck

	var items []model.LineItem
	for rows.Next() {
		var li model.LineItem
		var price int64
		if err := rows.Scan(&li.Name, &li.ItemNumber, &li.Department, &price, &li.Quantity); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan item")
		}
		li.Price = model.Cents(price)
		items = append(items, li)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: list items iterate")
}

func (s *SQLiteStore) ReceiptStats(ctx context.Context, filter ReceiptFilter) (*Stats, error) {
	where, args := receiptWhere(db.SQLite, filter, 1)

	var (
		st               Stats
		counted          int
		sum, minC, maxC  int64
		first, last      sql.NullString
		partial, flagged sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COUNT(total_cents), COALESCE(SUM(total_cents), 0),
		COALESCE(MIN(total_cents), 0), COALESCE(MAX(total_cents), 0), MIN(receipt_date), MAX(receipt_date),
		SUM(CASE WHEN completeness = 'partial' THEN 1 ELSE 0 END),
		SUM(CASE WHEN `+flaggedExpr(db.SQLite)+` THEN 1 ELSE 0 END)
		FROM receipts`+where, args...).
		Scan(&st.Receipts, &counted, &sum, &minC, &maxC, &first, &last, &partial, &flagged)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: receipt stats")
	}
	st.Sum, st.Min, st.Max = model.Cents(sum), model.Cents(minC), model.Cents(maxC)
	st.Avg = avgCents(st.Sum, counted)
	st.Partial, st.Flagged = int(partial.Int64), int(flagged.Int64)
	st.First = parseSQLiteDate(first)
	st.Last = parseSQLiteDate(last)

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM receipt_items WHERE natural_key IN (SELECT natural_key FROM receipts`+where+`)`, args...,
	).Scan(&st.Items); err != nil {
		return nil, eris.Wrap(err, "sqlite: item stats")
	}

	locWhere := where
	if locWhere == "" {
		locWhere = " WHERE location <> ''"
	} else {
		locWhere += " AND location <> ''"
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT location, COUNT(*), COALESCE(SUM(total_cents), 0) FROM receipts`+locWhere+
			` GROUP BY location ORDER BY COUNT(*) DESC, location LIMIT 5`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: location stats")
	}
	defer rows.Close() //nolint:errcheck
	st.TopLocations = []LocationCount{}
	for rows.Next() {
		var lc LocationCount
		var total int64
		if err := rows.Scan(&lc.Location, &lc.Receipts, &total); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan location stats")
		}
		lc.Total = model.Cents(total)
		st.TopLocations = append(st.TopLocations, lc)
	}
	return &st, eris.Wrap(rows.Err(), "sqlite: location stats iterate")
}

func (s *SQLiteStore) DeleteReceipt(ctx context.Context, naturalKey string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM receipt_items WHERE natural_key = ?`, naturalKey); err != nil {
		return eris.Wrapf(err, "sqlite: delete items %s", naturalKey)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM receipts WHERE natural_key = ?`, naturalKey)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete receipt %s", naturalKey)
	}
	return checkRowsAffected(res, "receipt", naturalKey)
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, identity string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, identity, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, identity, string(model.RunStatusRunning), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:        id,
		Identity:  identity,
		Status:    model.RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, report *model.RunReport) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal report")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET report = ?, status = ?, updated_at = ? WHERE id = ?`,
		string(reportJSON), string(report.Status()), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, identity, status, report, created_at, updated_at FROM runs WHERE id = ?`,
		runID,
	)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, identity, status, report, created_at, updated_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Identity != "" {
		query += ` AND identity = ?`
		args = append(args, filter.Identity)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// --- Checkpoints ---

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, identity string) (*model.Checkpoint, error) {
	var (
		cp       model.Checkpoint
		boundary string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT identity, boundary, updated_at FROM checkpoints WHERE identity = ?`, identity,
	).Scan(&cp.Identity, &boundary, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get checkpoint %s", identity)
	}
	if cp.Boundary, err = time.Parse(model.DateLayout, boundary); err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse checkpoint %s", identity)
	}
	return &cp, nil
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	_, err := s.db.ExecContext(ctx, s.upsertCheckpt,
		cp.Identity, cp.Boundary.Format(model.DateLayout), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: save checkpoint %s", cp.Identity)
}

// --- Deferred windows ---

func (s *SQLiteStore) AddDeferred(ctx context.Context, d model.Deferral) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deferred_windows (identity, window_key, lower_bound, upper_bound, reason, detail, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT (identity, window_key) DO UPDATE SET
		   reason = excluded.reason, detail = excluded.detail,
		   attempts = deferred_windows.attempts + 1, updated_at = excluded.updated_at`,
		d.Identity, d.WindowKey, d.Lower.Format(model.DateLayout), d.Upper.Format(model.DateLayout),
		string(d.Reason), d.Detail, now, now,
	)
	return eris.Wrapf(err, "sqlite: add deferred %s", d.WindowKey)
}

func (s *SQLiteStore) ListDeferred(ctx context.Context, identity string) ([]model.Deferral, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT identity, window_key, lower_bound, upper_bound, reason, detail, attempts, created_at, updated_at
		 FROM deferred_windows WHERE identity = ? ORDER BY upper_bound DESC`, identity)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list deferred")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Deferral
	for rows.Next() {
		var (
			d            model.Deferral
			lower, upper string
		)
		if err := rows.Scan(&d.Identity, &d.WindowKey, &lower, &upper, &d.Reason, &d.Detail, &d.Attempts, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan deferred")
		}
		if d.Lower, err = time.Parse(model.DateLayout, lower); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse deferred lower bound")
		}
		if d.Upper, err = time.Parse(model.DateLayout, upper); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse deferred upper bound")
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list deferred iterate")
}

func (s *SQLiteStore) ResolveDeferred(ctx context.Context, identity, windowKey string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM deferred_windows WHERE identity = ? AND window_key = ?`, identity, windowKey)
	return eris.Wrapf(err, "sqlite: resolve deferred %s", windowKey)
}

// --- Sessions ---

func (s *SQLiteStore) LoadSession(ctx context.Context, identity string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE identity = ?`, identity).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load session")
	}
	return data, nil
}

func (s *SQLiteStore) SaveSession(ctx context.Context, identity string, data []byte, expiresAt time.Time) error {
	var exp any
	if !expiresAt.IsZero() {
		exp = expiresAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, s.upsertSession, identity, data, exp, time.Now().UTC())
	return eris.Wrap(err, "sqlite: save session")
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, identity string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE identity = ?`, identity)
	return eris.Wrap(err, "sqlite: delete session")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func sqliteDate(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(model.DateLayout)
}

func parseSQLiteDate(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	t, err := time.Parse(model.DateLayout, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func scanReceipt(row scannable) (*model.Receipt, error) {
	var (
		r                      model.Receipt
		date                   sql.NullString
		total, subtotal, tax   sql.NullInt64
		missingJSON, flagsJSON string
	)
	err := row.Scan(&r.NaturalKey, &r.ProviderID, &date, &r.Location, &r.Currency,
		&total, &subtotal, &tax, &r.ReceiptNumber, &r.MemberNumber,
		&missingJSON, &flagsJSON, &r.SourceWindow, &r.Raw.PageURL, &r.Raw.PageHash, &r.Raw.Index, &r.Raw.Snippet,
		&r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan receipt")
	}
	r.Date = parseSQLiteDate(date)
	r.Total, r.Subtotal, r.Tax = nullCents(total), nullCents(subtotal), nullCents(tax)
	if err := decodeLists(&r, []byte(missingJSON), []byte(flagsJSON)); err != nil {
		return nil, err
	}
	return &r, nil
}

func nullCents(v sql.NullInt64) *model.Cents {
	if !v.Valid {
		return nil
	}
	return centsPtr(&v.Int64)
}

func decodeLists(r *model.Receipt, missing, flags []byte) error {
	if len(missing) > 0 {
		if err := json.Unmarshal(missing, &r.Missing); err != nil {
			return eris.Wrap(err, "store: unmarshal missing fields")
		}
	}
	if len(flags) > 0 {
		if err := json.Unmarshal(flags, &r.Flags); err != nil {
			return eris.Wrap(err, "store: unmarshal flags")
		}
	}
	if len(r.Missing) == 0 {
		r.Missing = nil
	}
	if len(r.Flags) == 0 {
		r.Flags = nil
	}
	return nil
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var reportJSON sql.NullString

	err := row.Scan(&r.ID, &r.Identity, &r.Status, &reportJSON, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "run")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	if reportJSON.Valid {
		r.Report = &model.RunReport{}
		if err := json.Unmarshal([]byte(reportJSON.String), r.Report); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal report")
		}
	}
	return &r, nil
}
