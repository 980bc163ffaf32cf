package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/ceagles/receipt-tracker/internal/db"
	"github.com/ceagles/receipt-tracker/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	pgInsertRun     = `INSERT INTO runs (id, identity, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`
	pgFinishRun     = `UPDATE runs SET report = $1, status = $2, updated_at = $3 WHERE id = $4`
	pgGetRun        = `SELECT id, identity, status, report, created_at, updated_at FROM runs WHERE id = $1`
	pgReceiptExists = `SELECT EXISTS (SELECT 1 FROM receipts WHERE natural_key = $1)`
	pgDeleteItems   = `DELETE FROM receipt_items WHERE natural_key = $1`
	pgLoadSession   = `SELECT data FROM sessions WHERE identity = $1`
)

var (
	pgUpsertReceipt = mustUpsertSQL(db.UpsertConfig{
		Table:        "receipts",
		Columns:      receiptColumns,
		ConflictKeys: []string{"natural_key"},
		Touch:        []string{"updated_at"},
	})
	pgUpsertCheckpoint = mustUpsertSQL(db.UpsertConfig{
		Table:        "checkpoints",
		Columns:      []string{"identity", "boundary"},
		ConflictKeys: []string{"identity"},
		Touch:        []string{"updated_at"},
	})
	pgUpsertSession = mustUpsertSQL(db.UpsertConfig{
		Table:        "sessions",
		Columns:      []string{"identity", "data", "expires_at"},
		ConflictKeys: []string{"identity"},
		Touch:        []string{"updated_at"},
	})
)

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the per-record store operations.
var preparedStatements = map[string]string{
	"insert_run":     pgInsertRun,
	"finish_run":     pgFinishRun,
	"get_run":        pgGetRun,
	"receipt_exists": pgReceiptExists,
	"upsert_receipt": pgUpsertReceipt,
	"delete_items":   pgDeleteItems,
	"load_session":   pgLoadSession,
}

func mustUpsertSQL(cfg db.UpsertConfig) string {
	sql, err := db.UpsertSQL(db.Postgres, cfg)
	if err != nil {
		panic(err)
	}
	return sql
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(4)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS receipts (
	natural_key    TEXT PRIMARY KEY,
	provider_id    TEXT NOT NULL DEFAULT '',
	receipt_date   DATE,
	location       TEXT NOT NULL DEFAULT '',
	currency       TEXT NOT NULL DEFAULT 'USD',
	total_cents    BIGINT,
	subtotal_cents BIGINT,
	tax_cents      BIGINT,
	receipt_number TEXT NOT NULL DEFAULT '',
	member_number  TEXT NOT NULL DEFAULT '',
	missing        JSONB NOT NULL DEFAULT '[]',
	flags          JSONB NOT NULL DEFAULT '[]',
	completeness   TEXT NOT NULL DEFAULT 'complete',
	source_window  TEXT NOT NULL DEFAULT '',
	page_url       TEXT NOT NULL DEFAULT '',
	page_hash      TEXT NOT NULL DEFAULT '',
	raw_index      INTEGER NOT NULL DEFAULT 0,
	snippet        TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS receipt_items (
	natural_key TEXT NOT NULL REFERENCES receipts(natural_key) ON DELETE CASCADE,
	position    INTEGER NOT NULL,
	name        TEXT NOT NULL,
	item_number TEXT NOT NULL DEFAULT '',
	department  TEXT NOT NULL DEFAULT '',
	price_cents BIGINT NOT NULL,
	quantity    INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (natural_key, position)
);

CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	identity   TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	report     JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS checkpoints (
	identity   TEXT PRIMARY KEY,
	boundary   DATE NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS deferred_windows (
	identity    TEXT NOT NULL,
	window_key  TEXT NOT NULL,
	lower_bound DATE NOT NULL,
	upper_bound DATE NOT NULL,
	reason      TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT '',
	attempts    INTEGER NOT NULL DEFAULT 1,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (identity, window_key)
);

CREATE TABLE IF NOT EXISTS sessions (
	identity   TEXT PRIMARY KEY,
	data       BYTEA NOT NULL,
	expires_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_receipts_date ON receipts(receipt_date DESC);
CREATE INDEX IF NOT EXISTS idx_receipts_location ON receipts(location);
CREATE INDEX IF NOT EXISTS idx_receipts_total ON receipts(total_cents);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_identity ON runs(identity);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Receipts ---

func (s *PostgresStore) UpsertReceipt(ctx context.Context, r model.Receipt) error {
	if err := validateReceipt(r); err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin upsert")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var date any
	if !r.Date.IsZero() {
		date = r.Date
	}
	if _, err := tx.Exec(ctx, pgUpsertReceipt, receiptArgs(r, date)...); err != nil {
		return eris.Wrapf(err, "postgres: upsert receipt %s", r.NaturalKey)
	}
	if _, err := tx.Exec(ctx, pgDeleteItems, r.NaturalKey); err != nil {
		return eris.Wrapf(err, "postgres: clear items %s", r.NaturalKey)
	}
	if _, err := db.CopyFrom(ctx, tx, "receipt_items", itemColumns, itemRows(r)); err != nil {
		return eris.Wrapf(err, "postgres: copy items %s", r.NaturalKey)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit upsert")
}

func (s *PostgresStore) ReceiptExists(ctx context.Context, naturalKey string) (bool, error) {
	var ok bool
	if err := s.pool.QueryRow(ctx, pgReceiptExists, naturalKey).Scan(&ok); err != nil {
		return false, eris.Wrapf(err, "postgres: receipt exists %s", naturalKey)
	}
	return ok, nil
}

func (s *PostgresStore) GetReceipt(ctx context.Context, naturalKey string) (*model.Receipt, error) {
	r, err := scanPGReceipt(s.pool.QueryRow(ctx, receiptSelect+` WHERE natural_key = $1`, naturalKey))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get receipt %s", naturalKey)
	}
	if r.Items, err = s.items(ctx, naturalKey); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *PostgresStore) ListReceipts(ctx context.Context, filter ReceiptFilter) ([]model.Receipt, error) {
	where, args := receiptWhere(db.Postgres, filter, 1)
	argIdx := len(args) + 1
	query := receiptSelect + where + fmt.Sprintf(` ORDER BY receipt_date DESC NULLS LAST, natural_key LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list receipts")
	}
	var out []model.Receipt
	for rows.Next() {
		r, err := scanPGReceipt(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, *r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list receipts iterate")
	}

	if filter.WithItems {
		for i := range out {
			if out[i].Items, err = s.items(ctx, out[i].NaturalKey); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func (s *PostgresStore) items(ctx context.Context, naturalKey string) ([]model.LineItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, item_number, department, price_cents, quantity FROM receipt_items WHERE natural_key = $1 ORDER BY position`,
		naturalKey,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list items %s", naturalKey)
	}
	defer rows.Close()

	var items []model.LineItem
	for rows.Next() {
		var li model.LineItem
		var price int64
		if err := rows.Scan(&li.Name, &li.ItemNumber, &li.Department, &price, &li.Quantity); err != nil {
			return nil, eris.Wrap(err, "postgres: scan item")
		}
		li.Price = model.Cents(price)
		items = append(items, li)
	}
	return items, eris.Wrap(rows.Err(), "postgres: list items iterate")
}

func (s *PostgresStore) ReceiptStats(ctx context.Context, filter ReceiptFilter) (*Stats, error) {
	where, args := receiptWhere(db.Postgres, filter, 1)

	var (
		st               Stats
		counted          int
		sum, minC, maxC  int64
		first, last      *time.Time
		partial, flagged int
	)
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*), COUNT(total_cents), COALESCE(SUM(total_cents), 0)::BIGINT,
		COALESCE(MIN(total_cents), 0), COALESCE(MAX(total_cents), 0), MIN(receipt_date), MAX(receipt_date),
		COUNT(*) FILTER (WHERE completeness = 'partial'),
		COUNT(*) FILTER (WHERE `+flaggedExpr(db.Postgres)+`)
		FROM receipts`+where, args...).
		Scan(&st.Receipts, &counted, &sum, &minC, &maxC, &first, &last, &partial, &flagged)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: receipt stats")
	}
	st.Sum, st.Min, st.Max = model.Cents(sum), model.Cents(minC), model.Cents(maxC)
	st.Avg = avgCents(st.Sum, counted)
	st.Partial, st.Flagged = partial, flagged
	if first != nil {
		st.First = *first
	}
	if last != nil {
		st.Last = *last
	}

	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM receipt_items WHERE natural_key IN (SELECT natural_key FROM receipts`+where+`)`, args...,
	).Scan(&st.Items); err != nil {
		return nil, eris.Wrap(err, "postgres: item stats")
	}

	locWhere := " WHERE location <> ''"
	if where != "" {
		locWhere = where + " AND location <> ''"
	}
	rows, err := s.pool.Query(ctx,
		`SELECT location, COUNT(*), COALESCE(SUM(total_cents), 0)::BIGINT FROM receipts`+locWhere+
			` GROUP BY location ORDER BY COUNT(*) DESC, location LIMIT 5`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: location stats")
	}
	defer rows.Close()
	st.TopLocations = []LocationCount{}
	for rows.Next() {
		var lc LocationCount
		var total int64
		if err := rows.Scan(&lc.Location, &lc.Receipts, &total); err != nil {
			return nil, eris.Wrap(err, "postgres: scan location stats")
		}
		lc.Total = model.Cents(total)
		st.TopLocations = append(st.TopLocations, lc)
	}
	return &st, eris.Wrap(rows.Err(), "postgres: location stats iterate")
}

func (s *PostgresStore) DeleteReceipt(ctx context.Context, naturalKey string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM receipts WHERE natural_key = $1`, naturalKey)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete receipt %s", naturalKey)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "receipt %s", naturalKey)
	}
	return nil
}

// --- Runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, identity string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	if _, err := s.pool.Exec(ctx, pgInsertRun, id, identity, string(model.RunStatusRunning), now, now); err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return &model.Run{
		ID:        id,
		Identity:  identity,
		Status:    model.RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, report *model.RunReport) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal report")
	}

	tag, err := s.pool.Exec(ctx, pgFinishRun, reportJSON, string(report.Status()), time.Now().UTC(), runID)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := scanPGRun(s.pool.QueryRow(ctx, pgGetRun, runID))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, identity, status, report, created_at, updated_at FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Identity != "" {
		query += fmt.Sprintf(` AND identity = $%d`, argIdx)
		args = append(args, filter.Identity)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPGRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// --- Checkpoints ---

func (s *PostgresStore) GetCheckpoint(ctx context.Context, identity string) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	err := s.pool.QueryRow(ctx,
		`SELECT identity, boundary, updated_at FROM checkpoints WHERE identity = $1`, identity,
	).Scan(&cp.Identity, &cp.Boundary, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get checkpoint %s", identity)
	}
	return &cp, nil
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	_, err := s.pool.Exec(ctx, pgUpsertCheckpoint, cp.Identity, cp.Boundary)
	return eris.Wrapf(err, "postgres: save checkpoint %s", cp.Identity)
}

// --- Deferred windows ---

func (s *PostgresStore) AddDeferred(ctx context.Context, d model.Deferral) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO deferred_windows (identity, window_key, lower_bound, upper_bound, reason, detail)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (identity, window_key) DO UPDATE SET
		   reason = excluded.reason, detail = excluded.detail,
		   attempts = deferred_windows.attempts + 1, updated_at = now()`,
		d.Identity, d.WindowKey, d.Lower, d.Upper, string(d.Reason), d.Detail,
	)
	return eris.Wrapf(err, "postgres: add deferred %s", d.WindowKey)
}

func (s *PostgresStore) ListDeferred(ctx context.Context, identity string) ([]model.Deferral, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT identity, window_key, lower_bound, upper_bound, reason, detail, attempts, created_at, updated_at
		 FROM deferred_windows WHERE identity = $1 ORDER BY upper_bound DESC`, identity)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list deferred")
	}
	defer rows.Close()

	var out []model.Deferral
	for rows.Next() {
		var d model.Deferral
		if err := rows.Scan(&d.Identity, &d.WindowKey, &d.Lower, &d.Upper, &d.Reason, &d.Detail, &d.Attempts, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan deferred")
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list deferred iterate")
}

func (s *PostgresStore) ResolveDeferred(ctx context.Context, identity, windowKey string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM deferred_windows WHERE identity = $1 AND window_key = $2`, identity, windowKey)
	return eris.Wrapf(err, "postgres: resolve deferred %s", windowKey)
}

// --- Sessions ---

func (s *PostgresStore) LoadSession(ctx context.Context, identity string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, pgLoadSession, identity).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load session")
	}
	return data, nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, identity string, data []byte, expiresAt time.Time) error {
	var exp any
	if !expiresAt.IsZero() {
		exp = expiresAt.UTC()
	}
	_, err := s.pool.Exec(ctx, pgUpsertSession, identity, data, exp)
	return eris.Wrap(err, "postgres: save session")
}

func (s *PostgresStore) DeleteSession(ctx context.Context, identity string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE identity = $1`, identity)
	return eris.Wrap(err, "postgres: delete session")
}

func scanPGReceipt(row pgx.Row) (*model.Receipt, error) {
	var (
		r                      model.Receipt
		date                   *time.Time
		total, subtotal, tax   *int64
		missingJSON, flagsJSON []byte
	)
	err := row.Scan(&r.NaturalKey, &r.ProviderID, &date, &r.Location, &r.Currency,
		&total, &subtotal, &tax, &r.ReceiptNumber, &r.MemberNumber,
		&missingJSON, &flagsJSON, &r.SourceWindow, &r.Raw.PageURL, &r.Raw.PageHash, &r.Raw.Index, &r.Raw.Snippet,
		&r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan receipt")
	}
	if date != nil {
		r.Date = *date
	}
	r.Total, r.Subtotal, r.Tax = centsPtr(total), centsPtr(subtotal), centsPtr(tax)
	if err := decodeLists(&r, missingJSON, flagsJSON); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanPGRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var reportJSON []byte

	err := row.Scan(&r.ID, &r.Identity, &r.Status, &reportJSON, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "run")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan run")
	}
	if len(reportJSON) > 0 {
		r.Report = &model.RunReport{}
		if err := json.Unmarshal(reportJSON, r.Report); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal report")
		}
	}
	return &r, nil
}
