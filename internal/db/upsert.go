package db

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Dialect selects placeholder syntax.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

// UpsertConfig defines a single-row insert-or-update statement.
type UpsertConfig struct {
	Table        string   // target table (e.g., "receipts")
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns to update on conflict; nil = all non-conflict columns
	// Touch lists columns set to the current timestamp on update.
	Touch []string
}

// UpsertSQL builds INSERT ... ON CONFLICT (keys) DO UPDATE for one row.
// Arguments are bound in Columns order.
func UpsertSQL(d Dialect, cfg UpsertConfig) (string, error) {
	if len(cfg.Columns) == 0 {
		return "", eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return "", eris.New("db: upsert: no conflict keys specified")
	}

	updateCols := cfg.UpdateCols
	if updateCols == nil {
		conflictSet := make(map[string]bool, len(cfg.ConflictKeys))
		for _, k := range cfg.ConflictKeys {
			conflictSet[k] = true
		}
		for _, c := range cfg.Columns {
			if !conflictSet[c] {
				updateCols = append(updateCols, c)
			}
		}
	}

	setClauses := make([]string, 0, len(updateCols)+len(cfg.Touch))
	for _, col := range updateCols {
		q := pgx.Identifier{col}.Sanitize()
		setClauses = append(setClauses, fmt.Sprintf("%s = excluded.%s", q, q))
	}
	for _, col := range cfg.Touch {
		setClauses = append(setClauses, fmt.Sprintf("%s = CURRENT_TIMESTAMP", pgx.Identifier{col}.Sanitize()))
	}

	action := "DO NOTHING"
	if len(setClauses) > 0 {
		action = "DO UPDATE SET " + strings.Join(setClauses, ", ")
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		sanitizeTable(cfg.Table),
		quoteAndJoin(cfg.Columns),
		Placeholders(d, 1, len(cfg.Columns)),
		quoteAndJoin(cfg.ConflictKeys),
		action,
	), nil
}

// Placeholders returns n comma-separated bind markers starting at from.
func Placeholders(d Dialect, from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		if d == SQLite {
			parts[i] = "?"
		} else {
			parts[i] = "$" + strconv.Itoa(from+i)
		}
	}
	return strings.Join(parts, ", ")
}

// sanitizeTable handles schema-qualified table names like "public.receipts".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
