// Package writer persists finalized date results. The SQLite backend
// writes each date in one transaction so a writer failure never leaves
// half a date behind.
package writer

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/0xFlo/prism-sub001/pkg/coordinator"
)

const schema = `
CREATE TABLE IF NOT EXISTS search_rows (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account TEXT NOT NULL,
	site TEXT NOT NULL,
	date TEXT NOT NULL,
	keys TEXT NOT NULL,
	clicks REAL NOT NULL,
	impressions REAL NOT NULL,
	ctr REAL NOT NULL,
	position REAL NOT NULL,
	written_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_search_rows_date ON search_rows(account, site, date);
`

// SQLiteWriter stores report rows in a local SQLite database.
type SQLiteWriter struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteWriter opens (or creates) the database at path and ensures
// the schema exists.
func NewSQLiteWriter(path string, logger zerolog.Logger) (*SQLiteWriter, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteWriter{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (w *SQLiteWriter) Close() error {
	return w.db.Close()
}

// WriteDate inserts all rows of a finalized date in one transaction.
// Already-stored rows for the same date are replaced, so requeued or
// re-run dates do not duplicate.
func (w *SQLiteWriter) WriteDate(account, site string, result *coordinator.DateResult) error {
	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`DELETE FROM search_rows WHERE account = ? AND site = ? AND date = ?`,
		account, site, result.Date,
	); err != nil {
		return fmt.Errorf("clear existing rows: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO search_rows
		(account, site, date, keys, clicks, impressions, ctr, position, written_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, row := range result.Rows {
		if _, err := stmt.Exec(
			account, site, result.Date,
			strings.Join(row.Keys, "\x1f"),
			row.Clicks, row.Impressions, row.CTR, row.Position,
			now,
		); err != nil {
			return fmt.Errorf("insert row for %s: %w", result.Date, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit date %s: %w", result.Date, err)
	}

	w.logger.Debug().
		Str("date", result.Date).
		Int("rows", len(result.Rows)).
		Msg("Date persisted")
	return nil
}

// CountRows returns how many rows are stored for a date. Used by
// tests and the CLI summary.
func (w *SQLiteWriter) CountRows(account, site, date string) (int, error) {
	var count int
	err := w.db.QueryRow(
		`SELECT COUNT(*) FROM search_rows WHERE account = ? AND site = ? AND date = ?`,
		account, site, date,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return count, nil
}

// Bind adapts the writer to the coordinator's writer callback for a
// fixed account and site.
func (w *SQLiteWriter) Bind(account, site string) coordinator.WriterFunc {
	return func(result *coordinator.DateResult) coordinator.CallbackResult {
		if err := w.WriteDate(account, site, result); err != nil {
			w.logger.Error().Err(err).Str("date", result.Date).Msg("Writer failed")
			return coordinator.CallbackResult{
				Verdict: coordinator.VerdictError,
				Reason:  err.Error(),
			}
		}
		return coordinator.OK()
	}
}
