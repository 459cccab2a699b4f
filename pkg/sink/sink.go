// Package sink wraps the SQLite database that merged result tables are
// appended to.
//
// A destination table is created on first append with the incoming table's
// schema; later appends must carry the identical column list or they fail
// with a SchemaMismatchError. Silently coercing schemas would corrupt
// downstream aggregates, so the mismatch is surfaced per append and the
// caller decides whether the run continues.
package sink

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/meldlab/meld/pkg/logging"
	"github.com/meldlab/meld/pkg/table"
)

// Config holds configuration for the store sink.
type Config struct {
	// DBPath is the path to the SQLite database file.
	DBPath string
	// Synchronous sets the SQLite synchronous pragma. "NORMAL" is the
	// default; "OFF" trades crash safety for speed, "FULL" the reverse.
	Synchronous string
}

// DefaultConfig returns a default sink configuration.
func DefaultConfig(dbPath string) Config {
	return Config{
		DBPath:      dbPath,
		Synchronous: "NORMAL",
	}
}

// Validate checks configuration values.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("DBPath is required")
	}
	switch c.Synchronous {
	case "", "OFF", "NORMAL", "FULL":
	default:
		return fmt.Errorf("invalid Synchronous value %q: must be OFF, NORMAL, or FULL", c.Synchronous)
	}
	return nil
}

// SchemaMismatchError reports an append whose columns differ from an
// existing destination table. The existing table is left untouched.
type SchemaMismatchError struct {
	Table    string
	Existing []string
	Incoming []string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch on table %q: existing columns %v, incoming columns %v",
		e.Table, e.Existing, e.Incoming)
}

// Sink is an append-only SQLite store for merged result tables.
// Appends must be issued by a single writer.
type Sink struct {
	db  *sql.DB
	cfg Config
}

// Open creates or opens the SQLite database at cfg.DBPath.
func Open(cfg Config) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Synchronous == "" {
		cfg.Synchronous = "NORMAL"
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA synchronous=%s", cfg.Synchronous),
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute pragma %q: %w", pragma, err)
		}
	}

	log := logging.WithPhase("sink_open")
	log.Debug().
		Str("db_path", cfg.DBPath).
		Str("synchronous", cfg.Synchronous).
		Msg("opened results database")

	return &Sink{db: db, cfg: cfg}, nil
}

// Close closes the database connection.
func (s *Sink) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Sink) Path() string {
	return s.cfg.DBPath
}

// DB exposes the underlying handle for read-side queries against the
// merged store.
func (s *Sink) DB() *sql.DB {
	return s.db
}

// TableExists reports whether a destination table exists.
func (s *Sink) TableExists(name string) (bool, error) {
	var one int
	err := s.db.QueryRow(
		"SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check table exists: %w", err)
	}
	return true, nil
}

// RowCount returns the number of rows in a destination table.
func (s *Sink) RowCount(name string) (int64, error) {
	var n int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM " + quoteIdent(name)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count rows in %s: %w", name, err)
	}
	return n, nil
}

// Append writes t's rows to the named destination table inside one
// transaction, creating the table if it does not exist. The incoming column
// list must match an existing table exactly (names, in order) or the append
// fails with a SchemaMismatchError before any row is written.
func (s *Sink) Append(name string, t *table.Table) error {
	if len(t.Cols) == 0 {
		return fmt.Errorf("table %q: no columns to append", name)
	}

	exists, err := s.TableExists(name)
	if err != nil {
		return err
	}
	if exists {
		if err := s.checkSchema(name, t); err != nil {
			return err
		}
	} else {
		if err := s.createTable(name, t); err != nil {
			return err
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	stmt, err := tx.Prepare(buildInsertSQL(name, t.Cols))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}

	args := make([]interface{}, len(t.Cols))
	for _, row := range t.Rows {
		for i, cell := range row {
			// Empty cells are stored as NULL so numeric columns stay
			// aggregatable in SQL.
			if cell == "" {
				args[i] = nil
			} else {
				args[i] = cell
			}
		}
		if _, err := stmt.Exec(args...); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("insert into %s: %w", name, err)
		}
	}

	if err := stmt.Close(); err != nil {
		tx.Rollback()
		return fmt.Errorf("close insert statement: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append to %s: %w", name, err)
	}
	return nil
}

func (s *Sink) createTable(name string, t *table.Table) error {
	var cols strings.Builder
	for i, col := range t.Cols {
		if i > 0 {
			cols.WriteString(",\n    ")
		}
		cols.WriteString(quoteIdent(col.Name))
		cols.WriteString(" ")
		cols.WriteString(col.Type.String())
	}
	create := fmt.Sprintf("CREATE TABLE %s (\n    %s\n)", quoteIdent(name), cols.String())
	if _, err := s.db.Exec(create); err != nil {
		return fmt.Errorf("create table %s: %w", name, err)
	}
	return nil
}

func (s *Sink) checkSchema(name string, t *table.Table) error {
	existing, err := s.tableColumns(name)
	if err != nil {
		return err
	}
	incoming := t.ColumnNames()
	if !equalColumns(existing, incoming) {
		return &SchemaMismatchError{Table: name, Existing: existing, Incoming: incoming}
	}
	return nil
}

func (s *Sink) tableColumns(name string) ([]string, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(name)))
	if err != nil {
		return nil, fmt.Errorf("read table info for %s: %w", name, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			cid     int
			colName string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		cols = append(cols, colName)
	}
	return cols, rows.Err()
}

func buildInsertSQL(name string, cols []table.Column) string {
	var names, marks strings.Builder
	for i, col := range cols {
		if i > 0 {
			names.WriteString(", ")
			marks.WriteString(", ")
		}
		names.WriteString(quoteIdent(col.Name))
		marks.WriteString("?")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdent(name), names.String(), marks.String())
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func equalColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
