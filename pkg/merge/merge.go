// Package merge collates per-sub-directory result files into a single
// SQLite database.
//
// A Merger walks the immediate sub-directories of a results root, loads the
// file matching a logical table name from each, optionally flattens
// multi-level headers and optionally aggregates groups, then appends the
// rows to a destination table named after the logical name. Each row is
// tagged with a provenance column recording its source sub-directory.
//
// Appends are not idempotent: running the same merge twice appends the rows
// twice. Re-running a partially completed merge against a fresh database is
// the intended recovery path, so no duplicate guard is applied.
package merge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/meldlab/meld/pkg/header"
	"github.com/meldlab/meld/pkg/logging"
	"github.com/meldlab/meld/pkg/scan"
	"github.com/meldlab/meld/pkg/sink"
)

// ConfigError reports invalid configuration. It is always surfaced before
// any sub-directory is processed and never retried.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return e.Msg
}

func configErrf(format string, args ...interface{}) *ConfigError {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// DefaultProvenanceColumn tags merged rows with their source
// sub-directory. The Metadata_ prefix keeps the column recognizable as
// metadata in downstream feature selection.
const DefaultProvenanceColumn = "Metadata_source"

// Options configures a Merger.
type Options struct {
	// Extensions is the recognized tabular extension set.
	// Default: scan.DefaultExtensions.
	Extensions []string
	// Separator joins header components when flattening.
	// Default: header.DefaultSep.
	Separator string
	// ProvenanceColumn is the name of the added source column.
	// Default: DefaultProvenanceColumn.
	ProvenanceColumn string
	// Synchronous is passed through to the sink. Default: "NORMAL".
	Synchronous string
}

func (o *Options) applyDefaults() {
	if len(o.Extensions) == 0 {
		o.Extensions = scan.DefaultExtensions
	}
	if o.Separator == "" {
		o.Separator = header.DefaultSep
	}
	if o.ProvenanceColumn == "" {
		o.ProvenanceColumn = DefaultProvenanceColumn
	}
	if o.Synchronous == "" {
		o.Synchronous = "NORMAL"
	}
}

// Merger drives the scan, flatten, aggregate, and append pipeline for one
// results root. It processes sub-directories strictly sequentially; the
// sink is a single-writer store.
type Merger struct {
	root string
	opts Options
	sink *sink.Sink
}

// New creates a Merger over a results root. The root must exist, be a
// directory, and contain at least one sub-directory.
func New(root string, opts Options) (*Merger, error) {
	opts.applyDefaults()

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat results root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read results root: %w", err)
	}
	hasSubdir := false
	for _, e := range entries {
		if e.IsDir() {
			hasSubdir = true
			break
		}
	}
	if !hasSubdir {
		return nil, fmt.Errorf("%s contains no sub-directories", root)
	}

	return &Merger{root: root, opts: opts}, nil
}

// CreateDB creates (or reopens) the results database named name in dir and
// makes it the merge destination. A missing .sqlite/.sqlite3 suffix is
// added. An existing database is extended, not overwritten; existing
// destination tables are appended to.
func (m *Merger) CreateDB(dir, name string) error {
	if name == "" {
		name = "results"
	}
	lower := strings.ToLower(name)
	if !strings.HasSuffix(lower, ".sqlite") && !strings.HasSuffix(lower, ".sqlite3") {
		name += ".sqlite"
	}
	path := filepath.Join(dir, name)

	if _, err := os.Stat(path); err == nil {
		log := logging.WithPhase("create_db")
		log.Warn().
			Str("db_path", path).
			Msg("database already exists, will be extended")
	}
	return m.UseDB(path)
}

// UseDB opens an existing database file as the merge destination.
func (m *Merger) UseDB(path string) error {
	if m.sink != nil {
		if err := m.sink.Close(); err != nil {
			return fmt.Errorf("close previous database: %w", err)
		}
		m.sink = nil
	}

	cfg := sink.DefaultConfig(path)
	cfg.Synchronous = m.opts.Synchronous
	s, err := sink.Open(cfg)
	if err != nil {
		return err
	}
	m.sink = s
	return nil
}

// DBPath returns the open database path, or "" when no database is open.
func (m *Merger) DBPath() string {
	if m.sink == nil {
		return ""
	}
	return m.sink.Path()
}

// Close releases the sink.
func (m *Merger) Close() error {
	if m.sink == nil {
		return nil
	}
	err := m.sink.Close()
	m.sink = nil
	return err
}

// logicalName strips a recognized extension from a select argument, so
// "DATA" and "DATA.csv" both address the DATA table.
func (m *Merger) logicalName(selectName string) string {
	lower := strings.ToLower(selectName)
	for _, ext := range m.opts.Extensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return selectName[:len(selectName)-len(ext)]
		}
	}
	return selectName
}
