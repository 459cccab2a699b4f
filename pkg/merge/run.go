package merge

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/meldlab/meld/internal/logctx"
	"github.com/meldlab/meld/pkg/aggregate"
	"github.com/meldlab/meld/pkg/header"
	"github.com/meldlab/meld/pkg/logging"
	"github.com/meldlab/meld/pkg/scan"
	"github.com/meldlab/meld/pkg/table"
	"github.com/meldlab/meld/pkg/tabread"
)

// ErrNoMatches is returned when no sub-directory held a file matching the
// logical name.
var ErrNoMatches = errors.New("no files matched")

// ToDBOptions configures a plain merge.
type ToDBOptions struct {
	// HeaderDepth is the number of header rows in each file. Depths
	// greater than one are flattened. Default: 1.
	HeaderDepth int
}

// AggOptions configures an aggregating merge.
type AggOptions struct {
	// HeaderDepth is the number of header rows in each file. Default: 1.
	HeaderDepth int
	// By is the grouping key column(s), named after flattening.
	By []string
	// Method is the reduction statistic. Default: aggregate.Median.
	Method aggregate.Method
}

// Report summarizes a merge run. Skipped sub-directories carry enough
// context for a manual re-run targeting only the failed subset.
type Report struct {
	// Table is the destination table name.
	Table string
	// Appended lists sub-directories whose rows were appended.
	Appended []string
	// RowsAppended is the total row count across appends.
	RowsAppended int64
	// Skips lists sub-directories that contributed nothing, with reasons.
	Skips []scan.Skip
}

// ToDB merges each sub-directory's file for selectName into the destination
// table of the same (logical) name. Sub-directory failures are recorded in
// the report and do not abort the run. Cancelling ctx stops the run between
// sub-directories, leaving completed appends durable.
func (m *Merger) ToDB(ctx context.Context, selectName string, opts ToDBOptions) (*Report, error) {
	if m.sink == nil {
		return nil, configErrf("no database open: call CreateDB or UseDB first")
	}
	logical, depth, err := m.validate(selectName, opts.HeaderDepth)
	if err != nil {
		return nil, err
	}

	return m.run(ctx, "to_db", logical, depth, logical, func(t *table.Table) (*table.Table, error) {
		return t, nil
	})
}

// ToDBAgg merges like ToDB but aggregates each sub-directory's table before
// appending, targeting the <logical>_agg table. Group keys name flattened
// columns; a key missing from one file skips that sub-directory only.
func (m *Merger) ToDBAgg(ctx context.Context, selectName string, opts AggOptions) (*Report, error) {
	if m.sink == nil {
		return nil, configErrf("no database open: call CreateDB or UseDB first")
	}
	logical, depth, err := m.validate(selectName, opts.HeaderDepth)
	if err != nil {
		return nil, err
	}
	if len(opts.By) == 0 {
		return nil, configErrf("aggregation requires at least one group key")
	}
	if !opts.Method.Valid() {
		return nil, configErrf("invalid aggregation method %v", opts.Method)
	}

	return m.run(ctx, "to_db_agg", logical, depth, logical+"_agg", func(t *table.Table) (*table.Table, error) {
		return aggregate.Aggregate(t, opts.By, opts.Method)
	})
}

// ToCSVAgg aggregates like ToDBAgg but concatenates the per-sub-directory
// results into a single CSV file at dest instead of the store. SQLite caps
// the columns per insert, so very wide result tables go through here.
func (m *Merger) ToCSVAgg(ctx context.Context, dest, selectName string, opts AggOptions) (*Report, error) {
	logical, depth, err := m.validate(selectName, opts.HeaderDepth)
	if err != nil {
		return nil, err
	}
	if dest == "" {
		return nil, configErrf("empty destination path")
	}
	if len(opts.By) == 0 {
		return nil, configErrf("aggregation requires at least one group key")
	}
	if !opts.Method.Valid() {
		return nil, configErrf("invalid aggregation method %v", opts.Method)
	}

	f, err := os.Create(dest)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", dest, err)
	}
	w := csv.NewWriter(f)

	var wroteHeader bool
	var headerCols []string
	report, runErr := m.collate(ctx, "to_csv_agg", logical, depth, logical,
		func(t *table.Table) (*table.Table, error) {
			return aggregate.Aggregate(t, opts.By, opts.Method)
		},
		func(subdir string, t *table.Table) error {
			cols := t.ColumnNames()
			if !wroteHeader {
				if err := w.Write(cols); err != nil {
					return err
				}
				wroteHeader = true
				headerCols = cols
			} else if !equalStrings(headerCols, cols) {
				return fmt.Errorf("columns differ from first sub-directory")
			}
			return w.WriteAll(t.Rows)
		})

	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return report, fmt.Errorf("write %s: %w", dest, err)
	}
	if err := f.Close(); err != nil {
		return report, fmt.Errorf("close %s: %w", dest, err)
	}
	return report, runErr
}

func (m *Merger) validate(selectName string, headerDepth int) (logical string, depth int, err error) {
	logical = m.logicalName(selectName)
	if logical == "" {
		return "", 0, configErrf("empty logical table name")
	}
	depth = headerDepth
	if depth == 0 {
		depth = 1
	}
	if depth < 1 {
		return "", 0, configErrf("header depth must be >= 1, got %d", depth)
	}
	return logical, depth, nil
}

// run merges into the sink.
func (m *Merger) run(ctx context.Context, phase, logical string, depth int, tableName string,
	process func(*table.Table) (*table.Table, error)) (*Report, error) {
	return m.collate(ctx, phase, logical, depth, tableName, process,
		func(subdir string, t *table.Table) error {
			return m.sink.Append(tableName, t)
		})
}

// collate is the shared per-sub-directory loop: scan, load, flatten, tag
// provenance, process, deliver. Per-sub-directory failures become recorded
// skips; configuration problems have already been rejected by the callers.
func (m *Merger) collate(ctx context.Context, phase, logical string, depth int, tableName string,
	process func(*table.Table) (*table.Table, error),
	deliver func(subdir string, t *table.Table) error) (*Report, error) {

	log := logging.WithPhase(phase)
	ctx = logctx.WithLogger(ctx, log)

	cursor, err := scan.Scan(m.root, logical, m.opts.Extensions)
	if err != nil {
		return nil, err
	}

	report := &Report{Table: tableName}
	progress := logging.NewMergeProgress(phase, int64(cursor.NumSubdirs()))
	matched := 0

	for {
		if err := ctx.Err(); err != nil {
			// Completed appends stay durable; the rest is simply
			// unprocessed.
			report.finish(cursor)
			return report, err
		}

		entry, ok := cursor.Next()
		if !ok {
			break
		}
		matched++
		subLog := logctx.FromContext(logctx.WithStr(ctx, "subdir", entry.Subdir))

		rows, err := m.mergeOne(entry, depth, process, deliver)
		if err != nil {
			subLog.Warn().Err(err).Msg("sub-directory skipped")
			report.Skips = append(report.Skips, scan.Skip{Subdir: entry.Subdir, Reason: err.Error()})
			progress.RecordSkip()
			continue
		}

		subLog.Info().Int("rows", rows).Str("table", tableName).Msg("appended")
		report.Appended = append(report.Appended, entry.Subdir)
		report.RowsAppended += int64(rows)
		progress.RecordAppend()
	}

	report.finish(cursor)
	progress.LogSummary()

	if matched == 0 {
		return report, fmt.Errorf("%w: no sub-directory of %s holds a file for %q", ErrNoMatches, m.root, logical)
	}
	return report, nil
}

// mergeOne processes a single matched file.
func (m *Merger) mergeOne(entry scan.Entry, depth int,
	process func(*table.Table) (*table.Table, error),
	deliver func(subdir string, t *table.Table) error) (rows int, err error) {

	t, err := m.loadTable(entry, depth)
	if err != nil {
		return 0, err
	}
	t, err = process(t)
	if err != nil {
		return 0, err
	}
	if err := deliver(entry.Subdir, t); err != nil {
		return 0, err
	}
	return t.NumRows(), nil
}

// loadTable reads, flattens, and provenance-tags one file.
func (m *Merger) loadTable(entry scan.Entry, depth int) (*table.Table, error) {
	headerRows, rows, err := tabread.Read(entry.Path, depth)
	if err != nil {
		return nil, err
	}
	names, err := header.Flatten(headerRows, m.opts.Separator)
	if err != nil {
		return nil, err
	}
	t, err := table.New(names, rows)
	if err != nil {
		return nil, err
	}
	if err := t.AddConstColumn(m.opts.ProvenanceColumn, entry.Subdir); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *Report) finish(cursor *scan.Cursor) {
	r.Skips = append(r.Skips, cursor.Skips()...)
	sort.Slice(r.Skips, func(i, j int) bool { return r.Skips[i].Subdir < r.Skips[j].Subdir })
}

func equalStrings(a, b []string) bool {
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
