// Package table provides the in-memory tabular structure passed between the
// reader, flattener, aggregator, and store sink.
//
// Cells are held as strings exactly as read from the source file; the schema
// records an inferred storage type per column so the sink can create typed
// database columns without the merge pipeline re-parsing values.
package table

import (
	"fmt"
	"strconv"
	"strings"
)

// Type is the inferred storage type of a column.
type Type int

const (
	// TypeText stores values as TEXT.
	TypeText Type = iota
	// TypeInteger stores values as INTEGER.
	TypeInteger
	// TypeReal stores values as REAL.
	TypeReal
)

// String returns the SQL type name.
func (t Type) String() string {
	switch t {
	case TypeInteger:
		return "INTEGER"
	case TypeReal:
		return "REAL"
	default:
		return "TEXT"
	}
}

// Numeric reports whether the type participates in aggregation reductions.
func (t Type) Numeric() bool {
	return t == TypeInteger || t == TypeReal
}

// Column is one entry of a table's schema.
type Column struct {
	Name string
	Type Type
}

// Table holds rows read from a single result file. Empty cells represent
// missing values and are stored as NULL by the sink.
type Table struct {
	Cols []Column
	Rows [][]string
}

// New builds a table from column names and rows, inferring a type for each
// column from the row data. It fails if any row width differs from the
// header width.
func New(names []string, rows [][]string) (*Table, error) {
	for i, row := range rows {
		if len(row) != len(names) {
			return nil, fmt.Errorf("row %d has %d cells, header has %d columns", i, len(row), len(names))
		}
	}

	cols := make([]Column, len(names))
	for i, name := range names {
		cols[i] = Column{Name: name, Type: inferType(rows, i)}
	}
	return &Table{Cols: cols, Rows: rows}, nil
}

// ColumnNames returns the ordered column names.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Cols))
	for i, c := range t.Cols {
		names[i] = c.Name
	}
	return names
}

// ColumnIndex returns the index of the named column, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Cols {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// NumRows returns the number of data rows.
func (t *Table) NumRows() int {
	return len(t.Rows)
}

// AddConstColumn appends a column with the same value in every row. Used for
// the provenance column tagging rows with their source sub-directory.
func (t *Table) AddConstColumn(name, value string) error {
	if t.ColumnIndex(name) >= 0 {
		return fmt.Errorf("column %q already exists", name)
	}
	t.Cols = append(t.Cols, Column{Name: name, Type: TypeText})
	for i := range t.Rows {
		t.Rows[i] = append(t.Rows[i], value)
	}
	return nil
}

// inferType scans a column's cells and returns the narrowest type that holds
// every non-empty value. A column with no non-empty values is TEXT.
func inferType(rows [][]string, col int) Type {
	seen := false
	typ := TypeInteger
	for _, row := range rows {
		v := strings.TrimSpace(row[col])
		if v == "" {
			continue
		}
		seen = true
		if typ == TypeInteger {
			if _, err := strconv.ParseInt(v, 10, 64); err == nil {
				continue
			}
			typ = TypeReal
		}
		if typ == TypeReal {
			if _, err := strconv.ParseFloat(v, 64); err == nil {
				continue
			}
			return TypeText
		}
	}
	if !seen {
		return TypeText
	}
	return typ
}
