// Package header flattens multi-level column headers into single-level
// column names, and inflates them back.
//
// A multi-level header is depth parallel rows of equal length; the name of
// column i is formed from the i-th value of each row, top to bottom. The
// flattened names are used verbatim as aggregation keys downstream, so two
// distinct raw headers collapsing to the same name is an error rather than a
// silent merge.
package header

import (
	"fmt"
	"strings"
)

// DefaultSep joins header components in flattened names.
const DefaultSep = "_"

// placeholderPrefix marks blank spanned cells as written by common tabular
// writers ("Unnamed: 3_level_1"). Treated the same as an empty component.
const placeholderPrefix = "Unnamed:"

// CollisionError reports two columns with distinct raw headers that flatten
// to the same name.
type CollisionError struct {
	Name          string
	First, Second int // column positions
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("header collision: columns %d and %d both flatten to %q",
		e.First, e.Second, e.Name)
}

// Flatten collapses depth parallel header rows into one name per column.
//
// Depth 1 returns the single row unchanged. For depth >= 2, each column's
// components are trimmed, empty and placeholder components dropped, exact
// repeats de-duplicated in order, and the remainder joined with sep. The
// result depends only on the header rows, so identical raw headers always
// flatten identically.
func Flatten(headerRows [][]string, sep string) ([]string, error) {
	if len(headerRows) == 0 {
		return nil, fmt.Errorf("empty header")
	}
	if sep == "" {
		sep = DefaultSep
	}

	width := len(headerRows[0])
	for d, row := range headerRows {
		if len(row) != width {
			return nil, fmt.Errorf("header row %d has %d columns, row 0 has %d", d, len(row), width)
		}
	}

	if len(headerRows) == 1 {
		out := make([]string, width)
		copy(out, headerRows[0])
		return out, nil
	}

	names := make([]string, width)
	for col := 0; col < width; col++ {
		var parts []string
		for _, row := range headerRows {
			v := strings.TrimSpace(row[col])
			if v == "" || strings.HasPrefix(v, placeholderPrefix) {
				continue
			}
			if len(parts) > 0 && parts[len(parts)-1] == v {
				continue
			}
			parts = append(parts, v)
		}
		names[col] = strings.Join(parts, sep)
	}

	if err := checkCollisions(names); err != nil {
		return nil, err
	}
	return names, nil
}

// Inflate splits flattened names back into header rows, the inverse of
// Flatten for headers whose components contain no separator. Columns with
// fewer components than the deepest column are padded with trailing empties.
func Inflate(names []string, sep string) ([][]string, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("empty header")
	}
	if sep == "" {
		sep = DefaultSep
	}

	split := make([][]string, len(names))
	depth := 0
	for i, name := range names {
		split[i] = strings.Split(name, sep)
		if len(split[i]) > depth {
			depth = len(split[i])
		}
	}

	rows := make([][]string, depth)
	for d := range rows {
		rows[d] = make([]string, len(names))
		for i := range names {
			if d < len(split[i]) {
				rows[d][i] = split[i][d]
			}
		}
	}
	return rows, nil
}

func checkCollisions(names []string) error {
	seen := make(map[string]int, len(names))
	for i, name := range names {
		if first, ok := seen[name]; ok {
			return &CollisionError{Name: name, First: first, Second: i}
		}
		seen[name] = i
	}
	return nil
}
