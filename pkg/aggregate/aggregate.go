// Package aggregate groups a table's rows by one or more key columns and
// reduces each group with an enumerated statistic.
//
// Numeric columns are reduced per group; non-numeric columns other than the
// keys carry the first value seen in the group, which keeps constant
// metadata (well labels, provenance) intact through aggregation. Rows with
// a missing value in any key column are excluded; there is no group for an
// unknown key.
package aggregate

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/meldlab/meld/pkg/table"
)

// Method is an aggregation statistic.
type Method int

const (
	// Median is the default reduction.
	Median Method = iota
	Mean
	Sum
	Min
	Max
	// Count reduces each numeric column to the number of non-missing
	// values in the group.
	Count
)

var methodNames = map[Method]string{
	Median: "median",
	Mean:   "mean",
	Sum:    "sum",
	Min:    "min",
	Max:    "max",
	Count:  "count",
}

// String returns the method's configuration name.
func (m Method) String() string {
	if s, ok := methodNames[m]; ok {
		return s
	}
	return fmt.Sprintf("method(%d)", int(m))
}

// Valid reports whether m is one of the enumerated methods.
func (m Method) Valid() bool {
	_, ok := methodNames[m]
	return ok
}

// ParseMethod maps a configuration name to a Method. Unrecognized names are
// rejected here, before any data is touched.
func ParseMethod(s string) (Method, error) {
	for m, name := range methodNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown aggregation method %q: options are median, mean, sum, min, max, count", s)
}

// MissingKeyError reports a group key absent from the table's columns.
type MissingKeyError struct {
	Key string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("group key %q is not a column in the table", e.Key)
}

// groupSep separates composite key components in the internal group map.
// Unit separator, so it cannot appear in sane key values.
const groupSep = "\x1f"

// Aggregate reduces t to one row per distinct value of keys. The output
// keeps t's column order and is sorted ascending by key value
// (lexicographic for composite keys).
func Aggregate(t *table.Table, keys []string, method Method) (*table.Table, error) {
	if !method.Valid() {
		return nil, fmt.Errorf("invalid aggregation method %v", method)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no group keys given")
	}

	keyIdx := make([]int, len(keys))
	for i, key := range keys {
		idx := t.ColumnIndex(key)
		if idx < 0 {
			return nil, &MissingKeyError{Key: key}
		}
		keyIdx[i] = idx
	}
	isKey := make(map[int]bool, len(keyIdx))
	for _, idx := range keyIdx {
		isKey[idx] = true
	}

	// Group row indices by composite key, dropping rows with missing keys.
	groups := make(map[string][]int)
	for r, row := range t.Rows {
		gk, ok := groupKey(row, keyIdx)
		if !ok {
			continue
		}
		groups[gk] = append(groups[gk], r)
	}

	sorted := make([]string, 0, len(groups))
	for gk := range groups {
		sorted = append(sorted, gk)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return keyLess(sorted[i], sorted[j])
	})

	out := make([][]string, 0, len(sorted))
	for _, gk := range sorted {
		members := groups[gk]
		row := make([]string, len(t.Cols))
		for c, col := range t.Cols {
			switch {
			case isKey[c]:
				row[c] = t.Rows[members[0]][c]
			case col.Type.Numeric():
				row[c] = reduce(t, members, c, method)
			default:
				row[c] = firstValue(t, members, c)
			}
		}
		out = append(out, row)
	}

	return table.New(t.ColumnNames(), out)
}

func groupKey(row []string, keyIdx []int) (string, bool) {
	parts := make([]string, len(keyIdx))
	for i, idx := range keyIdx {
		v := strings.TrimSpace(row[idx])
		if v == "" {
			return "", false
		}
		parts[i] = v
	}
	return strings.Join(parts, groupSep), true
}

// reduce applies method to the non-missing values of column c over the
// group's rows. A group with no parseable values yields a missing cell.
func reduce(t *table.Table, members []int, c int, method Method) string {
	vals := make([]float64, 0, len(members))
	for _, r := range members {
		cell := strings.TrimSpace(t.Rows[r][c])
		if cell == "" {
			continue
		}
		f, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			continue
		}
		vals = append(vals, f)
	}

	if method == Count {
		return strconv.Itoa(len(vals))
	}
	if len(vals) == 0 {
		return ""
	}

	var result float64
	switch method {
	case Median:
		result = median(vals)
	case Mean:
		result = sum(vals) / float64(len(vals))
	case Sum:
		result = sum(vals)
	case Min:
		result = vals[0]
		for _, v := range vals[1:] {
			if v < result {
				result = v
			}
		}
	case Max:
		result = vals[0]
		for _, v := range vals[1:] {
			if v > result {
				result = v
			}
		}
	}
	return strconv.FormatFloat(result, 'f', -1, 64)
}

// keyLess orders composite keys component-wise, comparing numerically when
// both components parse as numbers. Image numbers then sort 2 before 10.
func keyLess(a, b string) bool {
	as := strings.Split(a, groupSep)
	bs := strings.Split(b, groupSep)
	for i := 0; i < len(as) && i < len(bs); i++ {
		if as[i] == bs[i] {
			continue
		}
		af, aerr := strconv.ParseFloat(as[i], 64)
		bf, berr := strconv.ParseFloat(bs[i], 64)
		if aerr == nil && berr == nil {
			if af != bf {
				return af < bf
			}
			continue
		}
		return as[i] < bs[i]
	}
	return len(as) < len(bs)
}

func firstValue(t *table.Table, members []int, c int) string {
	for _, r := range members {
		if v := t.Rows[r][c]; strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func sum(vals []float64) float64 {
	var s float64
	for _, v := range vals {
		s += v
	}
	return s
}

func median(vals []float64) float64 {
	s := make([]float64, len(vals))
	copy(s, vals)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}
