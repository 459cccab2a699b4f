// Package scan locates result files in the immediate sub-directories of a
// results root.
//
// Each sub-directory is expected to hold exactly one file whose base name
// matches the requested logical name case-insensitively with a recognized
// tabular extension. Sub-directories with zero or ambiguous matches are
// recorded as skips rather than failing the scan; heterogeneous result sets
// are the normal case for large batch runs.
package scan

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultExtensions are the tabular file extensions recognized when the
// caller does not configure its own set. Matching is case-insensitive.
var DefaultExtensions = []string{".csv", ".csv.gz", ".parquet"}

// Entry is one matched result file.
type Entry struct {
	// Subdir is the sub-directory base name, used as the provenance
	// identifier for the file's rows.
	Subdir string
	// Path is the full path to the matched file.
	Path string
}

// Skip records a sub-directory that contributed nothing to a run.
type Skip struct {
	Subdir string
	Reason string
}

// Cursor is a pull-based iterator over matched files. It is single-pass;
// re-invoke Scan to restart. Skips accumulate as Next advances.
type Cursor struct {
	root    string
	logical string
	exts    []string
	subdirs []string
	pos     int
	skips   []Skip
}

// Scan lists the immediate sub-directories of root, sorted by name, and
// returns a cursor that resolves each sub-directory's match lazily.
// The root must exist and be a directory; logical must be non-empty.
func Scan(root, logical string, extensions []string) (*Cursor, error) {
	if logical == "" {
		return nil, fmt.Errorf("empty logical name")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read root: %w", err)
	}
	var subdirs []string
	for _, e := range entries {
		if e.IsDir() {
			subdirs = append(subdirs, e.Name())
		}
	}
	sort.Strings(subdirs)

	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	return &Cursor{
		root:    root,
		logical: logical,
		exts:    extensions,
		subdirs: subdirs,
	}, nil
}

// NumSubdirs returns the number of sub-directories the cursor will visit.
func (c *Cursor) NumSubdirs() int {
	return len(c.subdirs)
}

// Next returns the next matched file, advancing past sub-directories that
// have to be skipped. The second return is false when the scan is exhausted.
func (c *Cursor) Next() (Entry, bool) {
	for c.pos < len(c.subdirs) {
		subdir := c.subdirs[c.pos]
		c.pos++

		matches, err := c.match(subdir)
		if err != nil {
			c.skips = append(c.skips, Skip{Subdir: subdir, Reason: err.Error()})
			continue
		}
		switch len(matches) {
		case 1:
			return Entry{Subdir: subdir, Path: matches[0]}, true
		case 0:
			c.skips = append(c.skips, Skip{
				Subdir: subdir,
				Reason: fmt.Sprintf("no file matching %q", c.logical),
			})
		default:
			c.skips = append(c.skips, Skip{
				Subdir: subdir,
				Reason: fmt.Sprintf("%d files matching %q", len(matches), c.logical),
			})
		}
	}
	return Entry{}, false
}

// Skips returns the sub-directories skipped so far.
func (c *Cursor) Skips() []Skip {
	return c.skips
}

func (c *Cursor) match(subdir string) ([]string, error) {
	dir := filepath.Join(c.root, subdir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read sub-directory: %v", err)
	}

	var matches []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if c.nameMatches(e.Name()) {
			matches = append(matches, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(matches)
	return matches, nil
}

func (c *Cursor) nameMatches(filename string) bool {
	lower := strings.ToLower(filename)
	want := strings.ToLower(c.logical)
	for _, ext := range c.exts {
		if strings.HasSuffix(lower, strings.ToLower(ext)) &&
			strings.TrimSuffix(lower, strings.ToLower(ext)) == want {
			return true
		}
	}
	return false
}
