// Package tabread reads tabular result files into header rows and data rows.
//
// CSV is the primary format, with transparent gzip decompression for
// .csv.gz files. Parquet files are supported for pipelines that emit
// columnar output; parquet headers are single-level by construction, so a
// header depth greater than one is rejected for them.
package tabread

import (
	"fmt"
	"path/filepath"
	"strings"
)

// UnreadableFileError wraps any failure to parse a file as tabular data.
// The merge records it against the file's sub-directory and moves on.
type UnreadableFileError struct {
	Path string
	Err  error
}

func (e *UnreadableFileError) Error() string {
	return fmt.Sprintf("unreadable file %s: %v", e.Path, e.Err)
}

func (e *UnreadableFileError) Unwrap() error {
	return e.Err
}

// Read parses the file at path into headerDepth header rows and the
// remaining data rows. The format is chosen by file extension.
func Read(path string, headerDepth int) (headerRows [][]string, rows [][]string, err error) {
	if headerDepth < 1 {
		return nil, nil, fmt.Errorf("header depth must be >= 1, got %d", headerDepth)
	}

	lower := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasSuffix(lower, ".parquet"):
		return readParquet(path, headerDepth)
	default:
		return readCSV(path, headerDepth)
	}
}

func unreadable(path string, err error) ([][]string, [][]string, error) {
	return nil, nil, &UnreadableFileError{Path: path, Err: err}
}
