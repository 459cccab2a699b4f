package tabread

import (
	"compress/gzip"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
)

// newResultReader creates a csv.Reader configured for pipeline result files.
// Variable field counts are accepted at parse time (width is validated
// afterwards against the header) and lazy quotes are tolerated, since result
// files pass through several tools before reaching the merge.
func newResultReader(r io.Reader) *csv.Reader {
	csvr := csv.NewReader(r)
	csvr.FieldsPerRecord = -1
	csvr.LazyQuotes = true
	return csvr
}

// decompressReader wraps a reader with gzip decompression if the path ends
// in .gz. The returned closer may be nil if no wrapper was added.
func decompressReader(r io.Reader, path string) (io.Reader, func() error, error) {
	if !strings.HasSuffix(strings.ToLower(path), ".gz") {
		return r, nil, nil
	}
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("create gzip reader: %w", err)
	}
	return gzr, gzr.Close, nil
}

func readCSV(path string, headerDepth int) ([][]string, [][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return unreadable(path, err)
	}
	defer f.Close()

	r, closeGz, err := decompressReader(f, path)
	if err != nil {
		return unreadable(path, err)
	}
	if closeGz != nil {
		defer closeGz()
	}

	records, err := newResultReader(r).ReadAll()
	if err != nil {
		return unreadable(path, err)
	}
	if len(records) < headerDepth {
		return unreadable(path, fmt.Errorf("%d records, need %d header rows", len(records), headerDepth))
	}

	width := len(records[0])
	for i, rec := range records {
		if len(rec) != width {
			return unreadable(path, fmt.Errorf("record %d has %d fields, record 0 has %d", i, len(rec), width))
		}
	}

	return records[:headerDepth], records[headerDepth:], nil
}
