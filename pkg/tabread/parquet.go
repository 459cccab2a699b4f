package tabread

import (
	"fmt"
	"os"
	"strconv"

	"github.com/parquet-go/parquet-go"
)

// parquetReadBatch is the number of rows read per ReadRows call.
const parquetReadBatch = 1024

func readParquet(path string, headerDepth int) ([][]string, [][]string, error) {
	if headerDepth != 1 {
		return nil, nil, fmt.Errorf("parquet files have a single-level header, got depth %d", headerDepth)
	}

	f, err := os.Open(path)
	if err != nil {
		return unreadable(path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return unreadable(path, err)
	}

	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return unreadable(path, err)
	}

	fields := pf.Schema().Fields()
	names := make([]string, len(fields))
	for i, field := range fields {
		names[i] = field.Name()
	}

	var rows [][]string
	buf := make([]parquet.Row, parquetReadBatch)
	for _, rg := range pf.RowGroups() {
		rr := rg.Rows()
		for {
			n, err := rr.ReadRows(buf)
			for _, row := range buf[:n] {
				cells := make([]string, len(names))
				for _, v := range row {
					if c := v.Column(); c >= 0 && c < len(cells) {
						cells[c] = formatValue(v)
					}
				}
				rows = append(rows, cells)
			}
			if err != nil {
				break
			}
			if n == 0 {
				break
			}
		}
		rr.Close()
	}

	return [][]string{names}, rows, nil
}

// formatValue renders a parquet value the way it would appear in the CSV
// form of the same file. Nulls become empty cells.
func formatValue(v parquet.Value) string {
	if v.IsNull() {
		return ""
	}
	switch v.Kind() {
	case parquet.Boolean:
		return strconv.FormatBool(v.Boolean())
	case parquet.Int32:
		return strconv.FormatInt(int64(v.Int32()), 10)
	case parquet.Int64:
		return strconv.FormatInt(v.Int64(), 10)
	case parquet.Float:
		return strconv.FormatFloat(float64(v.Float()), 'f', -1, 32)
	case parquet.Double:
		return strconv.FormatFloat(v.Double(), 'f', -1, 64)
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return string(v.ByteArray())
	default:
		return v.String()
	}
}
