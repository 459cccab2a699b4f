package merge

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/meldlab/meld/pkg/aggregate"
)

func writeGzip(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	gw := gzip.NewWriter(f)
	if _, err := gw.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// threeRunRoot builds a root with three sub-directories of two rows each.
func threeRunRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, run := range []string{"run_a", "run_b", "run_c"} {
		writeFile(t, filepath.Join(root, run, "DATA.csv"),
			"ImageNumber,Area\n1,20\n2,30\n")
	}
	return root
}

func newTestMerger(t *testing.T, root string) *Merger {
	t.Helper()
	m, err := New(root, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.CreateDB(t.TempDir(), "results"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestNewValidatesRoot(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "missing"), Options{}); err == nil {
		t.Error("expected error for missing root")
	}

	empty := t.TempDir()
	if _, err := New(empty, Options{}); err == nil {
		t.Error("expected error for root without sub-directories")
	}
}

func TestCreateDBNormalizesName(t *testing.T) {
	root := threeRunRoot(t)
	m, err := New(root, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	dir := t.TempDir()
	if err := m.CreateDB(dir, "results"); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(dir, "results.sqlite")
	if m.DBPath() != want {
		t.Errorf("DBPath = %q, want %q", m.DBPath(), want)
	}
}

func TestToDBRequiresDatabase(t *testing.T) {
	m, err := New(threeRunRoot(t), Options{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = m.ToDB(context.Background(), "DATA", ToDBOptions{})
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConfigError", err)
	}
}

func TestToDBAccumulatesWithProvenance(t *testing.T) {
	m := newTestMerger(t, threeRunRoot(t))

	rep, err := m.ToDB(context.Background(), "DATA", ToDBOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if rep.RowsAppended != 6 {
		t.Errorf("RowsAppended = %d, want 6", rep.RowsAppended)
	}
	if len(rep.Appended) != 3 {
		t.Errorf("Appended = %v, want 3 sub-directories", rep.Appended)
	}
	if len(rep.Skips) != 0 {
		t.Errorf("Skips = %v, want none", rep.Skips)
	}

	n, err := m.sink.RowCount("DATA")
	if err != nil {
		t.Fatal(err)
	}
	if n != 6 {
		t.Errorf("table rows = %d, want 6", n)
	}

	// Provenance column must carry three distinct values.
	rows, err := m.sink.DB().Query(`SELECT DISTINCT "Metadata_source" FROM "DATA" ORDER BY 1`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	var sources []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			t.Fatal(err)
		}
		sources = append(sources, s)
	}
	if len(sources) != 3 {
		t.Errorf("distinct provenance values = %v, want 3", sources)
	}
}

func TestToDBSelectWithExtension(t *testing.T) {
	m := newTestMerger(t, threeRunRoot(t))

	rep, err := m.ToDB(context.Background(), "DATA.csv", ToDBOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Table != "DATA" {
		t.Errorf("table = %q, want DATA", rep.Table)
	}
	exists, err := m.sink.TableExists("DATA")
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Error("DATA table missing")
	}
}

func TestToDBPartialTolerance(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "run_a", "DATA.csv"), "v\n1\n")
	writeFile(t, filepath.Join(root, "run_b", "OTHER.csv"), "v\n1\n")
	writeFile(t, filepath.Join(root, "run_c", "DATA.csv"), "v\n2\n")

	m := newTestMerger(t, root)
	rep, err := m.ToDB(context.Background(), "DATA", ToDBOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if rep.RowsAppended != 2 {
		t.Errorf("RowsAppended = %d, want 2", rep.RowsAppended)
	}
	if len(rep.Skips) != 1 || rep.Skips[0].Subdir != "run_b" {
		t.Errorf("Skips = %v, want one skip for run_b", rep.Skips)
	}
}

func TestToDBSchemaMismatchSkipsSubdir(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "run_a", "DATA.csv"), "ImageNumber,Area\n1,20\n")
	writeFile(t, filepath.Join(root, "run_b", "DATA.csv"), "ImageNumber,Perimeter\n1,5\n")
	writeFile(t, filepath.Join(root, "run_c", "DATA.csv"), "ImageNumber,Area\n2,30\n")

	m := newTestMerger(t, root)
	rep, err := m.ToDB(context.Background(), "DATA", ToDBOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Appended) != 2 {
		t.Errorf("Appended = %v, want run_a and run_c", rep.Appended)
	}
	if len(rep.Skips) != 1 || rep.Skips[0].Subdir != "run_b" {
		t.Errorf("Skips = %v, want one schema-mismatch skip for run_b", rep.Skips)
	}
	n, err := m.sink.RowCount("DATA")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("table rows = %d, want 2", n)
	}
}

func TestToDBUnreadableFileSkipsSubdir(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "run_a", "DATA.csv"), "v\n1\n")
	writeFile(t, filepath.Join(root, "run_b", "DATA.csv"), "a,b\n1,2,3,4\n")

	m := newTestMerger(t, root)
	rep, err := m.ToDB(context.Background(), "DATA", ToDBOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Appended) != 1 || rep.Appended[0] != "run_a" {
		t.Errorf("Appended = %v, want run_a only", rep.Appended)
	}
	if len(rep.Skips) != 1 {
		t.Errorf("Skips = %v, want one", rep.Skips)
	}
}

func TestToDBNoMatches(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "run_a", "OTHER.csv"), "v\n1\n")

	m := newTestMerger(t, root)
	_, err := m.ToDB(context.Background(), "DATA", ToDBOptions{})
	if !errors.Is(err, ErrNoMatches) {
		t.Fatalf("err = %v, want ErrNoMatches", err)
	}
}

func TestToDBFlattensHeaders(t *testing.T) {
	root := t.TempDir()
	content := "Image,Image,Metadata\nImageNumber,Intensity_channel_1,Well\n1,0.5,A1\n"
	writeFile(t, filepath.Join(root, "run_a", "DATA.csv"), content)

	m := newTestMerger(t, root)
	if _, err := m.ToDB(context.Background(), "DATA", ToDBOptions{HeaderDepth: 2}); err != nil {
		t.Fatal(err)
	}

	var v float64
	err := m.sink.DB().QueryRow(`SELECT "Image_Intensity_channel_1" FROM "DATA"`).Scan(&v)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0.5 {
		t.Errorf("flattened column value = %v, want 0.5", v)
	}
}

func TestToDBRerunAppendsDuplicates(t *testing.T) {
	m := newTestMerger(t, threeRunRoot(t))
	ctx := context.Background()

	if _, err := m.ToDB(ctx, "DATA", ToDBOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ToDB(ctx, "DATA", ToDBOptions{}); err != nil {
		t.Fatal(err)
	}
	n, err := m.sink.RowCount("DATA")
	if err != nil {
		t.Fatal(err)
	}
	if n != 12 {
		t.Errorf("rows after two runs = %d, want 12 (appends are not idempotent)", n)
	}
}

func TestToDBCancelledContext(t *testing.T) {
	m := newTestMerger(t, threeRunRoot(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := m.ToDB(ctx, "DATA", ToDBOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if rep == nil || len(rep.Appended) != 0 {
		t.Errorf("report = %+v, want empty report", rep)
	}
}

func TestToDBAgg(t *testing.T) {
	root := t.TempDir()
	content := "Image,Image\nImageNumber,Intensity\n1,2\n1,4\n2,10\n"
	writeFile(t, filepath.Join(root, "run_a", "DATA.csv"), content)

	m := newTestMerger(t, root)
	rep, err := m.ToDBAgg(context.Background(), "DATA", AggOptions{
		HeaderDepth: 2,
		By:          []string{"Image_ImageNumber"},
		Method:      aggregate.Median,
	})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Table != "DATA_agg" {
		t.Errorf("table = %q, want DATA_agg", rep.Table)
	}
	if rep.RowsAppended != 2 {
		t.Errorf("RowsAppended = %d, want 2 groups", rep.RowsAppended)
	}

	var v float64
	err = m.sink.DB().QueryRow(
		`SELECT "Image_Intensity" FROM "DATA_agg" WHERE "Image_ImageNumber" = 1`).Scan(&v)
	if err != nil {
		t.Fatal(err)
	}
	if v != 3 {
		t.Errorf("median intensity = %v, want 3", v)
	}
}

func TestToDBAggConfigErrors(t *testing.T) {
	m := newTestMerger(t, threeRunRoot(t))
	ctx := context.Background()

	_, err := m.ToDBAgg(ctx, "DATA", AggOptions{By: nil, Method: aggregate.Median})
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Errorf("missing keys: err = %v, want ConfigError", err)
	}

	_, err = m.ToDBAgg(ctx, "DATA", AggOptions{By: []string{"ImageNumber"}, Method: aggregate.Method(42)})
	if !errors.As(err, &ce) {
		t.Errorf("bad method: err = %v, want ConfigError", err)
	}
}

func TestToDBAggMissingKeySkipsSubdir(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "run_a", "DATA.csv"), "img,v\n1,2\n1,4\n")
	writeFile(t, filepath.Join(root, "run_b", "DATA.csv"), "other,v\n1,2\n")

	m := newTestMerger(t, root)
	rep, err := m.ToDBAgg(context.Background(), "DATA", AggOptions{
		By:     []string{"img"},
		Method: aggregate.Median,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Appended) != 1 || rep.Appended[0] != "run_a" {
		t.Errorf("Appended = %v, want run_a only", rep.Appended)
	}
	if len(rep.Skips) != 1 || rep.Skips[0].Subdir != "run_b" {
		t.Errorf("Skips = %v, want missing-key skip for run_b", rep.Skips)
	}
}

func TestToCSVAgg(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "run_a", "DATA.csv"), "img,v\n1,2\n1,4\n2,10\n")
	writeFile(t, filepath.Join(root, "run_b", "DATA.csv"), "img,v\n1,6\n")

	m, err := New(root, Options{})
	if err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(t.TempDir(), "agg.csv")
	rep, err := m.ToCSVAgg(context.Background(), dest, "DATA", AggOptions{
		By:     []string{"img"},
		Method: aggregate.Median,
	})
	if err != nil {
		t.Fatal(err)
	}
	if rep.RowsAppended != 3 {
		t.Errorf("RowsAppended = %d, want 3 (2 groups + 1 group)", rep.RowsAppended)
	}

	f, err := os.Open(dest)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	// Header plus one row per group.
	if len(records) != 4 {
		t.Errorf("csv records = %d, want 4", len(records))
	}
	if records[0][0] != "img" {
		t.Errorf("csv header = %v", records[0])
	}
}

func TestGzipTwinMergesIdentically(t *testing.T) {
	plain := t.TempDir()
	writeFile(t, filepath.Join(plain, "run_a", "DATA.csv"), "v\n1\n2\n")

	gz := t.TempDir()
	gzPath := filepath.Join(gz, "run_a", "DATA.csv.gz")
	if err := os.MkdirAll(filepath.Dir(gzPath), 0755); err != nil {
		t.Fatal(err)
	}
	writeGzip(t, gzPath, "v\n1\n2\n")

	for _, root := range []string{plain, gz} {
		m := newTestMerger(t, root)
		rep, err := m.ToDB(context.Background(), "DATA", ToDBOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if rep.RowsAppended != 2 {
			t.Errorf("root %s: RowsAppended = %d, want 2", root, rep.RowsAppended)
		}
	}
}
