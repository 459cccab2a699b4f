package cli

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestRunNoArgs(t *testing.T) {
	err := Run(nil)
	if err == nil || !strings.Contains(err.Error(), "usage") {
		t.Errorf("err = %v, want usage error", err)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	err := Run([]string{"frobnicate"})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("err = %v, want unknown command error", err)
	}
}

func TestMergeRequiresRoot(t *testing.T) {
	err := Run([]string{"merge"})
	if err == nil || !strings.Contains(err.Error(), "--root") {
		t.Errorf("err = %v, want --root required error", err)
	}
}

func TestMergeAggRequiresBy(t *testing.T) {
	err := Run([]string{"merge-agg", "--root", t.TempDir()})
	if err == nil || !strings.Contains(err.Error(), "--by") {
		t.Errorf("err = %v, want --by required error", err)
	}
}

func TestSplitKeys(t *testing.T) {
	got := splitKeys("Image_ImageNumber, Metadata_Well ,")
	want := []string{"Image_ImageNumber", "Metadata_Well"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("splitKeys = %v, want %v", got, want)
	}
}

func TestMergeEndToEnd(t *testing.T) {
	root := t.TempDir()
	for _, run := range []string{"run_a", "run_b"} {
		dir := filepath.Join(root, run)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "DATA.csv"), []byte("v\n1\n2\n"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	db := filepath.Join(t.TempDir(), "out.sqlite")

	err := Run([]string{"merge", "--root", root, "--db", db})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(db); err != nil {
		t.Errorf("database not created: %v", err)
	}
}

func TestMergeAggCSVOut(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "run_a")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "DATA.csv"), []byte("img,v\n1,2\n1,4\n"), 0644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "agg.csv")

	err := Run([]string{"merge-agg", "--root", root, "--by", "img", "--csv-out", out})
	if err != nil {
		t.Fatal(err)
	}
	content, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(content), "img") {
		t.Errorf("csv output missing header: %q", content)
	}
}
