// Package cli implements the command-line interface for meld.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/meldlab/meld/pkg/aggregate"
	"github.com/meldlab/meld/pkg/logging"
	"github.com/meldlab/meld/pkg/merge"
	"github.com/meldlab/meld/pkg/remote"
)

// Run executes the CLI with the given arguments.
func Run(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: meld <command> [options]\ncommands: merge, merge-agg")
	}

	switch args[0] {
	case "merge":
		return runMerge(args[1:], false)
	case "merge-agg":
		return runMerge(args[1:], true)
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// mergeFlags holds the options shared by merge and merge-agg.
type mergeFlags struct {
	root        string
	db          string
	selectName  string
	headerDepth int
	sep         string
	provenance  string
	staging     string
	debug       bool
	human       bool

	// merge-agg only
	by     string
	method string
	csvOut string
}

func runMerge(args []string, agg bool) error {
	name := "merge"
	if agg {
		name = "merge-agg"
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	var f mergeFlags
	fs.StringVar(&f.root, "root", "", "results root directory, or s3://bucket/prefix")
	fs.StringVar(&f.db, "db", "", "database path (default: results.sqlite inside the root)")
	fs.StringVar(&f.selectName, "select", "DATA", "logical table name to collect from each sub-directory")
	fs.IntVar(&f.headerDepth, "header-depth", 1, "number of header rows in each file")
	fs.StringVar(&f.sep, "sep", "", "separator for flattened header components")
	fs.StringVar(&f.provenance, "provenance", "", "name of the added source column")
	fs.StringVar(&f.staging, "staging", "", "staging directory for remote roots (default: a temp dir)")
	fs.BoolVar(&f.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&f.human, "human", false, "human-friendly console logging")
	if agg {
		fs.StringVar(&f.by, "by", "", "comma-separated group key column(s), named after flattening")
		fs.StringVar(&f.method, "method", "median", "aggregation method: median, mean, sum, min, max, count")
		fs.StringVar(&f.csvOut, "csv-out", "", "write aggregated output to this CSV file instead of the database")
	}

	if err := fs.Parse(args); err != nil {
		return err
	}
	if f.root == "" {
		return errors.New("--root is required")
	}
	if agg && f.by == "" {
		return errors.New("--by is required")
	}

	logging.Init(f.debug, f.human)
	ctx := context.Background()

	root := f.root
	if remote.IsURI(root) {
		staged, err := stageRemote(ctx, root, f.staging)
		if err != nil {
			return err
		}
		root = staged
	}

	m, err := merge.New(root, merge.Options{
		Separator:        f.sep,
		ProvenanceColumn: f.provenance,
	})
	if err != nil {
		return err
	}
	defer m.Close()

	if f.csvOut == "" {
		if f.db == "" {
			if err := m.CreateDB(root, "results"); err != nil {
				return err
			}
		} else {
			if err := m.UseDB(f.db); err != nil {
				return err
			}
		}
	}

	var rep *merge.Report
	if !agg {
		rep, err = m.ToDB(ctx, f.selectName, merge.ToDBOptions{HeaderDepth: f.headerDepth})
	} else {
		method, merr := aggregate.ParseMethod(f.method)
		if merr != nil {
			return merr
		}
		opts := merge.AggOptions{
			HeaderDepth: f.headerDepth,
			By:          splitKeys(f.by),
			Method:      method,
		}
		if f.csvOut != "" {
			rep, err = m.ToCSVAgg(ctx, f.csvOut, f.selectName, opts)
		} else {
			rep, err = m.ToDBAgg(ctx, f.selectName, opts)
		}
	}
	if err != nil {
		return err
	}

	printSummary(rep)
	return nil
}

func stageRemote(ctx context.Context, uri, staging string) (string, error) {
	if staging == "" {
		dir, err := os.MkdirTemp("", "meld-staging-*")
		if err != nil {
			return "", fmt.Errorf("create staging dir: %w", err)
		}
		staging = dir
	}
	client, err := remote.NewClient(ctx)
	if err != nil {
		return "", err
	}
	return client.Stage(ctx, uri, staging)
}

func splitKeys(s string) []string {
	var keys []string
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func printSummary(rep *merge.Report) {
	fmt.Printf("table %s: appended %d rows from %d sub-directories\n",
		rep.Table, rep.RowsAppended, len(rep.Appended))
	for _, skip := range rep.Skips {
		fmt.Printf("skipped %s: %s\n", skip.Subdir, skip.Reason)
	}
}
