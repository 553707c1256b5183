package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/bikecorp/ingest-cli/internal/docstore"
	"github.com/bikecorp/ingest-cli/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show document counts and the most recent run",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		counts, err := st.Counts(ctx)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		formatCounts(os.Stdout, counts)

		runs, err := st.ListRuns(ctx, docstore.RunFilter{Limit: 1})
		if err != nil {
			return eris.Wrap(err, "status")
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stdout, "\nNo runs recorded yet.")
			return nil
		}

		fmt.Fprintln(os.Stdout)
		formatLatestRun(os.Stdout, &runs[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// formatCounts writes per-type document counts to w.
func formatCounts(out io.Writer, counts map[string]int64) {
	if len(counts) == 0 {
		fmt.Fprintln(out, "Store is empty.")
		return
	}

	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)

	var total int64
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TYPE\tDOCUMENTS")
	_, _ = fmt.Fprintln(w, "----\t---------")
	for _, t := range types {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", t, counts[t])
		total += counts[t]
	}
	_, _ = fmt.Fprintf(w, "total\t%d\n", total)
	_ = w.Flush()
}

// formatLatestRun writes a short summary of the most recent run to w.
func formatLatestRun(out io.Writer, r *model.RunReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Latest run:\t%s (%s)\n", truncateID(r.ID), r.Status)
	_, _ = fmt.Fprintf(w, "Started:\t%s\n", r.StartedAt.Format(time.RFC3339))
	_, _ = fmt.Fprintf(w, "Duration:\t%s\n", (time.Duration(r.Duration) * time.Millisecond).Round(time.Millisecond))
	_, _ = fmt.Fprintf(w, "Created / updated / unchanged:\t%d / %d / %d\n", r.Created, r.Updated, r.Unchanged)
	if r.Conflicted > 0 {
		_, _ = fmt.Fprintf(w, "Unresolved conflicts:\t%d\n", r.Conflicted)
	}
	if r.Error != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", r.Error)
	}
	_ = w.Flush()
}
