package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/bikecorp/ingest-cli/internal/docstore"
	"github.com/bikecorp/ingest-cli/internal/model"
	"github.com/bikecorp/ingest-cli/internal/resilience"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect ingest run history",
	Long:  "Commands for listing, viewing, and summarizing ingest runs and their dead letters.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingest runs",
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

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, docstore.RunFilter{
			Status: model.RunStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the full report of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
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

		runs, err := st.ListRuns(ctx, docstore.RunFilter{Limit: 10000})
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		stats := computeRunStats(runs)
		formatRunStats(os.Stdout, stats)
		return nil
	},
}

// -- runs deadletters --

var runsDeadLettersCmd = &cobra.Command{
	Use:   "deadletters",
	Short: "List dead-lettered records",
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

		runID, _ := cmd.Flags().GetString("run")
		entityType, _ := cmd.Flags().GetString("entity-type")
		limit, _ := cmd.Flags().GetInt("limit")

		letters, err := st.ListDeadLetters(ctx, resilience.DeadLetterFilter{
			RunID:      runID,
			EntityType: entityType,
			Limit:      limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs deadletters")
		}

		if len(letters) == 0 {
			fmt.Fprintln(os.Stderr, "No dead letters found.")
			return nil
		}

		formatDeadLetters(os.Stdout, letters)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (complete, degraded, failed)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsDeadLettersCmd.Flags().String("run", "", "filter by run ID")
	runsDeadLettersCmd.Flags().String("entity-type", "", "filter by entity type")
	runsDeadLettersCmd.Flags().Int("limit", 100, "max number of dead letters to display")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	runsCmd.AddCommand(runsDeadLettersCmd)
	rootCmd.AddCommand(runsCmd)
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total      int
	Complete   int
	Degraded   int
	Failed     int
	Entities   int
	Conflicts  int
	FellBack   int
	AvgDurSecs float64
}

// computeRunStats computes aggregate statistics from a list of run reports.
func computeRunStats(runs []model.RunReport) runStats {
	var s runStats
	s.Total = len(runs)

	var totalDur time.Duration
	var durCount int

	for _, r := range runs {
		switch r.Status {
		case model.RunStatusComplete:
			s.Complete++
		case model.RunStatusDegraded:
			s.Degraded++
		case model.RunStatusFailed:
			s.Failed++
		}

		s.Entities += r.Entities()
		s.Conflicts += r.Conflicted
		for _, ro := range r.Roles {
			if len(ro.FellBack) > 0 {
				s.FellBack++
				break
			}
		}

		if r.Duration > 0 {
			totalDur += time.Duration(r.Duration) * time.Millisecond
			durCount++
		}
	}

	if durCount > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(durCount)
	}
	return s
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.RunReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tSTARTED\tDURATION\tENTITIES\tCONFLICTS")
	_, _ = fmt.Fprintln(w, "--\t------\t-------\t--------\t--------\t---------")

	for _, r := range runs {
		dur := (time.Duration(r.Duration) * time.Millisecond).Round(time.Second).String()
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n",
			truncateID(r.ID),
			r.Status,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
			r.Entities(),
			r.Conflicted,
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Complete:\t%d\n", s.Complete)
	_, _ = fmt.Fprintf(w, "Degraded:\t%d\n", s.Degraded)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Entities touched:\t%d\n", s.Entities)
	_, _ = fmt.Fprintf(w, "Unresolved conflicts:\t%d\n", s.Conflicts)
	_, _ = fmt.Fprintf(w, "Runs with fallback:\t%d\n", s.FellBack)
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	_ = w.Flush()
}

// formatDeadLetters writes a tabular list of dead letters to w.
func formatDeadLetters(out io.Writer, letters []resilience.DeadLetter) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tRUN\tROLE\tENTITY\tPOSITION\tERROR\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t---\t----\t------\t--------\t-----\t-------")

	for _, dl := range letters {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(dl.ID),
			truncateID(dl.RunID),
			dl.Role,
			dl.EntityType,
			dl.Position,
			truncate(dl.Error, 48),
			dl.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// truncate shortens s to max characters with an ellipsis.
func truncate(s string, max int) string {
	if len(s) > max && max > 3 {
		return s[:max-3] + "..."
	}
	return s
}
