package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/bikecorp/ingest-cli/internal/docstore"
	"github.com/bikecorp/ingest-cli/internal/model"
)

var entitiesCmd = &cobra.Command{
	Use:   "entities",
	Short: "Inspect merged entity documents",
	Long:  "Commands for listing, viewing, and maintaining the canonical documents the pipeline produces.",
}

// -- entities list --

var entitiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List merged documents",
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

		entityType, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		ents, err := st.List(ctx, docstore.DocumentFilter{
			EntityType: entityType,
			Limit:      limit,
			Offset:     offset,
		})
		if err != nil {
			return eris.Wrap(err, "entities list")
		}

		if len(ents) == 0 {
			fmt.Fprintln(os.Stderr, "No documents found.")
			return nil
		}

		formatEntitiesList(os.Stdout, ents)
		return nil
	},
}

// -- entities get --

var entitiesGetCmd = &cobra.Command{
	Use:   "get <type> <key>",
	Short: "Show one merged document as JSON",
	Long:  "The key uses the canonical field=value form, for example `brand_id=7` or `order_id=12&item_id=3`.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		key, err := model.ParseKey(args[1])
		if err != nil {
			return eris.Wrap(err, "parse key")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		ent, err := st.Get(ctx, args[0], key)
		if err != nil {
			return eris.Wrap(err, "entities get")
		}
		if ent == nil {
			return eris.Errorf("no %s document with key %s", args[0], key.String())
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(ent)
	},
}

// -- entities distinct --

var entitiesDistinctCmd = &cobra.Command{
	Use:   "distinct <type> <field>",
	Short: "List distinct values of one field across documents of a type",
	Args:  cobra.ExactArgs(2),
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

		values, err := st.DistinctValues(ctx, args[0], args[1])
		if err != nil {
			return eris.Wrap(err, "entities distinct")
		}
		for _, v := range values {
			fmt.Fprintln(os.Stdout, v)
		}
		return nil
	},
}

// -- entities drop --

var entitiesDropCmd = &cobra.Command{
	Use:   "drop <type>",
	Short: "Delete every document of an entity type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return eris.Errorf("refusing to drop %s documents without --yes", args[0])
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		n, err := st.DropEntityType(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "entities drop")
		}
		fmt.Fprintf(os.Stdout, "Dropped %d %s document(s).\n", n, args[0])
		return nil
	},
}

func init() {
	entitiesListCmd.Flags().String("type", "", "filter by entity type")
	entitiesListCmd.Flags().Int("limit", 100, "max number of documents to display")
	entitiesListCmd.Flags().Int("offset", 0, "number of documents to skip")

	entitiesDropCmd.Flags().Bool("yes", false, "confirm the drop")

	entitiesCmd.AddCommand(entitiesListCmd)
	entitiesCmd.AddCommand(entitiesGetCmd)
	entitiesCmd.AddCommand(entitiesDistinctCmd)
	entitiesCmd.AddCommand(entitiesDropCmd)
	rootCmd.AddCommand(entitiesCmd)
}

// formatEntitiesList writes a tabular list of documents to w.
func formatEntitiesList(out io.Writer, ents []model.MergedEntity) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TYPE\tKEY\tVERSION\tSOURCES\tUPDATED")
	_, _ = fmt.Fprintln(w, "----\t---\t-------\t-------\t-------")

	for i := range ents {
		e := &ents[i]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			e.EntityType,
			truncate(e.Key.String(), 40),
			e.Version,
			strings.Join(provenanceRoles(e), ","),
			e.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// provenanceRoles returns the distinct winning roles of a document, sorted.
func provenanceRoles(e *model.MergedEntity) []string {
	seen := make(map[string]bool)
	for _, role := range e.Provenance {
		seen[role] = true
	}
	roles := make([]string, 0, len(seen))
	for role := range seen {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}
