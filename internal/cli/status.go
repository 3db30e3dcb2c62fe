package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/airhao3/ispinfo/pkg/checkpoint"
	"github.com/airhao3/ispinfo/pkg/geolite"
)

func newStatusCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show import checkpoints and table row counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log, cfg, err := g.load()
			if err != nil {
				return err
			}
			if err := applyImportFlags(cmd, cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			cps, err := checkpoint.NewFileStore(checkpoint.FileStoreConfig{Logger: log, Path: cfg.Import.CheckpointPath})
			if err != nil {
				return err
			}

			db, err := openStore(ctx, log, cfg.Store)
			if err != nil {
				return err
			}
			defer db.Close()

			counts, err := db.Counts(ctx)
			if err != nil {
				return fmt.Errorf("failed to count rows: %w", err)
			}

			out := cmd.OutOrStdout()
			printCheckpoints(out, cps.All())
			fmt.Fprintln(out)
			printCounts(out, counts)
			return nil
		},
	}
	addCheckpointFlag(cmd)
	return cmd
}

func printCheckpoints(w io.Writer, all map[string]checkpoint.State) {
	files := make([]string, 0, len(all))
	for f := range all {
		files = append(files, f)
	}
	sort.Strings(files)

	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"File", "Processed Lines", "Completed", "Updated"})
	for _, f := range files {
		st := all[f]
		updated := "-"
		if st.UpdatedAt != nil {
			updated = st.UpdatedAt.UTC().Format("2006-01-02 15:04:05")
		}
		table.Append([]string{f, strconv.FormatInt(st.ProcessedLines, 10), strconv.FormatBool(st.Completed), updated})
	}
	table.Render()
}

func printCounts(w io.Writer, counts map[string]int64) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Table", "Rows"})
	for _, t := range geolite.Tables() {
		table.Append([]string{t.Name, strconv.FormatInt(counts[t.Name], 10)})
	}
	table.Render()
}
