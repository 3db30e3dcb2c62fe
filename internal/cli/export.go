package cli

import (
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/airhao3/ispinfo/pkg/export"
)

const defaultExportDir = "dist"

func newExportCmd(g *globalFlags) *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the imported data as GeoLite2-compatible MMDB files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log, cfg, err := g.load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			db, err := openStore(ctx, log, cfg.Store)
			if err != nil {
				return err
			}
			defer db.Close()

			exp, err := export.New(export.Config{Logger: log, Scanner: db})
			if err != nil {
				return err
			}
			stats, err := exp.ExportDir(ctx, outDir)
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetAutoWrapText(false)
			table.SetAutoFormatHeaders(false)
			table.SetHeader([]string{"Database", "Networks", "Orphan Blocks"})
			table.Append([]string{export.ASNFileName, strconv.Itoa(stats.ASNNetworks), "-"})
			table.Append([]string{export.CityFileName, strconv.Itoa(stats.CityNetworks), strconv.Itoa(stats.Orphans)})
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out-dir", defaultExportDir, "directory the databases are written to")
	return cmd
}
