package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResetCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete all imported rows and checkpoints",
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

			db, err := openStore(ctx, log, cfg.Store)
			if err != nil {
				return err
			}
			defer db.Close()

			l, err := newLoader(ctx, log, cfg, db)
			if err != nil {
				return err
			}
			if err := l.Reset(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "All tables and checkpoints cleared.")
			return nil
		},
	}
	addCheckpointFlag(cmd)
	return cmd
}
