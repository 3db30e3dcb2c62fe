package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/airhao3/ispinfo/pkg/checkpoint"
	"github.com/airhao3/ispinfo/pkg/config"
	"github.com/airhao3/ispinfo/pkg/geolite"
	"github.com/airhao3/ispinfo/pkg/loader"
	"github.com/airhao3/ispinfo/pkg/store"
)

func newImportCmd(g *globalFlags) *cobra.Command {
	var fresh bool

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import the GeoLite2 CSV files, resuming from the last checkpoint",
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

			if fresh {
				log.Info("cli: fresh import, clearing tables and checkpoints")
				if err := l.Reset(ctx); err != nil {
					return err
				}
			}

			files := []loader.File{
				{Path: cfg.Import.ASNFile, Kind: geolite.KindASNBlocks},
				{Path: cfg.Import.CityLocationsFile, Kind: geolite.KindCityLocations},
				{Path: cfg.Import.CityBlocksFile, Kind: geolite.KindCityBlocks},
			}
			stats, err := l.Run(ctx, files)
			printImportStats(cmd.OutOrStdout(), stats)
			if err != nil {
				log.Error("cli: import stopped, run again to resume from the last checkpoint", "checkpoint", cfg.Import.CheckpointPath)
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&fresh, "fresh", false, "clear all tables and checkpoints before importing")
	cmd.Flags().String("asn-file", config.DefaultASNFile, "ASN blocks CSV (path, .gz or s3:// URI)")
	cmd.Flags().String("city-locations-file", config.DefaultCityLocationsFile, "city locations CSV (path, .gz or s3:// URI)")
	cmd.Flags().String("city-blocks-file", config.DefaultCityBlocksFile, "city blocks CSV (path, .gz or s3:// URI)")
	addCheckpointFlag(cmd)
	cmd.Flags().Int("flush-threshold", config.DefaultFlushThreshold, "buffered records that trigger a flush")
	cmd.Flags().Int("initial-batch-size", config.DefaultInitialBatchSize, "records per write at the start of each file")
	cmd.Flags().Int("min-batch-size", config.DefaultMinBatchSize, "smallest write size tried before failing")
	cmd.Flags().Int("max-payload-bytes", 0, "estimated size limit of one write (0 disables)")
	return cmd
}

func addCheckpointFlag(cmd *cobra.Command) {
	cmd.Flags().String("checkpoint", config.DefaultCheckpointPath, "checkpoint file path")
}

// applyImportFlags copies explicitly set flags over the loaded config.
func applyImportFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	strs := map[string]*string{
		"asn-file":            &cfg.Import.ASNFile,
		"city-locations-file": &cfg.Import.CityLocationsFile,
		"city-blocks-file":    &cfg.Import.CityBlocksFile,
		"checkpoint":          &cfg.Import.CheckpointPath,
	}
	for name, dst := range strs {
		if flags.Lookup(name) == nil || !flags.Changed(name) {
			continue
		}
		v, err := flags.GetString(name)
		if err != nil {
			return fmt.Errorf("failed to get %s flag: %w", name, err)
		}
		*dst = v
	}
	ints := map[string]*int{
		"flush-threshold":    &cfg.Import.FlushThreshold,
		"initial-batch-size": &cfg.Import.InitialBatchSize,
		"min-batch-size":     &cfg.Import.MinBatchSize,
		"max-payload-bytes":  &cfg.Import.MaxPayloadBytes,
	}
	for name, dst := range ints {
		if flags.Lookup(name) == nil || !flags.Changed(name) {
			continue
		}
		v, err := flags.GetInt(name)
		if err != nil {
			return fmt.Errorf("failed to get %s flag: %w", name, err)
		}
		*dst = v
	}
	return nil
}

func newLoader(ctx context.Context, log *slog.Logger, cfg *config.Config, db store.DB) (*loader.Loader, error) {
	exec, err := store.NewExecutor(store.ExecutorConfig{
		Logger:          log,
		Writer:          db,
		MaxPayloadBytes: cfg.Import.MaxPayloadBytes,
	})
	if err != nil {
		return nil, err
	}
	cps, err := checkpoint.NewFileStore(checkpoint.FileStoreConfig{Logger: log, Path: cfg.Import.CheckpointPath})
	if err != nil {
		return nil, err
	}
	opener, err := newOpener(ctx, cfg.Import.ASNFile, cfg.Import.CityLocationsFile, cfg.Import.CityBlocksFile)
	if err != nil {
		return nil, err
	}
	return loader.New(loader.Config{
		Logger:           log,
		Executor:         exec,
		Checkpoints:      cps,
		Opener:           opener,
		FlushThreshold:   cfg.Import.FlushThreshold,
		InitialBatchSize: cfg.Import.InitialBatchSize,
		MinBatchSize:     cfg.Import.MinBatchSize,
	})
}

func printImportStats(w io.Writer, stats []loader.Stats) {
	if len(stats) == 0 {
		return
	}
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetHeader([]string{"File", "Kind", "State", "Resumed From", "Lines", "Kept", "Skipped", "Batches", "Shrinks", "Batch Size", "Duration"})
	for _, s := range stats {
		state := string(s.State)
		if s.AlreadyComplete {
			state = "already complete"
		}
		table.Append([]string{
			s.File,
			s.Kind.String(),
			state,
			strconv.FormatInt(s.ResumedFrom, 10),
			strconv.FormatInt(s.Lines, 10),
			strconv.FormatInt(s.Kept, 10),
			strconv.FormatInt(s.Skipped, 10),
			strconv.Itoa(s.Batches),
			strconv.Itoa(s.Shrinks),
			strconv.Itoa(s.FinalBatchSize),
			s.Duration.Round(time.Millisecond).String(),
		})
	}
	table.Render()
}
