// Package cli implements the ispinfo command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/airhao3/ispinfo/pkg/config"
	"github.com/airhao3/ispinfo/pkg/logger"
	"github.com/airhao3/ispinfo/pkg/metrics"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

func Run(info BuildInfo) ExitCode {
	// Load .env file if it exists
	_ = godotenv.Load()

	metrics.BuildInfo.WithLabelValues(info.Version, info.Commit, info.Date).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd := NewRootCmd(os.Stdout, os.Stderr)
	rootCmd.Version = info.Version
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		return exitCodeError
	}
	return exitCodeSuccess
}

type globalFlags struct {
	configPath  string
	verbose     bool
	storeDriver string
	storeDSN    string

	stderr io.Writer
}

func NewRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globalFlags{stderr: stderr}

	rootCmd := &cobra.Command{
		Use:          "ispinfo",
		Short:        "Import GeoLite2 ASN and city data and resolve IPv4 addresses against it.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Help(); err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "path to a YAML config file")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "set debug logging level")
	pf.StringVar(&g.storeDriver, "store-driver", "", "store backend (duckdb, postgres, clickhouse)")
	pf.StringVar(&g.storeDSN, "store-dsn", "", "duckdb path, postgres connection string or clickhouse address")

	rootCmd.AddCommand(
		newImportCmd(g),
		newResetCmd(g),
		newStatusCmd(g),
		newLookupCmd(g),
		newServeCmd(g),
		newExportCmd(g),
	)
	return rootCmd
}

// load builds the logger and the layered config. Command flags are applied
// by the caller before Validate.
func (g *globalFlags) load() (*slog.Logger, *config.Config, error) {
	log := logger.New(g.stderr, g.verbose)

	cfg, err := config.Load(g.configPath, os.LookupEnv)
	if err != nil {
		return nil, nil, err
	}
	if g.storeDriver != "" {
		if g.storeDriver != config.DriverDuckDB && cfg.Store.DSN == config.DefaultDuckDBPath {
			cfg.Store.DSN = ""
		}
		cfg.Store.Driver = g.storeDriver
	}
	if g.storeDSN != "" {
		if cfg.Store.Driver == config.DriverClickHouse {
			cfg.Store.Addr = g.storeDSN
		} else {
			cfg.Store.DSN = g.storeDSN
		}
	}
	return log, cfg, nil
}
