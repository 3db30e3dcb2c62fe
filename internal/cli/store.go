package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/airhao3/ispinfo/pkg/config"
	"github.com/airhao3/ispinfo/pkg/source"
	"github.com/airhao3/ispinfo/pkg/store"
	"github.com/airhao3/ispinfo/pkg/store/clickhouse"
	"github.com/airhao3/ispinfo/pkg/store/sqlstore"
)

// openStore connects to the configured backend and applies its migrations.
func openStore(ctx context.Context, log *slog.Logger, cfg config.StoreConfig) (store.DB, error) {
	log.Debug("cli: opening store", "store", cfg)

	var db store.DB
	switch cfg.Driver {
	case config.DriverDuckDB, config.DriverPostgres:
		dialect := sqlstore.DuckDB
		if cfg.Driver == config.DriverPostgres {
			dialect = sqlstore.Postgres
		}
		s, err := sqlstore.Open(ctx, sqlstore.Config{Logger: log, Dialect: dialect, DSN: cfg.DSN})
		if err != nil {
			return nil, err
		}
		db = s
	case config.DriverClickHouse:
		s, err := clickhouse.Open(ctx, clickhouse.Config{
			Logger:   log,
			Addr:     cfg.Addr,
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		})
		if err != nil {
			return nil, err
		}
		db = s
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidDriver, cfg.Driver)
	}

	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}
	return db, nil
}

// newOpener returns a dataset opener, with an S3 client when any of uris
// needs one.
func newOpener(ctx context.Context, uris ...string) (*source.Opener, error) {
	opener := &source.Opener{}
	for _, uri := range uris {
		if !strings.HasPrefix(uri, "s3://") {
			continue
		}
		s3cfg, err := source.S3ConfigFromEnv()
		if err != nil {
			return nil, err
		}
		client, err := source.NewS3Client(ctx, s3cfg)
		if err != nil {
			return nil, err
		}
		opener.S3 = client
		break
	}
	return opener, nil
}
