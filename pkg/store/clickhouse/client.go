// Package clickhouse implements store.DB on the ClickHouse native protocol.
package clickhouse

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/cenkalti/backoff/v5"

	"github.com/airhao3/ispinfo/pkg/geolite"
	"github.com/airhao3/ispinfo/pkg/store"
	"github.com/airhao3/ispinfo/pkg/store/migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Config struct {
	Logger   *slog.Logger
	Addr     string
	Database string
	Username string
	Password string

	DialTimeout     time.Duration
	ConnectAttempts uint
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Addr == "" {
		return errors.New("addr is required")
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ConnectAttempts == 0 {
		cfg.ConnectAttempts = 5
	}
	return nil
}

type Store struct {
	log  *slog.Logger
	cfg  Config
	conn driver.Conn
}

var _ store.DB = (*Store)(nil)

// Open connects to ClickHouse and pings it, retrying while the server comes
// up.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate clickhouse config: %w", err)
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, conn.Ping(ctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(cfg.ConnectAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			cfg.Logger.Warn("clickhouse: ping failed, retrying", "addr", cfg.Addr, "error", err, "backoff", next)
		}),
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	cfg.Logger.Info("clickhouse: connected", "addr", cfg.Addr, "database", cfg.Database)
	return &Store{log: cfg.Logger, cfg: cfg, conn: conn}, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	return migrate.Run(ctx, s.log, migrationsFS, "migrations", func(ctx context.Context, stmt string) error {
		return s.conn.Exec(ctx, stmt)
	})
}

// InsertBatch sends all rows as one native block.
func (s *Store) InsertBatch(ctx context.Context, table geolite.Table, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (%s)", table.Name, strings.Join(table.Columns, ", ")))
	if err != nil {
		return fmt.Errorf("failed to prepare batch for %s: %w", table.Name, err)
	}
	for i, row := range rows {
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append row %d to %s: %w", i, table.Name, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch to %s: %w", table.Name, err)
	}
	return nil
}

func (s *Store) Truncate(ctx context.Context, tables ...geolite.Table) error {
	for _, t := range tables {
		if err := s.conn.Exec(ctx, "TRUNCATE TABLE IF EXISTS "+t.Name); err != nil {
			return fmt.Errorf("failed to truncate %s: %w", t.Name, err)
		}
	}
	return nil
}

func (s *Store) Counts(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, t := range geolite.Tables() {
		var n uint64
		if err := s.conn.QueryRow(ctx, "SELECT count() FROM "+from(t)).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", t.Name, err)
		}
		out[t.Name] = int64(n)
	}
	return out, nil
}

// from returns the table reference, deduplicated at read time when the table
// has a conflict key.
func from(t geolite.Table) string {
	if t.ConflictKey != "" {
		return t.Name + " FINAL"
	}
	return t.Name
}

const (
	codeMaxQuerySizeExceeded = 62
	codeTooLargeStringSize   = 131
	codeMemoryLimitExceeded  = 241
)

// IsPayloadTooLarge recognises server exceptions raised by oversized inserts.
func (s *Store) IsPayloadTooLarge(err error) bool {
	var exc *clickhouse.Exception
	if !errors.As(err, &exc) {
		return false
	}
	switch exc.Code {
	case codeTooLargeStringSize, codeMemoryLimitExceeded:
		return true
	case codeMaxQuerySizeExceeded:
		return strings.Contains(exc.Message, "Max query size exceeded")
	}
	return false
}
