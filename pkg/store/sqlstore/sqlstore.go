// Package sqlstore implements store.DB on database/sql for DuckDB and
// PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/airhao3/ispinfo/pkg/geolite"
	"github.com/airhao3/ispinfo/pkg/store"
	"github.com/airhao3/ispinfo/pkg/store/migrate"
)

//go:embed migrations
var migrationsFS embed.FS

type Dialect string

const (
	DuckDB   Dialect = "duckdb"
	Postgres Dialect = "postgres"
)

func (d Dialect) driverName() string {
	if d == Postgres {
		return "pgx"
	}
	return "duckdb"
}

const defaultConnectAttempts = 5

type Config struct {
	Logger  *slog.Logger
	Dialect Dialect
	// DSN is a file path (empty for in-memory) for DuckDB and a connection
	// string for PostgreSQL.
	DSN string

	ConnectAttempts uint
	MaxOpenConns    int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	switch cfg.Dialect {
	case DuckDB:
	case Postgres:
		if cfg.DSN == "" {
			return errors.New("dsn is required for postgres")
		}
	case "":
		cfg.Dialect = DuckDB
	default:
		return fmt.Errorf("unsupported dialect %q", cfg.Dialect)
	}
	if cfg.ConnectAttempts == 0 {
		cfg.ConnectAttempts = defaultConnectAttempts
	}
	return nil
}

type Store struct {
	log *slog.Logger
	cfg Config
	db  *sql.DB
}

var _ store.DB = (*Store)(nil)

// Open connects and pings the database, retrying with exponential backoff
// while the server comes up.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate sqlstore config: %w", err)
	}

	db, err := sql.Open(cfg.Dialect.driverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Dialect, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return struct{}{}, db.PingContext(pingCtx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(cfg.ConnectAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			cfg.Logger.Warn("sqlstore: ping failed, retrying", "dialect", cfg.Dialect, "error", err, "backoff", next)
		}),
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", cfg.Dialect, err)
	}

	cfg.Logger.Info("sqlstore: connected", "dialect", cfg.Dialect)
	return &Store{log: cfg.Logger, cfg: cfg, db: db}, nil
}

func (s *Store) Dialect() Dialect {
	return s.cfg.Dialect
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	return migrate.Run(ctx, s.log, migrationsFS, "migrations/"+string(s.cfg.Dialect), func(ctx context.Context, stmt string) error {
		_, err := s.db.ExecContext(ctx, stmt)
		return err
	})
}

// InsertBatch writes all rows with one multi-row INSERT. Rows colliding with
// the table's conflict key are dropped.
func (s *Store) InsertBatch(ctx context.Context, table geolite.Table, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	query, args, err := buildInsert(table, rows)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", table.Name, err)
	}
	return nil
}

func buildInsert(table geolite.Table, rows [][]any) (string, []any, error) {
	cols := len(table.Columns)
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table.Name)
	b.WriteString(" (")
	b.WriteString(strings.Join(table.Columns, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*cols)
	n := 1
	for i, row := range rows {
		if len(row) != cols {
			return "", nil, fmt.Errorf("row %d has %d values, table %s has %d columns", i, len(row), table.Name, cols)
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j, v := range row {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			args = append(args, normalizeArg(v))
		}
		b.WriteByte(')')
	}
	if table.ConflictKey != "" {
		b.WriteString(" ON CONFLICT (")
		b.WriteString(table.ConflictKey)
		b.WriteString(") DO NOTHING")
	}
	return b.String(), args, nil
}

// normalizeArg widens unsigned values so every driver binds them as BIGINT.
func normalizeArg(v any) any {
	if u, ok := v.(uint32); ok {
		return int64(u)
	}
	return v
}

// Truncate deletes all rows of the given tables in one transaction.
func (s *Store) Truncate(ctx context.Context, tables ...geolite.Table) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, t := range tables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+t.Name); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", t.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit truncate: %w", err)
	}
	return nil
}

func (s *Store) Counts(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, t := range geolite.Tables() {
		var n int64
		if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM "+t.Name).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", t.Name, err)
		}
		out[t.Name] = n
	}
	return out, nil
}

// IsPayloadTooLarge recognises the backends' statement size limits.
func (s *Store) IsPayloadTooLarge(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// program_limit_exceeded, statement_too_complex
		return pgErr.Code == "54000" || pgErr.Code == "54001"
	}
	msg := err.Error()
	return strings.Contains(msg, "extended protocol limited to 65535 parameters") ||
		strings.Contains(msg, "Out of Memory Error")
}
