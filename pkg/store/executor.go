package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/airhao3/ispinfo/pkg/geolite"
	"github.com/airhao3/ispinfo/pkg/metrics"
)

type ExecutorConfig struct {
	Logger *slog.Logger
	Writer Writer

	// MaxPayloadBytes caps the estimated encoded size of a single write.
	// Zero disables the check.
	MaxPayloadBytes int
}

func (cfg *ExecutorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Writer == nil {
		return errors.New("writer is required")
	}
	if cfg.MaxPayloadBytes < 0 {
		return errors.New("max payload bytes must be non-negative")
	}
	return nil
}

// Executor issues one bulk write per batch and classifies the outcome as
// success, ErrPayloadTooLarge or *WriteError.
type Executor struct {
	log *slog.Logger
	cfg ExecutorConfig
}

func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate executor config: %w", err)
	}
	return &Executor{log: cfg.Logger, cfg: cfg}, nil
}

// Execute writes records to table in one operation. Every record must belong
// to table.
func (e *Executor) Execute(ctx context.Context, table geolite.Table, records []geolite.Record) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([][]any, len(records))
	for i, r := range records {
		if r.Table().Name != table.Name {
			return &WriteError{Table: table.Name, Rows: len(records), Err: fmt.Errorf("record %d belongs to %s", i, r.Table().Name)}
		}
		rows[i] = r.Values()
	}

	if e.cfg.MaxPayloadBytes > 0 {
		if size := EstimatePayload(rows); size > e.cfg.MaxPayloadBytes {
			metrics.StoreWriteErrorsTotal.WithLabelValues(table.Name, "payload_too_large").Inc()
			return &PayloadTooLargeError{Table: table.Name, Rows: len(rows), Bytes: size}
		}
	}

	start := time.Now()
	err := e.cfg.Writer.InsertBatch(ctx, table, rows)
	metrics.StoreWriteDuration.WithLabelValues(table.Name).Observe(time.Since(start).Seconds())
	if err == nil {
		e.log.Debug("store: batch written", "table", table.Name, "rows", len(rows), "duration", time.Since(start))
		return nil
	}

	if e.isPayloadTooLarge(err) {
		metrics.StoreWriteErrorsTotal.WithLabelValues(table.Name, "payload_too_large").Inc()
		return &PayloadTooLargeError{Table: table.Name, Rows: len(rows), Err: err}
	}
	metrics.StoreWriteErrorsTotal.WithLabelValues(table.Name, "other").Inc()
	return &WriteError{Table: table.Name, Rows: len(rows), Err: err}
}

// Truncate empties the given tables.
func (e *Executor) Truncate(ctx context.Context, tables ...geolite.Table) error {
	if err := e.cfg.Writer.Truncate(ctx, tables...); err != nil {
		return fmt.Errorf("failed to truncate tables: %w", err)
	}
	return nil
}

func (e *Executor) isPayloadTooLarge(err error) bool {
	if errors.Is(err, ErrPayloadTooLarge) {
		return true
	}
	if c, ok := e.cfg.Writer.(PayloadClassifier); ok {
		return c.IsPayloadTooLarge(err)
	}
	return false
}

// EstimatePayload approximates the size of rows rendered as a multi-row
// VALUES list.
func EstimatePayload(rows [][]any) int {
	n := 0
	for _, row := range rows {
		n += 3 // "(", ")", ","
		for _, v := range row {
			n += valueSize(v) + 1
		}
	}
	return n
}

func valueSize(v any) int {
	switch x := v.(type) {
	case nil:
		return 4
	case string:
		return len(x) + 2
	case uint32:
		return len(strconv.FormatUint(uint64(x), 10))
	case int64:
		return len(strconv.FormatInt(x, 10))
	case int:
		return len(strconv.Itoa(x))
	case float64:
		return len(strconv.FormatFloat(x, 'g', -1, 64))
	default:
		return len(fmt.Sprint(x))
	}
}
