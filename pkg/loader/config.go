package loader

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/airhao3/ispinfo/pkg/checkpoint"
	"github.com/airhao3/ispinfo/pkg/geolite"
)

const (
	DefaultFlushThreshold   = 1000
	DefaultInitialBatchSize = 1000
	DefaultMinBatchSize     = 100
)

// Executor performs one bulk write per call. It must report write-size
// failures as store.ErrPayloadTooLarge.
type Executor interface {
	Execute(ctx context.Context, table geolite.Table, records []geolite.Record) error
	Truncate(ctx context.Context, tables ...geolite.Table) error
}

type Opener interface {
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

type Config struct {
	Logger      *slog.Logger
	Executor    Executor
	Checkpoints checkpoint.Store
	Opener      Opener
	Clock       clockwork.Clock

	// FlushThreshold is the number of buffered records that triggers a flush.
	FlushThreshold int
	// InitialBatchSize is the write size every file starts with.
	InitialBatchSize int
	// MinBatchSize is the smallest write size tried before giving up.
	MinBatchSize int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Executor == nil {
		return errors.New("executor is required")
	}
	if cfg.Checkpoints == nil {
		return errors.New("checkpoint store is required")
	}
	if cfg.Opener == nil {
		return errors.New("opener is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.FlushThreshold == 0 {
		cfg.FlushThreshold = DefaultFlushThreshold
	}
	if cfg.InitialBatchSize == 0 {
		cfg.InitialBatchSize = DefaultInitialBatchSize
	}
	if cfg.MinBatchSize == 0 {
		cfg.MinBatchSize = DefaultMinBatchSize
	}
	if cfg.FlushThreshold < 1 {
		return errors.New("flush threshold must be positive")
	}
	if cfg.MinBatchSize < 1 {
		return errors.New("min batch size must be positive")
	}
	if cfg.InitialBatchSize < cfg.MinBatchSize {
		return errors.New("initial batch size must not be below min batch size")
	}
	return nil
}
