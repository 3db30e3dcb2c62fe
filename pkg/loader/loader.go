// Package loader streams GeoLite2 CSV files into a store in checkpointed,
// adaptively sized batches.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/airhao3/ispinfo/pkg/checkpoint"
	"github.com/airhao3/ispinfo/pkg/geolite"
	"github.com/airhao3/ispinfo/pkg/metrics"
	"github.com/airhao3/ispinfo/pkg/source"
	"github.com/airhao3/ispinfo/pkg/store"
)

// ErrBatchTooSmall is returned when a write still exceeds the store's size
// limit at the minimum batch size.
var ErrBatchTooSmall = errors.New("batch size fell below minimum")

type State string

const (
	StatePending   State = "pending"
	StateStreaming State = "streaming"
	StateFlushing  State = "flushing"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// File is one dataset to import. Path doubles as its checkpoint key.
type File struct {
	Path string
	Kind geolite.Kind
}

type Stats struct {
	File  string
	Kind  geolite.Kind
	State State

	// AlreadyComplete is set when the checkpoint marked the file done and
	// nothing was read.
	AlreadyComplete bool
	ResumedFrom     int64
	Lines           int64
	Kept            int64
	Skipped         int64
	Batches         int
	Shrinks         int
	FinalBatchSize  int
	Duration        time.Duration
}

type Loader struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate loader config: %w", err)
	}
	return &Loader{log: cfg.Logger, cfg: cfg}, nil
}

// Run imports files one after another and stops at the first failure. Stats
// are returned for every file attempted, including the failed one.
func (l *Loader) Run(ctx context.Context, files []File) ([]Stats, error) {
	runID := uuid.NewString()
	log := l.log.With("run_id", runID)
	log.Info("loader: starting import", "files", len(files))

	var all []Stats
	for _, f := range files {
		stats, err := l.loadFile(ctx, log, f)
		all = append(all, stats)
		if err != nil {
			metrics.ImportFilesTotal.WithLabelValues(f.Kind.String(), string(StateFailed)).Inc()
			committed, _ := l.cfg.Checkpoints.Get(f.Path)
			log.Error("loader: import failed", "file", f.Path, "error", err, "committed_lines", committed.ProcessedLines)
			return all, fmt.Errorf("failed to import %s: %w", f.Path, err)
		}
		status := string(StateDone)
		if stats.AlreadyComplete {
			status = "skipped"
		}
		metrics.ImportFilesTotal.WithLabelValues(f.Kind.String(), status).Inc()
	}
	log.Info("loader: import complete", "files", len(files))
	return all, nil
}

// LoadFile imports a single file, resuming from its checkpoint.
func (l *Loader) LoadFile(ctx context.Context, f File) (Stats, error) {
	return l.loadFile(ctx, l.log, f)
}

// Reset deletes every row of the three tables and clears all checkpoints.
func (l *Loader) Reset(ctx context.Context) error {
	if err := l.cfg.Executor.Truncate(ctx, geolite.Tables()...); err != nil {
		return err
	}
	if err := l.cfg.Checkpoints.Reset(); err != nil {
		return fmt.Errorf("failed to reset checkpoints: %w", err)
	}
	l.log.Info("loader: tables and checkpoints reset")
	return nil
}

type pendingRecord struct {
	record geolite.Record
	line   int64
}

// fileRun is the state of one file's import.
type fileRun struct {
	l     *Loader
	log   *slog.Logger
	file  File
	table geolite.Table
	stats Stats

	batchSize int
	pending   []pendingRecord
}

func (l *Loader) loadFile(ctx context.Context, log *slog.Logger, f File) (Stats, error) {
	start := l.cfg.Clock.Now()
	log = log.With("file", f.Path, "kind", f.Kind.String())
	r := &fileRun{
		l:         l,
		log:       log,
		file:      f,
		stats:     Stats{File: f.Path, Kind: f.Kind, State: StatePending},
		batchSize: l.cfg.InitialBatchSize,
	}
	err := r.run(ctx)
	r.stats.FinalBatchSize = r.batchSize
	r.stats.Duration = l.cfg.Clock.Since(start)
	if err != nil {
		r.stats.State = StateFailed
		return r.stats, err
	}
	r.stats.State = StateDone
	return r.stats, nil
}

func (r *fileRun) run(ctx context.Context) error {
	cp, _ := r.l.cfg.Checkpoints.Get(r.file.Path)
	if cp.Completed {
		r.stats.AlreadyComplete = true
		r.stats.ResumedFrom = cp.ProcessedLines
		r.log.Info("loader: file already imported, skipping", "processed_lines", cp.ProcessedLines)
		return nil
	}

	table, err := r.file.Kind.Table()
	if err != nil {
		return err
	}
	transform, err := r.file.Kind.Transformer()
	if err != nil {
		return err
	}
	r.table = table
	metrics.ImportBatchSize.WithLabelValues(table.Name).Set(float64(r.batchSize))

	rc, err := r.l.cfg.Opener.Open(ctx, r.file.Path)
	if err != nil {
		return err
	}
	defer rc.Close()

	rows := source.NewRows(rc)
	if _, err := rows.Header(); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) && cp.ProcessedLines == 0 {
			r.log.Warn("loader: empty file")
			return r.commit(0, true)
		}
		return err
	}
	if err := rows.Skip(cp.ProcessedLines); err != nil {
		return fmt.Errorf("failed to skip to checkpoint: %w", err)
	}
	if rows.Consumed() < cp.ProcessedLines {
		return fmt.Errorf("checkpoint at record %d but file has only %d records", cp.ProcessedLines, rows.Consumed())
	}
	r.stats.ResumedFrom = cp.ProcessedLines
	if cp.ProcessedLines > 0 {
		r.log.Info("loader: resuming from checkpoint", "processed_lines", cp.ProcessedLines)
	} else {
		r.log.Info("loader: starting file")
	}

	r.stats.State = StateStreaming
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		row, err := rows.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		line := rows.Consumed()
		r.stats.Lines++

		res := transform(row)
		switch res.Action {
		case geolite.Keep:
			r.stats.Kept++
			metrics.ImportRowsTotal.WithLabelValues(table.Name, "keep").Inc()
			r.pending = append(r.pending, pendingRecord{record: res.Record, line: line})
		case geolite.Skip:
			r.stats.Skipped++
			metrics.ImportRowsTotal.WithLabelValues(table.Name, "skip").Inc()
		default:
			return fmt.Errorf("record %d: %w", line, res.Err)
		}

		if len(r.pending) >= r.l.cfg.FlushThreshold {
			if err := r.flush(ctx, line); err != nil {
				return err
			}
		}
	}

	if err := r.flush(ctx, rows.Consumed()); err != nil {
		return err
	}
	if err := r.commit(rows.Consumed(), true); err != nil {
		return err
	}
	r.log.Info("loader: file complete",
		"lines", r.stats.Lines, "kept", r.stats.Kept, "skipped", r.stats.Skipped,
		"batches", r.stats.Batches, "shrinks", r.stats.Shrinks, "batch_size", r.batchSize)
	return nil
}

// flush writes every pending record, halving the batch size whenever a write
// is too large. Each successful write is committed to the checkpoint before
// the next one starts; the write that empties the queue commits upTo so
// trailing skipped rows are not re-read.
func (r *fileRun) flush(ctx context.Context, upTo int64) error {
	if len(r.pending) == 0 {
		return nil
	}
	r.stats.State = StateFlushing
	defer func() {
		if r.stats.State == StateFlushing {
			r.stats.State = StateStreaming
		}
	}()

	for len(r.pending) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(r.batchSize, len(r.pending))
		batch := r.pending[:n]
		records := make([]geolite.Record, n)
		for i, p := range batch {
			records[i] = p.record
		}

		// A started write and its checkpoint always run to completion.
		wctx := context.WithoutCancel(ctx)
		err := r.l.cfg.Executor.Execute(wctx, r.table, records)
		if err != nil {
			if !errors.Is(err, store.ErrPayloadTooLarge) {
				return err
			}
			if n <= r.l.cfg.MinBatchSize {
				return fmt.Errorf("%w: %d records at minimum batch size %d: %w", ErrBatchTooSmall, n, r.l.cfg.MinBatchSize, err)
			}
			r.batchSize = max(n/2, r.l.cfg.MinBatchSize)
			r.stats.Shrinks++
			metrics.ImportBatchShrinksTotal.WithLabelValues(r.table.Name).Inc()
			metrics.ImportBatchSize.WithLabelValues(r.table.Name).Set(float64(r.batchSize))
			r.log.Warn("loader: batch too large, shrinking", "attempted", n, "batch_size", r.batchSize)
			continue
		}

		r.pending = r.pending[n:]
		line := batch[n-1].line
		if len(r.pending) == 0 {
			line = upTo
			r.pending = nil
		}
		r.stats.Batches++
		metrics.ImportBatchesTotal.WithLabelValues(r.table.Name).Inc()
		if err := r.commit(line, false); err != nil {
			return err
		}
		r.log.Debug("loader: batch committed", "records", n, "processed_lines", line)
	}
	return nil
}

func (r *fileRun) commit(lines int64, completed bool) error {
	if err := r.l.cfg.Checkpoints.Put(r.file.Path, checkpoint.State{ProcessedLines: lines, Completed: completed}); err != nil {
		return fmt.Errorf("failed to save checkpoint at record %d: %w", lines, err)
	}
	return nil
}
