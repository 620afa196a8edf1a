package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bidloop/realtime/internal/config"
)

// WriterConfig holds batching settings.
type WriterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
}

// DefaultWriterConfig returns the batching defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     config.DefaultBatchSize,
		FlushInterval: config.DefaultFlushInterval,
		BufferSize:    config.DefaultBufferSize,
	}
}

// ConfigFrom maps the recorder section.
func ConfigFrom(cfg config.RecorderConfig) WriterConfig {
	return WriterConfig{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
		BufferSize:    cfg.BufferSize,
	}
}

// WriterMetrics counts writer activity.
type WriterMetrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Dropped   int64 // Rows rejected because the input queue was full
	Flushes   int64
}

// BatchSender sends a pgx batch. *pgxpool.Pool satisfies it.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Observer receives per-table write outcomes. *metrics.Metrics satisfies it.
type Observer interface {
	RowsWritten(table string, n int)
	WriteFailed(table string)
}

type nopObserver struct{}

func (nopObserver) RowsWritten(string, int) {}
func (nopObserver) WriteFailed(string)      {}

// batchWriter accumulates rows from a bounded queue and flushes them when
// the batch is full or the flush interval elapses.
type batchWriter[T any] struct {
	table    string
	cfg      WriterConfig
	logger   *slog.Logger
	db       BatchSender
	observer Observer
	queue    func(b *pgx.Batch, row T)

	input chan T

	batch   []T
	batchMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics WriterMetrics
}

func newBatchWriter[T any](table string, cfg WriterConfig, db BatchSender, logger *slog.Logger, queue func(*pgx.Batch, T)) *batchWriter[T] {
	def := DefaultWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &batchWriter[T]{
		table:    table,
		cfg:      cfg,
		logger:   logger.With("table", table),
		db:       db,
		observer: nopObserver{},
		queue:    queue,
		input:    make(chan T, cfg.BufferSize),
		batch:    make([]T, 0, cfg.BatchSize),
	}
}

// enqueue never blocks the caller; a full queue drops the row.
func (w *batchWriter[T]) enqueue(row T) bool {
	select {
	case w.input <- row:
		return true
	default:
		w.batchMu.Lock()
		w.metrics.Dropped++
		w.batchMu.Unlock()
		return false
	}
}

func (w *batchWriter[T]) start(ctx context.Context) {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.run()

	w.logger.Info("writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
}

func (w *batchWriter[T]) stop(ctx context.Context) {
	if w.cancel == nil {
		return
	}
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("writer stop timed out")
		return
	}

	// Drain what was queued before stop, then write it with the caller's ctx.
drain:
	for {
		select {
		case row := <-w.input:
			w.add(row)
		default:
			break drain
		}
	}
	w.flush(ctx)
	w.logger.Info("writer stopped")
}

func (w *batchWriter[T]) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case row := <-w.input:
			if w.add(row) {
				w.flush(w.ctx)
			}
		case <-ticker.C:
			w.flush(w.ctx)
		}
	}
}

// add appends a row and reports whether the batch is full.
func (w *batchWriter[T]) add(row T) bool {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, row)
	return len(w.batch) >= w.cfg.BatchSize
}

func (w *batchWriter[T]) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}
	rows := w.batch
	w.batch = make([]T, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()
	conflicts, err := w.insert(ctx, rows)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(rows))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		w.observer.WriteFailed(w.table)
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(rows) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()
	w.observer.RowsWritten(w.table, len(rows)-conflicts)

	w.logger.Debug("flushed",
		"count", len(rows),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// insert sends rows as one pgx.Batch. Rows skipped by ON CONFLICT count as
// conflicts.
func (w *batchWriter[T]) insert(ctx context.Context, rows []T) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		w.queue(batch, r)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}
	return conflicts, nil
}

func (w *batchWriter[T]) stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}
