package writer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rickgao/airsense-sync/internal/model"
)

// Config holds batching settings.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultConfig returns default batching settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: 2 * time.Second,
	}
}

// Stats counts archive activity.
type Stats struct {
	Inserts   int64
	Conflicts int64
	Flushes   int64
	Errors    int64
}

// BatchSender sends a pgx batch. *pgxpool.Pool implements it.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

const insertReading = `
	INSERT INTO sensor_readings (id, location, type, method, ts, received_at, payload)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (id) DO NOTHING`

// ReadingWriter consumes updates and writes them to sensor_readings.
type ReadingWriter struct {
	cfg    Config
	db     BatchSender
	logger *slog.Logger

	// Batching
	batch   []readingRow
	batchMu sync.Mutex
	stats   Stats

	// Lifecycle
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type readingRow struct {
	ID         uuid.UUID
	Location   string
	Type       string
	Method     string
	Ts         time.Time
	ReceivedAt time.Time
	Payload    json.RawMessage
}

// New creates a ReadingWriter.
func New(cfg Config, db BatchSender, logger *slog.Logger) *ReadingWriter {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.BatchSize < 1 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}

	return &ReadingWriter{
		cfg:    cfg,
		db:     db,
		logger: logger.With("component", "reading_writer"),
		batch:  make([]readingRow, 0, cfg.BatchSize),
	}
}

// Start consumes input until ctx is done or input is closed.
func (w *ReadingWriter) Start(ctx context.Context, input <-chan model.Update) error {
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.consumeLoop(ctx, input)

	w.logger.Info("reading writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop ends consumption and flushes whatever is still batched.
func (w *ReadingWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping reading writer")

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("reading writer stop timed out")
	}

	// Final flush
	w.flush(ctx)

	w.logger.Info("reading writer stopped", "stats", w.Stats())
	return nil
}

// Stats returns current counters.
func (w *ReadingWriter) Stats() Stats {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.stats
}

func (w *ReadingWriter) consumeLoop(ctx context.Context, input <-chan model.Update) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case u, ok := <-input:
			if !ok {
				w.flush(ctx)
				return
			}
			w.add(ctx, u)

		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

func (w *ReadingWriter) add(ctx context.Context, u model.Update) {
	w.batchMu.Lock()
	w.batch = append(w.batch, transform(u))
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush(ctx)
	}
}

func transform(u model.Update) readingRow {
	ts := u.Timestamp
	if ts.IsZero() {
		ts = u.ReceivedAt
	}
	return readingRow{
		ID:         u.ID,
		Location:   u.Target,
		Type:       u.Type,
		Method:     string(u.Method),
		Ts:         ts,
		ReceivedAt: u.ReceivedAt,
		Payload:    u.Payload,
	}
}

// flush writes the current batch. A failed batch is dropped and counted.
func (w *ReadingWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]readingRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	// Stop cancels the loop context; the final flush still needs to land.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}

	start := time.Now()
	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.stats.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.stats.Inserts += int64(len(batch) - conflicts)
	w.stats.Conflicts += int64(conflicts)
	w.stats.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed readings",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

func (w *ReadingWriter) batchInsert(ctx context.Context, rows []readingRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertReading, r.ID, r.Location, r.Type, r.Method, r.Ts, r.ReceivedAt, r.Payload)
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
