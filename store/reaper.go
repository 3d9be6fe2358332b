package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/contaspt/media-ingest/telemetry"
)

// DefaultStuckAfter is how long a document may stay in processing before
// the reaper fails it.
const DefaultStuckAfter = 15 * time.Minute

// StuckErrorMessage is recorded on documents failed by the reaper.
const StuckErrorMessage = "processing timed out"

var errSkip = errors.New("skip")

// Reaper fails documents left in processing by a crash or a lost worker
// so the retry command can pick them up.
type Reaper struct {
	db         *DB
	interval   time.Duration
	batchSize  int
	stuckAfter time.Duration
	logger     *slog.Logger
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReaperInterval sets the cleanup interval.
func WithReaperInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		r.interval = d
	}
}

// WithReaperBatchSize sets the maximum documents failed per reap cycle.
func WithReaperBatchSize(n int) ReaperOption {
	return func(r *Reaper) {
		r.batchSize = n
	}
}

// WithStuckAfter sets how long processing may last.
func WithStuckAfter(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		r.stuckAfter = d
	}
}

// WithReaperLogger sets the logger for the reaper.
func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(r *Reaper) {
		r.logger = logger
	}
}

// NewReaper creates a new reaper with the given options.
// Defaults: interval=5m, batchSize=100, stuckAfter=15m.
func NewReaper(db *DB, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		db:         db,
		interval:   5 * time.Minute,
		batchSize:  100,
		stuckAfter: DefaultStuckAfter,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "document-reaper")
	return r
}

// Run starts the reaper loop. It blocks until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("document reaper started", "interval", r.interval, "stuckAfter", r.stuckAfter)

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("document reaper stopped")
			return
		case <-ticker.C:
			r.reapBatch(ctx)
		}
	}
}

// reapBatch fails up to batchSize stuck documents.
func (r *Reaper) reapBatch(ctx context.Context) int {
	start := time.Now()
	var failed int
	defer func() {
		telemetry.RecordReaperCycle(ctx, "documents", failed, time.Since(start))
	}()

	processing, err := r.db.ListByStatus(ctx, StatusProcessing, 0)
	if err != nil {
		r.logger.Error("failed to list processing documents", "error", err)
		return 0
	}

	cutoff := r.db.now().Add(-r.stuckAfter)
	for _, doc := range processing {
		if r.batchSize > 0 && failed >= r.batchSize {
			break
		}
		if doc.UpdatedAt.After(cutoff) {
			continue
		}

		_, err := r.db.Update(ctx, doc.ID, func(d *Document) error {
			// A worker may have finished since the listing.
			if d.Status != StatusProcessing || d.UpdatedAt.After(cutoff) {
				return errSkip
			}
			d.Status = StatusFailed
			d.Error = StuckErrorMessage
			return nil
		})
		switch {
		case err == nil:
			failed++
		case errors.Is(err, errSkip):
		default:
			r.logger.Warn("failed to fail stuck document", "id", doc.ID, "error", err)
		}
	}

	if failed > 0 {
		r.logger.Info("stuck documents failed", "failed", failed, "processing", len(processing))
	}
	return failed
}

// ReapNow runs a single reap cycle immediately and returns how many
// documents were failed. Useful for testing.
func (r *Reaper) ReapNow(ctx context.Context) int {
	return r.reapBatch(ctx)
}
