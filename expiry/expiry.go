package expiry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	mediaingest "github.com/contaspt/media-ingest"
	"github.com/contaspt/media-ingest/backend"
	"github.com/contaspt/media-ingest/telemetry"
)

// Config controls media retention.
type Config struct {
	// Retention is how long media is kept after it was stored. Zero
	// disables age-based removal.
	Retention time.Duration

	// MaxSize caps the total stored size in bytes. When exceeded the
	// least recently accessed media is removed first. Zero means no cap.
	MaxSize int64

	// CheckInterval is how often the manager runs. Default 1 hour.
	CheckInterval time.Duration

	Logger *slog.Logger
}

// DefaultConfig keeps media for 30 days, up to 5 GiB.
func DefaultConfig() Config {
	return Config{
		Retention:     30 * 24 * time.Hour,
		MaxSize:       5 << 30,
		CheckInterval: time.Hour,
		Logger:        slog.Default(),
	}
}

// Manager removes stored media by retention age and size cap.
type Manager struct {
	config   Config
	metadata *MetadataStore
	backend  backend.Backend
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewManager(lib *Library, cfg Config) *Manager {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		config:   cfg,
		metadata: lib.metadata,
		backend:  lib.backend,
		logger:   cfg.Logger.With("component", "media-expiry"),
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs an immediate check and then one every CheckInterval.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop halts the loop and waits for a running check to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	m.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// Result reports one expiry run.
type Result struct {
	Expired    int
	Evicted    int
	BytesFreed int64
	Errors     int
	Duration   time.Duration
}

// RunOnce performs a single retention pass.
func (m *Manager) RunOnce(ctx context.Context) *Result {
	start := m.now()
	result := &Result{}

	items, err := m.metadata.List(ctx)
	if err != nil {
		m.logger.Error("listing media metadata", "error", err)
		result.Errors++
		return result
	}

	if m.config.Retention > 0 {
		cutoff := m.now().Add(-m.config.Retention)
		items, result.Expired = m.removeWhere(ctx, items, result, func(meta *MediaMetadata) bool {
			return meta.StoredAt.Before(cutoff)
		})
	}

	if m.config.MaxSize > 0 {
		m.evictOverCap(ctx, items, result)
	}

	result.Duration = m.now().Sub(start)
	telemetry.RecordReaperCycle(ctx, "media", result.Expired+result.Evicted, result.Duration)

	if result.Expired > 0 || result.Evicted > 0 {
		m.logger.Info("media expiry complete",
			"expired", result.Expired,
			"evicted", result.Evicted,
			"bytes_freed", result.BytesFreed,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("media expiry complete, nothing to remove")
	}
	return result
}

// ForceExpire removes media stored longer ago than olderThan, ignoring
// the configured retention.
func (m *Manager) ForceExpire(ctx context.Context, olderThan time.Duration) *Result {
	start := m.now()
	result := &Result{}

	items, err := m.metadata.List(ctx)
	if err != nil {
		result.Errors++
		return result
	}

	cutoff := m.now().Add(-olderThan)
	_, result.Expired = m.removeWhere(ctx, items, result, func(meta *MediaMetadata) bool {
		return meta.StoredAt.Before(cutoff)
	})
	result.Duration = m.now().Sub(start)
	return result
}

func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	return m.metadata.GetStats(ctx)
}

// removeWhere deletes matching items and returns the survivors and the
// number removed.
func (m *Manager) removeWhere(ctx context.Context, items []*MediaMetadata, result *Result, match func(*MediaMetadata) bool) ([]*MediaMetadata, int) {
	var kept []*MediaMetadata
	removed := 0
	for _, meta := range items {
		if !match(meta) {
			kept = append(kept, meta)
			continue
		}
		if err := m.delete(ctx, meta.Hash); err != nil {
			m.logger.Warn("deleting expired media", "hash", meta.Hash.Short(), "error", err)
			result.Errors++
			kept = append(kept, meta)
			continue
		}
		removed++
		result.BytesFreed += meta.Size
		m.logger.Debug("expired media", "hash", meta.Hash.Short(), "media_id", meta.MediaID, "stored_at", meta.StoredAt)
	}
	return kept, removed
}

func (m *Manager) evictOverCap(ctx context.Context, items []*MediaMetadata, result *Result) {
	var total int64
	for _, meta := range items {
		total += meta.Size
	}
	if total <= m.config.MaxSize {
		return
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].LastAccessed.Before(items[j].LastAccessed)
	})

	for _, meta := range items {
		if total <= m.config.MaxSize {
			break
		}
		if err := m.delete(ctx, meta.Hash); err != nil {
			m.logger.Warn("evicting media", "hash", meta.Hash.Short(), "error", err)
			result.Errors++
			continue
		}
		result.Evicted++
		result.BytesFreed += meta.Size
		total -= meta.Size
	}
}

func (m *Manager) delete(ctx context.Context, hash mediaingest.Hash) error {
	if err := m.backend.Delete(ctx, hash.StorageKey()); err != nil {
		return err
	}
	return m.metadata.Delete(ctx, hash)
}
