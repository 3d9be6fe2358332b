// Package expiry tracks stored media and removes it by retention age and
// total size.
package expiry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mediaingest "github.com/contaspt/media-ingest"
	"github.com/contaspt/media-ingest/backend"
)

const metadataPrefix = "meta"

// MediaMetadata is the bookkeeping record kept next to each stored blob.
// Size is the stored (possibly compressed) size.
type MediaMetadata struct {
	Hash         mediaingest.Hash `json:"hash"`
	MediaID      string           `json:"media_id"`
	MIMEType     string           `json:"mime_type"`
	Size         int64            `json:"size"`
	StoredAt     time.Time        `json:"stored_at"`
	LastAccessed time.Time        `json:"last_accessed"`
}

// MetadataStore keeps MediaMetadata as JSON documents in a backend.
type MetadataStore struct {
	backend backend.Backend
	mu      sync.RWMutex
	now     func() time.Time
}

func NewMetadataStore(b backend.Backend) *MetadataStore {
	return &MetadataStore{backend: b, now: time.Now}
}

func (m *MetadataStore) Get(ctx context.Context, hash mediaingest.Hash) (*MediaMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(ctx, metadataKey(hash))
}

// Create records a newly stored blob with StoredAt and LastAccessed set
// to the store clock.
func (m *MetadataStore) Create(ctx context.Context, meta MediaMetadata) error {
	now := m.now()
	meta.StoredAt = now
	meta.LastAccessed = now

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(ctx, &meta)
}

// Touch bumps LastAccessed.
func (m *MetadataStore) Touch(ctx context.Context, hash mediaingest.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta, err := m.getLocked(ctx, metadataKey(hash))
	if err != nil {
		return err
	}
	meta.LastAccessed = m.now()
	return m.putLocked(ctx, meta)
}

func (m *MetadataStore) Delete(ctx context.Context, hash mediaingest.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backend.Delete(ctx, metadataKey(hash))
}

// List returns every readable metadata record. Corrupt records are
// skipped.
func (m *MetadataStore) List(ctx context.Context) ([]*MediaMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys, err := m.backend.List(ctx, metadataPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing media metadata: %w", err)
	}

	out := make([]*MediaMetadata, 0, len(keys))
	for _, key := range keys {
		meta, err := m.getLocked(ctx, key)
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

// Stats summarises the stored media.
type Stats struct {
	Items      int64     `json:"items"`
	TotalSize  int64     `json:"total_size"`
	OldestItem time.Time `json:"oldest_item,omitzero"`
	NewestItem time.Time `json:"newest_item,omitzero"`
}

func (m *MetadataStore) GetStats(ctx context.Context) (*Stats, error) {
	items, err := m.List(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	for _, meta := range items {
		stats.Items++
		stats.TotalSize += meta.Size
		if stats.OldestItem.IsZero() || meta.StoredAt.Before(stats.OldestItem) {
			stats.OldestItem = meta.StoredAt
		}
		if meta.StoredAt.After(stats.NewestItem) {
			stats.NewestItem = meta.StoredAt
		}
	}
	return stats, nil
}

func (m *MetadataStore) getLocked(ctx context.Context, key string) (*MediaMetadata, error) {
	rc, err := m.backend.Read(ctx, key)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("reading media metadata: %w", err)
	}
	defer func() { _ = rc.Close() }()

	var meta MediaMetadata
	if err := json.NewDecoder(rc).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decoding media metadata: %w", err)
	}
	return &meta, nil
}

func (m *MetadataStore) putLocked(ctx context.Context, meta *MediaMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding media metadata: %w", err)
	}
	if err := m.backend.Write(ctx, metadataKey(meta.Hash), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing media metadata: %w", err)
	}
	return nil
}

func metadataKey(hash mediaingest.Hash) string {
	return metadataPrefix + "/" + hash.Shard() + "/" + hash.String() + ".json"
}
