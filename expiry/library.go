package expiry

import (
	"context"
	"fmt"
	"io"

	mediaingest "github.com/contaspt/media-ingest"
	"github.com/contaspt/media-ingest/backend"
	"github.com/contaspt/media-ingest/telemetry"
)

// Library stores framed media in a backend and keeps expiry metadata
// in step with it.
type Library struct {
	backend  backend.Backend
	metadata *MetadataStore
}

func NewLibrary(b backend.Backend, meta *MetadataStore) *Library {
	return &Library{backend: b, metadata: meta}
}

// Put stores data under its content hash. Storing bytes that are already
// present only refreshes their access time.
func (l *Library) Put(ctx context.Context, header backend.MediaHeader, data []byte) (*backend.MediaHeader, error) {
	hash := mediaingest.HashBytes(data)

	exists, err := l.backend.Exists(ctx, hash.StorageKey())
	if err != nil {
		return nil, fmt.Errorf("checking media %s: %w", hash.Short(), err)
	}
	if exists {
		stored, err := backend.StatMedia(ctx, l.backend, hash)
		if err == nil {
			_ = l.metadata.Touch(ctx, hash)
			return stored, nil
		}
		// Unreadable frame: rewrite it below.
	}

	if header.StoredAt.IsZero() {
		header.StoredAt = l.metadata.now().UTC()
	}
	stored, err := backend.PutMedia(ctx, l.backend, header, data)
	if err != nil {
		return nil, err
	}

	size := stored.ContentLength
	if sb, ok := l.backend.(backend.SizeAwareBackend); ok {
		if n, err := sb.Size(ctx, hash.StorageKey()); err == nil {
			size = n
		}
	}
	telemetry.RecordMediaStored(ctx, stored.MIMEType, stored.ContentLength, stored.Encoding == backend.EncodingZstd)

	if err := l.metadata.Create(ctx, MediaMetadata{
		Hash:     hash,
		MediaID:  stored.MediaID,
		MIMEType: stored.MIMEType,
		Size:     size,
	}); err != nil {
		return nil, err
	}
	return stored, nil
}

// Open streams a stored item and refreshes its access time.
func (l *Library) Open(ctx context.Context, hash mediaingest.Hash) (*backend.MediaHeader, io.ReadCloser, error) {
	header, rc, err := backend.OpenMedia(ctx, l.backend, hash)
	if err != nil {
		return nil, nil, err
	}
	l.touch(ctx, hash)
	return header, rc, nil
}

// Read returns a stored item fully buffered and hash-verified.
func (l *Library) Read(ctx context.Context, hash mediaingest.Hash) (*backend.MediaHeader, []byte, error) {
	header, data, err := backend.ReadMedia(ctx, l.backend, hash)
	if err != nil {
		return nil, nil, err
	}
	l.touch(ctx, hash)
	return header, data, nil
}

func (l *Library) Has(ctx context.Context, hash mediaingest.Hash) (bool, error) {
	return l.backend.Exists(ctx, hash.StorageKey())
}

// Delete removes the blob and its metadata.
func (l *Library) Delete(ctx context.Context, hash mediaingest.Hash) error {
	if err := l.backend.Delete(ctx, hash.StorageKey()); err != nil {
		return err
	}
	return l.metadata.Delete(ctx, hash)
}

func (l *Library) Metadata() *MetadataStore {
	return l.metadata
}

// touch is best effort; a missing record only means the item predates
// metadata tracking.
func (l *Library) touch(ctx context.Context, hash mediaingest.Hash) {
	_ = l.metadata.Touch(ctx, hash)
}
