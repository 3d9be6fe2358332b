package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	mediaingest "github.com/contaspt/media-ingest"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	bolterrors "go.etcd.io/bbolt/errors"
)

// DefaultLockTimeout is how long Open waits for the file lock.
const DefaultLockTimeout = time.Second

// DB is the bbolt-backed document store.
type DB struct {
	db     *bbolt.DB
	codec  *EnvelopeCodec
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)

	lockTimeout time.Duration
}

// Option configures a DB instance.
type Option func(*DB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DB) {
		d.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(d *DB) {
		d.now = now
	}
}

// WithLockTimeout sets how long Open waits for another process to
// release the database file.
func WithLockTimeout(d time.Duration) Option {
	return func(db *DB) {
		db.lockTimeout = d
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing, never in production.
func WithNoSync(noSync bool) Option {
	return func(d *DB) {
		d.noSync = noSync
	}
}

// New creates a DB with options. Call Open before use.
func New(opts ...Option) *DB {
	d := &DB{
		logger:      slog.Default(),
		now:         time.Now,
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "store")
	return d
}

// Open opens the database at the given path. bbolt holds an exclusive
// file lock for as long as the database is open, so while one process
// (normally serve) has it open every other Open fails with ErrLocked
// once the lock timeout passes.
func (d *DB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: d.lockTimeout,
		NoSync:  d.noSync,
	})
	if errors.Is(err, bolterrors.ErrTimeout) {
		return fmt.Errorf("opening database %s: %w (waited %s)", path, ErrLocked, d.lockTimeout)
	}
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	d.db = db

	if err := d.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	codec, err := NewEnvelopeCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating envelope codec: %w", err)
	}
	d.codec = codec

	d.logger.Debug("opened document store", "path", path, "noSync", d.noSync)
	return nil
}

func (d *DB) createBuckets() error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (d *DB) Close() error {
	if d.codec != nil {
		d.codec.Close()
		d.codec = nil
	}
	if d.db == nil {
		return nil
	}
	d.logger.Debug("closing document store")
	return d.db.Close()
}

// Create stores a new document. An empty ID is filled with a UUID, zero
// timestamps with the current time and an empty status with pending.
// The media key must be one built by mediaingest.MediaKey; an empty
// MediaID or Sender is taken from it and a different one is rejected.
// The media key index always points at the most recently created
// document for that key.
func (d *DB) Create(_ context.Context, doc *Document) error {
	if doc.MediaKey == "" {
		return fmt.Errorf("%w: media key is required", ErrInvalidDocument)
	}
	mediaID, from, err := mediaingest.ParseMediaKey(doc.MediaKey)
	if err != nil {
		return fmt.Errorf("%w: %w %q", ErrInvalidDocument, err, doc.MediaKey)
	}
	if doc.MediaID == "" {
		doc.MediaID = mediaID
	}
	if doc.Sender == "" {
		doc.Sender = from
	}
	if doc.MediaID != mediaID || doc.Sender != from {
		return fmt.Errorf("%w: media key %q does not match media %s from %s", ErrInvalidDocument, doc.MediaKey, doc.MediaID, doc.Sender)
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.Status == "" {
		doc.Status = StatusPending
	}
	if !doc.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidDocument, doc.Status)
	}
	now := d.now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = doc.CreatedAt
	}

	return d.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketDocuments).Get([]byte(doc.ID)) != nil {
			return fmt.Errorf("%w: %s", ErrExists, doc.ID)
		}
		if err := putDocument(tx, doc); err != nil {
			return err
		}
		if err := tx.Bucket(bucketByMedia).Put([]byte(doc.MediaKey), []byte(doc.ID)); err != nil {
			return fmt.Errorf("indexing media key: %w", err)
		}
		return tx.Bucket(bucketByStatus).Put(makeStatusKey(doc.Status, doc.CreatedAt, doc.ID), []byte(doc.ID))
	})
}

// Get returns the document with the given id.
func (d *DB) Get(_ context.Context, id string) (*Document, error) {
	var doc *Document
	err := d.db.View(func(tx *bbolt.Tx) error {
		var err error
		doc, err = getDocument(tx, id)
		return err
	})
	return doc, err
}

// GetByMediaKey returns the newest document created for a media key.
func (d *DB) GetByMediaKey(_ context.Context, mediaKey string) (*Document, error) {
	var doc *Document
	err := d.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketByMedia).Get([]byte(mediaKey))
		if id == nil {
			return ErrNotFound
		}
		var err error
		doc, err = getDocument(tx, string(id))
		return err
	})
	return doc, err
}

// Update applies fn to the stored document inside a write transaction.
// ID, MediaKey and CreatedAt are immutable; changes fn makes to them are
// discarded. UpdatedAt is set after fn returns. An error from fn aborts
// the update.
func (d *DB) Update(_ context.Context, id string, fn func(*Document) error) (*Document, error) {
	var updated *Document
	err := d.db.Update(func(tx *bbolt.Tx) error {
		doc, err := getDocument(tx, id)
		if err != nil {
			return err
		}
		oldStatus, mediaKey, created := doc.Status, doc.MediaKey, doc.CreatedAt

		if err := fn(doc); err != nil {
			return err
		}
		doc.ID, doc.MediaKey, doc.CreatedAt = id, mediaKey, created
		if !doc.Status.Valid() {
			return fmt.Errorf("%w: unknown status %q", ErrInvalidDocument, doc.Status)
		}
		doc.UpdatedAt = d.now().UTC()

		if err := putDocument(tx, doc); err != nil {
			return err
		}
		if oldStatus != doc.Status {
			idx := tx.Bucket(bucketByStatus)
			if err := idx.Delete(makeStatusKey(oldStatus, doc.CreatedAt, doc.ID)); err != nil {
				return fmt.Errorf("removing status index: %w", err)
			}
			if err := idx.Put(makeStatusKey(doc.Status, doc.CreatedAt, doc.ID), []byte(doc.ID)); err != nil {
				return fmt.Errorf("adding status index: %w", err)
			}
		}
		updated = doc
		return nil
	})
	return updated, err
}

// SetStatus moves a document to status. Completing stamps ProcessedAt,
// failing records errMsg and leaving failed clears the previous error.
func (d *DB) SetStatus(ctx context.Context, id string, status Status, errMsg string) (*Document, error) {
	return d.Update(ctx, id, func(doc *Document) error {
		if doc.Status == StatusFailed && status != StatusFailed {
			doc.Error = ""
		}
		doc.Status = status
		switch status {
		case StatusCompleted:
			t := d.now().UTC()
			doc.ProcessedAt = &t
		case StatusFailed:
			doc.Error = errMsg
		}
		return nil
	})
}

// ListByStatus returns up to limit documents in status, oldest first.
// A limit of zero or less returns all of them.
func (d *DB) ListByStatus(_ context.Context, status Status, limit int) ([]*Document, error) {
	var docs []*Document
	err := d.db.View(func(tx *bbolt.Tx) error {
		prefix := statusPrefix(status)
		c := tx.Bucket(bucketByStatus).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			doc, err := getDocument(tx, string(v))
			if err != nil {
				d.logger.Warn("dangling status index entry", "status", status, "id", string(v))
				continue
			}
			docs = append(docs, doc)
			if limit > 0 && len(docs) >= limit {
				break
			}
		}
		return nil
	})
	return docs, err
}

// List returns up to limit documents, newest first.
func (d *DB) List(_ context.Context, limit int) ([]*Document, error) {
	var docs []*Document
	err := d.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDocuments).ForEach(func(_, v []byte) error {
			var doc Document
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("decoding document: %w", err)
			}
			docs = append(docs, &doc)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(docs)
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

// Delete removes a document, its indexes, its raw response and its
// ledger records. When the media key index pointed at it, the index moves
// to the newest remaining document with the same key.
func (d *DB) Delete(_ context.Context, id string) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		return deleteDocument(tx, id)
	})
}

// Stats counts documents by status.
func (d *DB) Stats(_ context.Context) (*Stats, error) {
	stats := &Stats{ByStatus: make(map[Status]int, len(Statuses))}
	err := d.db.View(func(tx *bbolt.Tx) error {
		stats.Documents = tx.Bucket(bucketDocuments).Stats().KeyN
		stats.MediaKeys = tx.Bucket(bucketByMedia).Stats().KeyN
		stats.RawResponses = tx.Bucket(bucketRawResponses).Stats().KeyN
		stats.Suppliers = tx.Bucket(bucketSuppliers).Stats().KeyN
		stats.Invoices = tx.Bucket(bucketInvoices).Stats().KeyN
		stats.Expenses = tx.Bucket(bucketExpenses).Stats().KeyN

		c := tx.Bucket(bucketByStatus).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			i := bytes.IndexByte(k, 0)
			if i < 0 {
				continue
			}
			stats.ByStatus[Status(k[:i])]++
		}
		return nil
	})
	return stats, err
}

func getDocument(tx *bbolt.Tx, id string) (*Document, error) {
	val := tx.Bucket(bucketDocuments).Get([]byte(id))
	if val == nil {
		return nil, ErrNotFound
	}
	var doc Document
	if err := json.Unmarshal(val, &doc); err != nil {
		return nil, fmt.Errorf("decoding document %s: %w", id, err)
	}
	return &doc, nil
}

func putDocument(tx *bbolt.Tx, doc *Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}
	if err := tx.Bucket(bucketDocuments).Put([]byte(doc.ID), data); err != nil {
		return fmt.Errorf("putting document: %w", err)
	}
	return nil
}

func deleteDocument(tx *bbolt.Tx, id string) error {
	doc, err := getDocument(tx, id)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketDocuments).Delete([]byte(id)); err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	if err := tx.Bucket(bucketByStatus).Delete(makeStatusKey(doc.Status, doc.CreatedAt, id)); err != nil {
		return fmt.Errorf("removing status index: %w", err)
	}
	if err := tx.Bucket(bucketRawResponses).Delete([]byte(id)); err != nil {
		return fmt.Errorf("deleting raw response: %w", err)
	}
	if err := deleteLedger(tx, id); err != nil {
		return err
	}

	media := tx.Bucket(bucketByMedia)
	if string(media.Get([]byte(doc.MediaKey))) != id {
		return nil
	}
	next, err := newestWithMediaKey(tx, doc.MediaKey)
	if err != nil {
		return err
	}
	if next == "" {
		return media.Delete([]byte(doc.MediaKey))
	}
	return media.Put([]byte(doc.MediaKey), []byte(next))
}

// newestWithMediaKey scans for the newest document with the given key.
func newestWithMediaKey(tx *bbolt.Tx, mediaKey string) (string, error) {
	var newest *Document
	err := tx.Bucket(bucketDocuments).ForEach(func(_, v []byte) error {
		var doc Document
		if err := json.Unmarshal(v, &doc); err != nil {
			return fmt.Errorf("decoding document: %w", err)
		}
		if doc.MediaKey == mediaKey && (newest == nil || newer(&doc, newest)) {
			newest = &doc
		}
		return nil
	})
	if err != nil || newest == nil {
		return "", err
	}
	return newest.ID, nil
}

// newer orders documents by creation time with the id as tie-breaker.
func newer(a, b *Document) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func sortNewestFirst(docs []*Document) {
	slices.SortFunc(docs, func(a, b *Document) int {
		if newer(a, b) {
			return -1
		}
		if newer(b, a) {
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
}
