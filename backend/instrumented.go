package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/contaspt/media-ingest/telemetry"
)

// InstrumentedBackend records one backend metric per operation.
type InstrumentedBackend struct {
	backend Backend
	name    string
}

func NewInstrumentedBackend(b Backend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := ib.backend.Write(ctx, key, cr)
	ib.record(ctx, "write", err, start, cr.n)
	return err
}

// Read records the op when the returned body is closed so the byte
// count covers what the caller actually consumed.
func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	if err != nil {
		ib.record(ctx, "read", err, start, 0)
		return nil, err
	}
	return &countingReadCloser{ReadCloser: rc, ctx: ctx, ib: ib, start: start}, nil
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	ib.record(ctx, "delete", err, start, 0)
	return err
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := ib.backend.Exists(ctx, key)
	ib.record(ctx, "exists", err, start, 0)
	return ok, err
}

func (ib *InstrumentedBackend) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := ib.backend.List(ctx, prefix)
	ib.record(ctx, "list", err, start, 0)
	return keys, err
}

// Size delegates to the wrapped backend when it is size aware.
func (ib *InstrumentedBackend) Size(ctx context.Context, key string) (int64, error) {
	sb, ok := ib.backend.(SizeAwareBackend)
	if !ok {
		return 0, ErrNotFound
	}
	start := time.Now()
	n, err := sb.Size(ctx, key)
	ib.record(ctx, "size", err, start, 0)
	return n, err
}

func (ib *InstrumentedBackend) Unwrap() Backend {
	return ib.backend
}

func (ib *InstrumentedBackend) record(ctx context.Context, op string, err error, start time.Time, n int64) {
	telemetry.RecordBackendOp(ctx, ib.name, op, outcomeFromError(err), time.Since(start), n)
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

type countingReadCloser struct {
	io.ReadCloser
	ctx    context.Context
	ib     *InstrumentedBackend
	start  time.Time
	n      int64
	closed bool
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReadCloser) Close() error {
	err := c.ReadCloser.Close()
	if !c.closed {
		c.closed = true
		c.ib.record(c.ctx, "read", err, c.start, c.n)
	}
	return err
}

var _ SizeAwareBackend = (*InstrumentedBackend)(nil)
