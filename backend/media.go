package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	mediaingest "github.com/contaspt/media-ingest"
)

// ErrHashMismatch is returned when a stored body does not match the
// content hash in its header.
var ErrHashMismatch = errors.New("content hash mismatch")

// PutMedia frames data and writes it under the BLAKE3 storage key of
// the decoded bytes. ContentHash, ContentLength and Encoding are filled
// in from data; StoredAt is set when zero.
func PutMedia(ctx context.Context, b Backend, header MediaHeader, data []byte) (*MediaHeader, error) {
	hash := mediaingest.HashBytes(data)
	header.ContentHash = hash.String()
	header.ContentLength = int64(len(data))
	header.Encoding = ChooseEncoding(header.MIMEType, header.ContentLength)
	if header.StoredAt.IsZero() {
		header.StoredAt = time.Now().UTC()
	}

	var buf bytes.Buffer
	if err := WriteFramed(&buf, &header, bytes.NewReader(data)); err != nil {
		return nil, err
	}
	if err := b.Write(ctx, hash.StorageKey(), &buf); err != nil {
		return nil, fmt.Errorf("writing media %s: %w", hash.Short(), err)
	}
	return &header, nil
}

// OpenMedia opens the media stored under hash and returns its header
// and decoded body. The caller closes the body.
func OpenMedia(ctx context.Context, b Backend, hash mediaingest.Hash) (*MediaHeader, io.ReadCloser, error) {
	rc, err := b.Read(ctx, hash.StorageKey())
	if err != nil {
		return nil, nil, err
	}

	header, body, err := ReadFramed(rc)
	if err != nil {
		_ = rc.Close()
		return nil, nil, fmt.Errorf("reading media %s: %w", hash.Short(), err)
	}
	return header, &framedBody{ReadCloser: body, file: rc}, nil
}

// ReadMedia reads a whole media body and verifies it against the hash.
func ReadMedia(ctx context.Context, b Backend, hash mediaingest.Hash) (*MediaHeader, []byte, error) {
	header, body, err := OpenMedia(ctx, b, hash)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = body.Close() }()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading media %s: %w", hash.Short(), err)
	}
	if mediaingest.HashBytes(data) != hash {
		return nil, nil, fmt.Errorf("media %s: %w", hash.Short(), ErrHashMismatch)
	}
	return header, data, nil
}

// StatMedia returns only the header of a stored media item.
func StatMedia(ctx context.Context, b Backend, hash mediaingest.Hash) (*MediaHeader, error) {
	rc, err := b.Read(ctx, hash.StorageKey())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	header, err := ReadHeader(rc)
	if err != nil {
		return nil, fmt.Errorf("reading media header %s: %w", hash.Short(), err)
	}
	return header, nil
}

// framedBody closes both the decoder and the underlying backend reader.
type framedBody struct {
	io.ReadCloser
	file io.Closer
}

func (f *framedBody) Close() error {
	err := f.ReadCloser.Close()
	if cerr := f.file.Close(); err == nil {
		err = cerr
	}
	return err
}
