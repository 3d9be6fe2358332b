// Package download fetches inbound media once per media id, however many
// deliveries reference it at the same time, and serves stored media back
// over HTTP.
package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	mediaingest "github.com/contaspt/media-ingest"
	"github.com/contaspt/media-ingest/backend"
	"github.com/contaspt/media-ingest/whatsapp"
	"golang.org/x/sync/singleflight"
)

// Source fetches a media body from the provider.
type Source interface {
	Download(ctx context.Context, mediaID string) (*whatsapp.DownloadedMedia, error)
}

// Store persists fetched media.
type Store interface {
	Put(ctx context.Context, header backend.MediaHeader, data []byte) (*backend.MediaHeader, error)
	Read(ctx context.Context, hash mediaingest.Hash) (*backend.MediaHeader, []byte, error)
}

// Result is a fetched and stored media item.
type Result struct {
	Hash   mediaingest.Hash
	Header *backend.MediaHeader
	Data   []byte
}

// Request names the media to fetch. MIMEType and Filename come from the
// webhook and are used when the provider omits them. Hash is the content
// hash of a copy stored earlier, if any.
type Request struct {
	MediaID  string
	MIMEType string
	Filename string
	Hash     mediaingest.Hash
	Source   Source
}

// DownloadFunc produces a Result. The context it receives is detached
// from any single caller.
type DownloadFunc func(ctx context.Context) (*Result, error)

// Downloader collapses concurrent fetches of the same key. It uses DoChan
// so each caller keeps its own deadline while the shared fetch runs on.
type Downloader struct {
	group  singleflight.Group
	store  Store
	logger *slog.Logger
}

type Option func(*Downloader)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

func New(store Store, opts ...Option) *Downloader {
	d := &Downloader{
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "downloader")
	return d
}

// Do runs fn once for all concurrent callers of key and reports whether
// the result was shared. A caller whose ctx ends first gets ctx.Err()
// while the fetch continues for the others.
func (d *Downloader) Do(ctx context.Context, key string, fn DownloadFunc) (*Result, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Fetch returns the stored copy named by req.Hash when it is still in the
// store. Otherwise it downloads req.MediaID from its source and stores it.
// A failed download is not remembered; the next call fetches again.
func (d *Downloader) Fetch(ctx context.Context, req Request) (*Result, bool, error) {
	if !req.Hash.IsZero() {
		header, data, err := d.store.Read(ctx, req.Hash)
		if err == nil {
			return &Result{Hash: req.Hash, Header: header, Data: data}, false, nil
		}
		if !errors.Is(err, backend.ErrNotFound) {
			return nil, false, fmt.Errorf("reading stored media %s: %w", req.Hash.Short(), err)
		}
		d.logger.Info("stored media expired, downloading again", "media_id", req.MediaID, "hash", req.Hash.Short())
	}

	return d.Do(ctx, req.MediaID, func(ctx context.Context) (*Result, error) {
		media, err := req.Source.Download(ctx, req.MediaID)
		if err != nil {
			return nil, err
		}

		mimeType := media.Info.MIMEType
		if mimeType == "" {
			mimeType = req.MIMEType
		}
		header, err := d.store.Put(ctx, backend.MediaHeader{
			MediaID:  req.MediaID,
			MIMEType: whatsapp.NormalizeMIME(mimeType),
			Filename: req.Filename,
		}, media.Data)
		if err != nil {
			return nil, fmt.Errorf("storing media %s: %w", req.MediaID, err)
		}

		hash, err := mediaingest.ParseHash(header.ContentHash)
		if err != nil {
			return nil, fmt.Errorf("storing media %s: %w", req.MediaID, err)
		}

		d.logger.Info("media stored",
			"media_id", req.MediaID,
			"hash", hash.Short(),
			"mime_type", header.MIMEType,
			"bytes", header.ContentLength,
			"encoding", header.Encoding,
		)
		return &Result{Hash: hash, Header: header, Data: media.Data}, nil
	})
}
