package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/time/rate"

	"github.com/contaspt/media-ingest/analyzer"
	"github.com/contaspt/media-ingest/backend"
	"github.com/contaspt/media-ingest/config"
	"github.com/contaspt/media-ingest/credentials"
	"github.com/contaspt/media-ingest/dedup"
	"github.com/contaspt/media-ingest/download"
	"github.com/contaspt/media-ingest/expiry"
	"github.com/contaspt/media-ingest/pipeline"
	"github.com/contaspt/media-ingest/store"
	"github.com/contaspt/media-ingest/telemetry"
	"github.com/contaspt/media-ingest/whatsapp"
)

// app holds the assembled components. Close releases what it opened.
type app struct {
	creds     *credentials.Credentials
	docs      *store.DB
	library   *expiry.Library
	cache     *dedup.Cache
	accounts  *whatsapp.Accounts
	analyzer  analyzer.Analyzer
	processor *pipeline.Processor
}

func (a *app) Close() error {
	if a.docs != nil {
		return a.docs.Close()
	}
	return nil
}

func (rc *runContext) loadCredentials(ctx context.Context) (*credentials.Credentials, error) {
	if rc.config.CredentialsFile == "" {
		return credentials.FromEnv(), nil
	}
	opts := []credentials.ResolverOption{credentials.WithLogger(rc.logger)}
	if rc.globals.OnePassword {
		opts = append(opts, credentials.WithOnePassword(nil))
	}
	return credentials.NewResolver(opts...).ResolveFile(ctx, rc.config.CredentialsFile)
}

// lockedHint is appended when the database is held by a running server.
const lockedHint = "stop the running server first, or retry a document through its admin API with POST /documents/{id}/retry"

// openDocuments opens the document database only.
func (rc *runContext) openDocuments() (*store.DB, error) {
	path := rc.config.Documents.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating documents directory: %w", err)
	}
	db := store.New(store.WithLogger(rc.logger))
	if err := db.Open(path); err != nil {
		if errors.Is(err, store.ErrLocked) {
			return nil, fmt.Errorf("%w; %s", err, lockedHint)
		}
		return nil, err
	}
	return db, nil
}

// buildApp assembles every component the server and retry command need.
func (rc *runContext) buildApp(ctx context.Context) (*app, error) {
	cfg := rc.config

	creds, err := rc.loadCredentials(ctx)
	if err != nil {
		return nil, err
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	a := &app{creds: creds}

	fs, err := backend.NewFilesystem(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("creating filesystem backend: %w", err)
	}
	blobs := backend.NewInstrumentedBackend(fs, "filesystem")
	a.library = expiry.NewLibrary(blobs, expiry.NewMetadataStore(blobs))

	if a.docs, err = rc.openDocuments(); err != nil {
		return nil, err
	}

	a.cache = dedup.New(
		dedup.WithProcessingTimeout(cfg.Dedup.ProcessingTimeout),
		dedup.WithCleanupInterval(cfg.Dedup.CleanupInterval),
		dedup.WithDedupCompleted(cfg.Dedup.DedupCompleted),
		dedup.WithRetainFailed(cfg.Dedup.RetainFailed),
		dedup.WithLogger(rc.logger),
	)

	clientOpts := []whatsapp.ClientOption{whatsapp.WithClientLogger(rc.logger)}
	if cfg.WhatsApp.GraphURL != "" {
		clientOpts = append(clientOpts, whatsapp.WithBaseURL(cfg.WhatsApp.GraphURL))
	}
	if cfg.WhatsApp.MaxMediaSize > 0 {
		clientOpts = append(clientOpts, whatsapp.WithMaxMediaSize(cfg.WhatsApp.MaxMediaSize))
	}
	if a.accounts, err = whatsapp.NewAccounts(creds.WhatsApp, clientOpts...); err != nil {
		_ = a.Close()
		return nil, err
	}

	if a.analyzer, err = rc.buildAnalyzer(creds); err != nil {
		_ = a.Close()
		return nil, err
	}

	a.processor = pipeline.New(pipeline.Config{
		Cache:             a.cache,
		Fetcher:           download.New(a.library, download.WithLogger(rc.logger)),
		Documents:         a.docs,
		Ledger:            a.docs,
		Analyzer:          a.analyzer,
		Gateway:           pipeline.NewGateway(a.accounts),
		AuthorizedSenders: cfg.Pipeline.AuthorizedNumbers,
		RecentWindow:      cfg.Pipeline.RecentWindow,
		Workers:           cfg.Pipeline.Workers,
		QueueSize:         cfg.Pipeline.QueueSize,
		MessageTimeout:    cfg.Pipeline.MessageTimeout,
		Logger:            rc.logger,
	})
	return a, nil
}

var errNoAnalyzer = errors.New("no analyzer provider has an API key")

// buildAnalyzer chains the configured providers that have keys, in order.
func (rc *runContext) buildAnalyzer(creds *credentials.Credentials) (analyzer.Analyzer, error) {
	cfg := rc.config.Analyzer

	var chain []analyzer.Analyzer
	for _, name := range cfg.Providers {
		opts := []analyzer.Option{
			analyzer.WithLogger(rc.logger),
			analyzer.WithRateLimit(rate.Limit(cfg.RateLimit), cfg.Burst),
			analyzer.WithHTTPClient(&http.Client{
				Timeout:   cfg.Timeout,
				Transport: telemetry.NewInstrumentedTransport(nil, name),
			}),
		}
		switch name {
		case config.ProviderGemini:
			if creds.GeminiAPIKey == "" {
				continue
			}
			if cfg.GeminiModel != "" {
				opts = append(opts, analyzer.WithModel(cfg.GeminiModel))
			}
			chain = append(chain, analyzer.NewGemini(creds.GeminiAPIKey, opts...))
		case config.ProviderOpenAI:
			if creds.OpenAIAPIKey == "" {
				continue
			}
			if cfg.OpenAIModel != "" {
				opts = append(opts, analyzer.WithModel(cfg.OpenAIModel))
			}
			chain = append(chain, analyzer.NewOpenAI(creds.OpenAIAPIKey, opts...))
		}
	}

	switch len(chain) {
	case 0:
		return nil, errNoAnalyzer
	case 1:
		return chain[0], nil
	}
	return analyzer.NewChain(rc.logger, chain...), nil
}
