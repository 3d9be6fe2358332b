package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/contaspt/media-ingest/dedup"
	"github.com/contaspt/media-ingest/expiry"
	"github.com/contaspt/media-ingest/server"
	"github.com/contaspt/media-ingest/store"
	"github.com/contaspt/media-ingest/telemetry"
)

type ServeCmd struct {
	Address string `help:"Address to listen on. Overrides server.address." env:"MEDIA_INGEST_ADDRESS"`
}

func (c *ServeCmd) Run(rc *runContext) error {
	cfg := rc.config
	logger := rc.logger
	if c.Address != "" {
		cfg.Server.Address = c.Address
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "media-ingest",
		ServiceVersion:   version,
		OTLPEndpoint:     cfg.Metrics.OTLPEndpoint,
		EnablePrometheus: cfg.Metrics.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(sctx)
	}()

	a, err := rc.buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := server.New(server.Config{
		Address:      cfg.Server.Address,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		AdminToken:   a.creds.AdminToken,
		VerifyTokens: a.accounts.VerifyTokens(),
		AppSecrets:   a.accounts.AppSecrets(),
		Processor:    a.processor,
		Documents:    a.docs,
		Media:        a.library,
		Cache:        a.cache,
		Sweeper:      dedup.NewSweeper(a.cache),
		Reaper: store.NewReaper(a.docs,
			store.WithStuckAfter(cfg.Documents.StuckAfter),
			store.WithReaperInterval(cfg.Documents.ReapInterval),
			store.WithReaperLogger(logger),
		),
		Expiry: expiry.NewManager(a.library, expiry.Config{
			Retention:     cfg.Storage.Retention,
			MaxSize:       cfg.Storage.MaxSize,
			CheckInterval: cfg.Storage.ExpiryInterval,
			Logger:        logger,
		}),
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"webhook", "/webhooks/whatsapp",
		"accounts", len(a.creds.WhatsApp),
		"analyzer", a.analyzer.Name(),
		"version", version,
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type CheckConfigCmd struct{}

// Run prints the effective configuration and which secrets are present.
// It fails when the credentials are incomplete.
func (c *CheckConfigCmd) Run(rc *runContext) error {
	cfg := rc.config
	w := tabwriter.NewWriter(rc.stdout, 0, 0, 2, ' ', 0)

	source := "environment"
	if cfg.CredentialsFile != "" {
		source = cfg.CredentialsFile
	}
	configFile := rc.globals.Config
	if configFile == "" {
		configFile = "(defaults)"
	}

	fmt.Fprintf(w, "config\t%s\n", configFile)
	fmt.Fprintf(w, "credentials\t%s\n", source)
	fmt.Fprintf(w, "address\t%s\n", cfg.Server.Address)
	fmt.Fprintf(w, "storage\t%s (retention %s, max %d bytes)\n", cfg.Storage.Path, cfg.Storage.Retention, cfg.Storage.MaxSize)
	fmt.Fprintf(w, "documents\t%s\n", cfg.Documents.Path)
	fmt.Fprintf(w, "dedup\ttimeout %s, sweep %s, completed %t, retain failed %t\n",
		cfg.Dedup.ProcessingTimeout, cfg.Dedup.CleanupInterval, cfg.Dedup.DedupCompleted, cfg.Dedup.RetainFailed)
	fmt.Fprintf(w, "analyzers\t%v\n", cfg.Analyzer.Providers)
	fmt.Fprintf(w, "authorized numbers\t%d\n", len(cfg.Pipeline.AuthorizedNumbers))
	fmt.Fprintln(w)

	creds, err := rc.loadCredentials(context.Background())
	if err != nil {
		_ = w.Flush()
		return err
	}

	fmt.Fprintln(w, "SECRET\tSTATUS\tVALUE")
	for _, e := range creds.Entries() {
		status := "missing"
		if e.Set {
			status = "set"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.Name, status, e.Value)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return creds.Validate()
}

type DocumentsCmd struct {
	List DocumentsListCmd `cmd:"" default:"1" help:"List documents, newest first."`
	Show DocumentsShowCmd `cmd:"" help:"Show one document as JSON."`
}

type DocumentsListCmd struct {
	Status string `help:"Only documents in this status (pending, processing, completed, failed)."`
	Limit  int    `help:"Maximum number of documents." default:"20"`
	JSON   bool   `name:"json" help:"Print JSON instead of a table."`
}

func (c *DocumentsListCmd) Run(rc *runContext) error {
	if c.Status != "" && !store.Status(c.Status).Valid() {
		return fmt.Errorf("unknown status %q", c.Status)
	}

	db, err := rc.openDocuments()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	var docs []*store.Document
	if c.Status != "" {
		docs, err = db.ListByStatus(ctx, store.Status(c.Status), c.Limit)
	} else {
		docs, err = db.List(ctx, c.Limit)
	}
	if err != nil {
		return err
	}

	if c.JSON {
		enc := json.NewEncoder(rc.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(docs)
	}

	w := tabwriter.NewWriter(rc.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tCREATED\tSENDER\tTYPE\tTOTAL\tFILENAME")
	for _, d := range docs {
		total := "-"
		if d.Extracted != nil {
			total = fmt.Sprintf("%.2f", d.Extracted.TotalAmount.Float())
		}
		docType := string(d.DocumentType)
		if docType == "" {
			docType = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			d.ID, d.Status, d.CreatedAt.Format(time.DateTime), d.Sender, docType, total, d.Filename)
	}
	return w.Flush()
}

type DocumentsShowCmd struct {
	ID  string `arg:"" help:"Document id."`
	Raw bool   `help:"Include the stored model response."`
}

func (c *DocumentsShowCmd) Run(rc *runContext) error {
	db, err := rc.openDocuments()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	doc, err := db.Get(ctx, c.ID)
	if err != nil {
		return err
	}

	out := map[string]any{"document": doc}
	if c.Raw {
		raw, err := db.GetRawResponse(ctx, c.ID)
		if err != nil {
			return err
		}
		out["raw_response"] = raw
	}

	enc := json.NewEncoder(rc.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

type RetryCmd struct {
	ID    string `help:"Retry only this document."`
	Limit int    `help:"Maximum number of failed documents to retry, oldest first." default:"5"`
}

func (c *RetryCmd) Run(rc *runContext) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := rc.buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if c.ID != "" {
		doc, err := a.processor.Retry(ctx, c.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(rc.stdout, "%s %s\n", doc.ID, doc.Status)
		return nil
	}

	n, err := a.processor.RetryFailed(ctx, c.Limit)
	fmt.Fprintf(rc.stdout, "completed %d document(s)\n", n)
	return err
}

type DedupeDocumentsCmd struct {
	DryRun bool `help:"Only report what would be removed."`
}

func (c *DedupeDocumentsCmd) Run(rc *runContext) error {
	db, err := rc.openDocuments()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	groups, err := db.DuplicateGroups(ctx)
	if err != nil {
		return err
	}

	total := 0
	for _, g := range groups {
		fmt.Fprintf(rc.stdout, "%s: keep %s, remove %d\n", g.MediaID, g.Keep.ID, len(g.Remove))
		total += len(g.Remove)
	}

	if c.DryRun {
		fmt.Fprintf(rc.stdout, "dry run: %d duplicate document(s) in %d group(s)\n", total, len(groups))
		return nil
	}

	removed, err := db.RemoveDuplicates(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(rc.stdout, "removed %d duplicate document(s)\n", removed)
	return nil
}
