// Package pipeline turns inbound WhatsApp messages into analysed
// documents: it filters and deduplicates messages, downloads and stores
// media, runs the analyzer, persists the result and replies to the
// sender.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	mediaingest "github.com/contaspt/media-ingest"
	"github.com/contaspt/media-ingest/analyzer"
	"github.com/contaspt/media-ingest/dedup"
	"github.com/contaspt/media-ingest/download"
	"github.com/contaspt/media-ingest/store"
	"github.com/contaspt/media-ingest/telemetry"
	"github.com/contaspt/media-ingest/whatsapp"
)

// DefaultRecentWindow is how recently a document must have completed for
// a repeated delivery to get an "already processed" reply.
const DefaultRecentWindow = 10 * time.Minute

var (
	// ErrNotRetryable is returned by Retry for documents that are not failed.
	ErrNotRetryable = errors.New("document is not in failed state")
)

// Outcome is what Handle did with a message.
type Outcome string

const (
	OutcomeProcessed        Outcome = "processed"
	OutcomeFailed           Outcome = "failed"
	OutcomeIgnored          Outcome = "ignored"
	OutcomeUnauthorized     Outcome = "unauthorized"
	OutcomeUnsupported      Outcome = "unsupported"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeInProgress       Outcome = "in_progress"
	OutcomeAlreadyCompleted Outcome = "already_completed"
	OutcomePreviouslyFailed Outcome = "previously_failed"
)

func outcomeFromClaim(o dedup.Outcome) Outcome {
	switch o {
	case dedup.AlreadyInProgress:
		return OutcomeInProgress
	case dedup.AlreadyCompleted:
		return OutcomeAlreadyCompleted
	case dedup.PreviouslyFailed:
		return OutcomePreviouslyFailed
	}
	return OutcomeFailed
}

// Fetcher downloads and stores media, collapsing concurrent fetches.
type Fetcher interface {
	Fetch(ctx context.Context, req download.Request) (*download.Result, bool, error)
}

// Documents is the document persistence used by the processor.
type Documents interface {
	Create(ctx context.Context, doc *store.Document) error
	Get(ctx context.Context, id string) (*store.Document, error)
	GetByMediaKey(ctx context.Context, mediaKey string) (*store.Document, error)
	Update(ctx context.Context, id string, fn func(*store.Document) error) (*store.Document, error)
	SetStatus(ctx context.Context, id string, status store.Status, errMsg string) (*store.Document, error)
	ListByStatus(ctx context.Context, status store.Status, limit int) ([]*store.Document, error)
	PutRawResponse(ctx context.Context, raw *store.RawResponse) error
}

// Config wires a Processor to its collaborators.
type Config struct {
	Cache     *dedup.Cache
	Fetcher   Fetcher
	Documents Documents
	Analyzer  analyzer.Analyzer
	Gateway   Gateway

	// Ledger books completed documents as invoices and expenses. Nil
	// disables booking.
	Ledger Ledger

	// AuthorizedSenders restricts processing to these numbers when non-empty.
	// Numbers match with or without a leading '+'.
	AuthorizedSenders []string

	// RecentWindow defaults to DefaultRecentWindow.
	RecentWindow time.Duration

	// Workers and QueueSize size the asynchronous pool. Defaults 4 and 64.
	Workers   int
	QueueSize int

	// MessageTimeout bounds one queued message. Defaults to 5 minutes.
	MessageTimeout time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// Processor handles inbound messages.
type Processor struct {
	cache      *dedup.Cache
	fetcher    Fetcher
	docs       Documents
	analyzer   analyzer.Analyzer
	gateway    Gateway
	ledger     Ledger
	authorized map[string]struct{}
	recent     time.Duration
	now        func() time.Time
	logger     *slog.Logger

	pool *pool
}

// New creates a Processor. Call Start before Enqueue.
func New(cfg Config) *Processor {
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = DefaultRecentWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Processor{
		cache:      cfg.Cache,
		fetcher:    cfg.Fetcher,
		docs:       cfg.Documents,
		analyzer:   cfg.Analyzer,
		gateway:    cfg.Gateway,
		ledger:     cfg.Ledger,
		authorized: make(map[string]struct{}, len(cfg.AuthorizedSenders)),
		recent:     cfg.RecentWindow,
		now:        cfg.Now,
		logger:     cfg.Logger.With("component", "pipeline"),
	}
	for _, n := range cfg.AuthorizedSenders {
		if n = normalizeNumber(n); n != "" {
			p.authorized[n] = struct{}{}
		}
	}
	p.pool = newPool(p, cfg.Workers, cfg.QueueSize, cfg.MessageTimeout)
	return p
}

func normalizeNumber(n string) string {
	return strings.TrimPrefix(strings.TrimSpace(n), "+")
}

func (p *Processor) isAuthorized(from string) bool {
	if len(p.authorized) == 0 {
		return true
	}
	_, ok := p.authorized[normalizeNumber(from)]
	return ok
}

// Handle processes one message synchronously. A non-nil error is only
// returned with OutcomeFailed; every other outcome is a normal result.
func (p *Processor) Handle(ctx context.Context, msg whatsapp.InboundMessage) (outcome Outcome, err error) {
	log := p.logger.With("message_id", msg.ID, "from", msg.From, "type", msg.Type)
	defer func() {
		telemetry.RecordMessage(ctx, msg.Type, string(outcome))
		if err != nil {
			log.Error("message processing failed", "outcome", outcome, "error", err)
			return
		}
		log.Info("message handled", "outcome", outcome)
	}()

	media := msg.Media()
	if media == nil || media.ID == "" {
		p.reply(ctx, msg, msgHelp)
		return OutcomeIgnored, nil
	}

	if !p.isAuthorized(msg.From) {
		return OutcomeUnauthorized, nil
	}

	mimeType := whatsapp.NormalizeMIME(media.MIMEType)
	if !whatsapp.IsSupported(mimeType) {
		p.reply(ctx, msg, unsupportedMessage(mimeType))
		return OutcomeUnsupported, nil
	}

	key := mediaingest.MediaKey(media.ID, msg.From)
	existing, err := p.docs.GetByMediaKey(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		existing = nil
	case err != nil:
		return OutcomeFailed, fmt.Errorf("looking up %s: %w", key, err)
	case existing.Status != store.StatusFailed:
		if existing.Status == store.StatusCompleted && existing.ProcessedAt != nil &&
			p.now().Sub(*existing.ProcessedAt) < p.recent {
			p.reply(ctx, msg, msgAlreadyProcessed)
		}
		return OutcomeDuplicate, nil
	}

	err = p.cache.Do(ctx, key, func(ctx context.Context) error {
		return p.process(ctx, msg, media, mimeType, key, existing)
	})
	var notClaimed *dedup.NotClaimedError
	if errors.As(err, &notClaimed) {
		telemetry.RecordDedupClaim(ctx, notClaimed.Outcome.String())
		return outcomeFromClaim(notClaimed.Outcome), nil
	}
	telemetry.RecordDedupClaim(ctx, dedup.Claimed.String())
	if err != nil {
		return OutcomeFailed, err
	}
	return OutcomeProcessed, nil
}

// process runs under a dedup claim. existing is a previously failed
// document for the same key, or nil.
func (p *Processor) process(ctx context.Context, msg whatsapp.InboundMessage, media *whatsapp.Media, mimeType, key string, existing *store.Document) error {
	p.reply(ctx, msg, msgProcessing)

	filename := media.Filename
	if filename == "" {
		filename = whatsapp.FileName("", "", whatsapp.Extension(mimeType), p.now())
	}

	fetched, shared, err := p.fetcher.Fetch(ctx, download.Request{
		MediaID:  media.ID,
		MIMEType: mimeType,
		Filename: filename,
		Source:   p.gateway.Source(msg.PhoneNumberID),
	})
	if err != nil {
		p.reply(ctx, msg, msgDownloadFailed)
		if existing != nil {
			p.markFailed(ctx, existing.ID, err)
		}
		return fmt.Errorf("downloading media %s: %w", media.ID, err)
	}
	if shared {
		p.logger.Debug("media fetch shared", "media_id", media.ID)
	}

	var doc *store.Document
	if existing != nil {
		doc, err = p.docs.Update(ctx, existing.ID, func(d *store.Document) error {
			d.Status = store.StatusProcessing
			d.Attempts++
			d.Error = ""
			d.ContentHash = fetched.Hash
			d.Size = fetched.Header.ContentLength
			d.MIMEType = fetched.Header.MIMEType
			return nil
		})
	} else {
		doc = &store.Document{
			MediaKey:      key,
			MediaID:       media.ID,
			Sender:        msg.From,
			PhoneNumberID: msg.PhoneNumberID,
			Filename:      filename,
			MIMEType:      fetched.Header.MIMEType,
			ContentHash:   fetched.Hash,
			Size:          fetched.Header.ContentLength,
			Status:        store.StatusProcessing,
			Attempts:      1,
		}
		err = p.docs.Create(ctx, doc)
	}
	if err != nil {
		return fmt.Errorf("recording document for %s: %w", key, err)
	}

	res, err := p.analyze(ctx, doc, fetched.Data)
	if err != nil {
		p.reply(ctx, msg, msgAnalysisDelayed)
		return err
	}
	p.reply(ctx, msg, successMessage(res))
	return nil
}

// analyze runs the analyzer on data and records the outcome on doc.
func (p *Processor) analyze(ctx context.Context, doc *store.Document, data []byte) (*analyzer.Result, error) {
	res, err := p.analyzer.Analyze(ctx, analyzer.Input{
		Data:     data,
		MIMEType: doc.MIMEType,
		Filename: doc.Filename,
	})
	if err != nil {
		p.markFailed(ctx, doc.ID, err)
		return nil, fmt.Errorf("analysing document %s: %w", doc.ID, err)
	}

	if err := p.docs.PutRawResponse(ctx, &store.RawResponse{
		DocumentID: doc.ID,
		Provider:   res.Provider,
		Model:      res.Model,
		Text:       res.Text,
		Fields:     res.Raw,
	}); err != nil {
		p.logger.Warn("failed to store raw response", "id", doc.ID, "error", err)
	}

	entry, note := p.book(ctx, doc.ID, res)

	now := p.now().UTC()
	_, err = p.docs.Update(ctx, doc.ID, func(d *store.Document) error {
		extracted := res.ExtractedData
		d.Status = store.StatusCompleted
		d.DocumentType = res.DocumentType
		d.Confidence = res.Confidence
		d.Extracted = &extracted
		d.Notes = slices.Clone(res.ProcessingNotes)
		if note != "" {
			d.Notes = append(d.Notes, note)
		}
		if entry != nil {
			if entry.Invoice != nil {
				d.InvoiceID = entry.Invoice.ID
			}
			if entry.Expense != nil {
				d.ExpenseID = entry.Expense.ID
			}
		}
		d.Provider = res.Provider
		d.Error = ""
		d.ProcessedAt = &now
		d.Filename = documentFileName(res, d.MIMEType, now)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("completing document %s: %w", doc.ID, err)
	}
	return res, nil
}

// documentFileName names a completed document after its client, falling
// back to the vendor.
func documentFileName(res *analyzer.Result, mimeType string, now time.Time) string {
	name := res.ExtractedData.ClientName
	if name == "" && res.ExtractedData.VendorName != analyzer.UnknownVendor {
		name = res.ExtractedData.VendorName
	}
	return whatsapp.FileName(name, res.ExtractedData.InvoiceDate, whatsapp.Extension(mimeType), now)
}

func (p *Processor) markFailed(ctx context.Context, id string, cause error) {
	if _, err := p.docs.SetStatus(context.WithoutCancel(ctx), id, store.StatusFailed, cause.Error()); err != nil {
		p.logger.Warn("failed to mark document failed", "id", id, "error", err)
	}
}

// reply sends a text to the sender. Failures are logged and never fail
// the message.
func (p *Processor) reply(ctx context.Context, msg whatsapp.InboundMessage, body string) {
	if err := p.gateway.SendText(ctx, msg.PhoneNumberID, msg.From, body); err != nil {
		p.logger.Warn("failed to send reply", "to", msg.From, "error", err)
	}
}

// Retry re-analyses a failed document under the dedup claim of its media
// key. The stored blob is used when present; otherwise the media is
// downloaded again.
func (p *Processor) Retry(ctx context.Context, id string) (*store.Document, error) {
	ctx = telemetry.WithRouteContext(ctx, "retry")
	doc, err := p.docs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.Status != store.StatusFailed {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, doc.Status)
	}

	err = p.cache.Do(ctx, doc.MediaKey, func(ctx context.Context) error {
		data, err := p.mediaFor(ctx, doc)
		if err != nil {
			p.markFailed(ctx, doc.ID, err)
			return err
		}

		doc, err = p.docs.Update(ctx, doc.ID, func(d *store.Document) error {
			d.Status = store.StatusProcessing
			d.Attempts++
			d.Error = ""
			return nil
		})
		if err != nil {
			return err
		}
		_, err = p.analyze(ctx, doc, data)
		return err
	})
	telemetry.RecordMessage(ctx, "retry", retryOutcome(err))
	if err != nil {
		return nil, err
	}
	return p.docs.Get(ctx, id)
}

func retryOutcome(err error) string {
	if err == nil {
		return string(OutcomeProcessed)
	}
	var notClaimed *dedup.NotClaimedError
	if errors.As(err, &notClaimed) {
		return string(outcomeFromClaim(notClaimed.Outcome))
	}
	return string(OutcomeFailed)
}

func (p *Processor) mediaFor(ctx context.Context, doc *store.Document) ([]byte, error) {
	fetched, _, err := p.fetcher.Fetch(ctx, download.Request{
		MediaID:  doc.MediaID,
		MIMEType: doc.MIMEType,
		Filename: doc.Filename,
		Hash:     doc.ContentHash,
		Source:   p.gateway.Source(doc.PhoneNumberID),
	})
	if err != nil {
		return nil, fmt.Errorf("loading media %s: %w", doc.MediaID, err)
	}
	if fetched.Hash == doc.ContentHash {
		return fetched.Data, nil
	}
	_, err = p.docs.Update(ctx, doc.ID, func(d *store.Document) error {
		d.ContentHash = fetched.Hash
		d.Size = fetched.Header.ContentLength
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fetched.Data, nil
}

// RetryFailed retries up to limit failed documents, oldest first, and
// returns how many completed.
func (p *Processor) RetryFailed(ctx context.Context, limit int) (int, error) {
	docs, err := p.docs.ListByStatus(ctx, store.StatusFailed, limit)
	if err != nil {
		return 0, err
	}
	var errs []error
	completed := 0
	for _, doc := range docs {
		if _, err := p.Retry(ctx, doc.ID); err != nil {
			errs = append(errs, fmt.Errorf("retrying %s: %w", doc.ID, err))
			continue
		}
		completed++
	}
	return completed, errors.Join(errs...)
}

// AuthorizedSenders returns the configured allow list, sorted.
func (p *Processor) AuthorizedSenders() []string {
	out := make([]string, 0, len(p.authorized))
	for n := range p.authorized {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}
