// Package store persists analysed documents and raw model responses in
// a bbolt database.
package store

import (
	"errors"
	"time"

	mediaingest "github.com/contaspt/media-ingest"
	"github.com/contaspt/media-ingest/analyzer"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrExists is returned by Create for an id already in use.
	ErrExists = errors.New("store: document already exists")

	// ErrInvalidDocument is returned for documents missing required fields.
	ErrInvalidDocument = errors.New("store: invalid document")

	// ErrLocked is returned by Open when another process holds the
	// database file lock past the lock timeout.
	ErrLocked = errors.New("store: database is locked by another process")
)

// Status is the processing state of a document.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Document is one inbound media item and its analysis.
type Document struct {
	ID            string                  `json:"id"`
	MediaKey      string                  `json:"media_key"`
	MediaID       string                  `json:"media_id"`
	Sender        string                  `json:"sender"`
	PhoneNumberID string                  `json:"phone_number_id,omitempty"`
	Filename      string                  `json:"filename"`
	MIMEType      string                  `json:"mime_type"`
	ContentHash   mediaingest.Hash        `json:"content_hash"`
	Size          int64                   `json:"size"`
	Status        Status                  `json:"status"`
	DocumentType  analyzer.DocumentType   `json:"document_type,omitempty"`
	Confidence    float64                 `json:"confidence,omitempty"`
	Extracted     *analyzer.ExtractedData `json:"extracted,omitempty"`
	Notes         []string                `json:"notes,omitempty"`
	Provider      string                  `json:"provider,omitempty"`
	InvoiceID     string                  `json:"invoice_id,omitempty"`
	ExpenseID     string                  `json:"expense_id,omitempty"`
	Error         string                  `json:"error,omitempty"`
	Attempts      int                     `json:"attempts"`
	CreatedAt     time.Time               `json:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
	ProcessedAt   *time.Time              `json:"processed_at,omitempty"`
}

// Stats summarises the database contents.
type Stats struct {
	Documents    int            `json:"documents"`
	ByStatus     map[Status]int `json:"by_status"`
	MediaKeys    int            `json:"media_keys"`
	RawResponses int            `json:"raw_responses"`
	Suppliers    int            `json:"suppliers"`
	Invoices     int            `json:"invoices"`
	Expenses     int            `json:"expenses"`
}
