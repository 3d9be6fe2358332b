// Package analyzer extracts structured invoice and expense fields from
// document images using a vision model.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNoJSON is returned when the model reply carries no JSON object.
	ErrNoJSON = errors.New("no json object in model response")

	// ErrOverloaded is returned when the provider rejects the call for
	// load or quota reasons (HTTP 429 or 503).
	ErrOverloaded = errors.New("analysis provider overloaded")

	// ErrEmptyResponse is returned when the provider answers without text.
	ErrEmptyResponse = errors.New("empty model response")
)

// DocumentType classifies an analysed document.
type DocumentType string

const (
	TypeInvoice DocumentType = "invoice"
	TypeExpense DocumentType = "expense"
	TypeReceipt DocumentType = "receipt"
	TypeOther   DocumentType = "other"
)

// Valid reports whether t is one of the known document types.
func (t DocumentType) Valid() bool {
	switch t {
	case TypeInvoice, TypeExpense, TypeReceipt, TypeOther:
		return true
	}
	return false
}

// Analyzer turns a document image into extracted fields.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, in Input) (*Result, error)
}

// Input is one document to analyse.
type Input struct {
	Data     []byte
	MIMEType string
	Filename string
}

// Result is a normalised analysis.
type Result struct {
	DocumentType    DocumentType   `json:"document_type"`
	Confidence      float64        `json:"confidence"`
	ExtractedData   ExtractedData  `json:"extracted_data"`
	ProcessingNotes []string       `json:"processing_notes"`
	Provider        string         `json:"provider,omitempty"`
	Model           string         `json:"model,omitempty"`
	Duration        time.Duration  `json:"-"`
	Text            string         `json:"-"`
	Raw             map[string]any `json:"-"`
}

// ExtractedData holds the fiscal fields of an invoice, receipt or expense.
type ExtractedData struct {
	VendorName    string `json:"vendor_name"`
	VendorNIF     string `json:"vendor_nif"`
	InvoiceNumber string `json:"invoice_number"`
	InvoiceDate   string `json:"invoice_date"`
	Subtotal      Amount `json:"subtotal"`
	VATRate       Amount `json:"vat_rate"`
	VATAmount     Amount `json:"vat_amount"`
	TotalAmount   Amount `json:"total_amount"`
	Description   string `json:"description"`
	Category      string `json:"category"`
	ClientName    string `json:"client_name,omitempty"`
	PaymentMethod string `json:"payment_method,omitempty"`
}

// Amount is a monetary value. Models return amounts as numbers or as
// strings such as "€ 12,50" or "1.234,56"; both decode to a float.
type Amount float64

func (a Amount) Float() float64 { return float64(a) }

func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*a = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Amount(ParseAmount(s))
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		*a = 0
		return nil
	}
	*a = Amount(f)
	return nil
}

// ParseAmount reads a loosely formatted decimal. Currency symbols and
// spaces are ignored. When both separators appear the last one is the
// decimal separator; a lone comma is a decimal comma. Unparseable input
// yields 0.
func ParseAmount(s string) float64 {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' || r == '-' {
			b.WriteRune(r)
		}
	}
	clean := b.String()

	lastDot := strings.LastIndex(clean, ".")
	lastComma := strings.LastIndex(clean, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			clean = strings.ReplaceAll(clean, ".", "")
			clean = strings.Replace(clean, ",", ".", 1)
		} else {
			clean = strings.ReplaceAll(clean, ",", "")
		}
	case lastComma >= 0:
		clean = strings.ReplaceAll(clean, ",", ".")
		if strings.Count(clean, ".") > 1 {
			return 0
		}
	}

	f, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0
	}
	return f
}
