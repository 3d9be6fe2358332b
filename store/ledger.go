package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// ErrInvalidRecord is returned for ledger records missing required fields.
var ErrInvalidRecord = errors.New("store: invalid ledger record")

const (
	InvoiceStatusPaid  = "paid"
	PaymentTypeCard    = "tarjeta"
	ExpenseCategory    = "General"
	supplierAutoNotice = "Proveedor creado automáticamente desde WhatsApp"
)

// Supplier is a vendor that documents were booked against.
type Supplier struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	TaxID     string    `json:"tax_id,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Invoice is an accounting invoice derived from a document.
type Invoice struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	SupplierID  string    `json:"supplier_id,omitempty"`
	Number      string    `json:"number"`
	ClientName  string    `json:"client_name"`
	ClientTaxID string    `json:"client_tax_id,omitempty"`
	IssueDate   string    `json:"issue_date"`
	Amount      float64   `json:"amount"`
	VATAmount   float64   `json:"vat_amount"`
	VATRate     float64   `json:"vat_rate"`
	TotalAmount float64   `json:"total_amount"`
	Status      string    `json:"status"`
	PaymentType string    `json:"payment_type"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Expense is an accounting expense derived from a document.
type Expense struct {
	ID            string    `json:"id"`
	DocumentID    string    `json:"document_id"`
	SupplierID    string    `json:"supplier_id,omitempty"`
	InvoiceID     string    `json:"invoice_id,omitempty"`
	Vendor        string    `json:"vendor"`
	Amount        float64   `json:"amount"`
	VATAmount     float64   `json:"vat_amount"`
	VATRate       float64   `json:"vat_rate"`
	Category      string    `json:"category"`
	Description   string    `json:"description"`
	ReceiptNumber string    `json:"receipt_number"`
	ExpenseDate   string    `json:"expense_date"`
	Deductible    bool      `json:"is_deductible"`
	Minimal       bool      `json:"minimal,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// LedgerEntry is what one document was booked as. Either record may be nil.
type LedgerEntry struct {
	Invoice *Invoice `json:"invoice,omitempty"`
	Expense *Expense `json:"expense,omitempty"`
}

// ledgerRef is the per-document index value.
type ledgerRef struct {
	InvoiceID string `json:"invoice_id,omitempty"`
	ExpenseID string `json:"expense_id,omitempty"`
}

func supplierNameKey(name string) []byte {
	return []byte(strings.ToLower(strings.Join(strings.Fields(name), " ")))
}

// FindOrCreateSupplier returns the supplier with taxID, or failing that
// the one with the same name, creating it when neither exists. A supplier
// found by name without a tax id adopts taxID. created reports whether a
// new supplier was stored.
func (d *DB) FindOrCreateSupplier(_ context.Context, name, taxID string) (s *Supplier, created bool, err error) {
	name = strings.TrimSpace(name)
	taxID = strings.TrimSpace(taxID)
	if name == "" {
		return nil, false, fmt.Errorf("%w: supplier name is required", ErrInvalidRecord)
	}

	err = d.db.Update(func(tx *bbolt.Tx) error {
		byTax := tx.Bucket(bucketSuppliersByTaxID)
		byName := tx.Bucket(bucketSuppliersByName)

		var id []byte
		if taxID != "" {
			id = byTax.Get([]byte(taxID))
		}
		if id == nil {
			id = byName.Get(supplierNameKey(name))
		}

		if id != nil {
			s, err = getSupplier(tx, string(id))
			if err != nil {
				return err
			}
			if s.TaxID != "" || taxID == "" {
				return nil
			}
			s.TaxID = taxID
			s.UpdatedAt = d.now().UTC()
			if err := putRecord(tx, bucketSuppliers, s.ID, s); err != nil {
				return err
			}
			return byTax.Put([]byte(taxID), []byte(s.ID))
		}

		now := d.now().UTC()
		s = &Supplier{
			ID:        uuid.NewString(),
			Name:      name,
			TaxID:     taxID,
			Notes:     supplierAutoNotice,
			CreatedAt: now,
			UpdatedAt: now,
		}
		created = true
		if err := putRecord(tx, bucketSuppliers, s.ID, s); err != nil {
			return err
		}
		if err := byName.Put(supplierNameKey(name), []byte(s.ID)); err != nil {
			return fmt.Errorf("indexing supplier name: %w", err)
		}
		if taxID != "" {
			if err := byTax.Put([]byte(taxID), []byte(s.ID)); err != nil {
				return fmt.Errorf("indexing supplier tax id: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return s, created, nil
}

// GetSupplier retrieves a supplier by id.
func (d *DB) GetSupplier(_ context.Context, id string) (*Supplier, error) {
	var s *Supplier
	err := d.db.View(func(tx *bbolt.Tx) error {
		var err error
		s, err = getSupplier(tx, id)
		return err
	})
	return s, err
}

// RecordLedger books entry against document docID in one transaction.
// When both records are present the expense is linked to the invoice.
// A document that already has a ledger entry keeps it; that entry is
// returned unchanged.
func (d *DB) RecordLedger(_ context.Context, docID string, entry LedgerEntry) (*LedgerEntry, error) {
	if err := validateEntry(entry); err != nil {
		return nil, err
	}

	var out *LedgerEntry
	err := d.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketDocuments).Get([]byte(docID)) == nil {
			return ErrNotFound
		}
		if existing, err := getLedger(tx, docID); err == nil {
			out = existing
			return nil
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		now := d.now().UTC()
		var ref ledgerRef
		if inv := entry.Invoice; inv != nil {
			inv.ID = uuid.NewString()
			inv.DocumentID = docID
			inv.CreatedAt = now
			if err := putRecord(tx, bucketInvoices, inv.ID, inv); err != nil {
				return err
			}
			ref.InvoiceID = inv.ID
		}
		if exp := entry.Expense; exp != nil {
			exp.ID = uuid.NewString()
			exp.DocumentID = docID
			exp.InvoiceID = ref.InvoiceID
			exp.CreatedAt = now
			if err := putRecord(tx, bucketExpenses, exp.ID, exp); err != nil {
				return err
			}
			ref.ExpenseID = exp.ID
		}
		if err := putRecord(tx, bucketLedgerByDocument, docID, ref); err != nil {
			return err
		}
		out = &entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LedgerForDocument returns what docID was booked as, or ErrNotFound.
func (d *DB) LedgerForDocument(_ context.Context, docID string) (*LedgerEntry, error) {
	var entry *LedgerEntry
	err := d.db.View(func(tx *bbolt.Tx) error {
		var err error
		entry, err = getLedger(tx, docID)
		return err
	})
	return entry, err
}

func validateEntry(entry LedgerEntry) error {
	if entry.Invoice == nil && entry.Expense == nil {
		return fmt.Errorf("%w: empty ledger entry", ErrInvalidRecord)
	}
	if inv := entry.Invoice; inv != nil {
		switch {
		case inv.Number == "":
			return fmt.Errorf("%w: invoice number is required", ErrInvalidRecord)
		case inv.ClientName == "":
			return fmt.Errorf("%w: invoice client name is required", ErrInvalidRecord)
		case inv.IssueDate == "":
			return fmt.Errorf("%w: invoice issue date is required", ErrInvalidRecord)
		case inv.TotalAmount <= 0:
			return fmt.Errorf("%w: invoice total must be positive", ErrInvalidRecord)
		}
	}
	if exp := entry.Expense; exp != nil {
		if exp.ExpenseDate == "" {
			return fmt.Errorf("%w: expense date is required", ErrInvalidRecord)
		}
		// Minimal expenses are the last resort and accept partial data.
		if !exp.Minimal && (exp.Vendor == "" || exp.Amount <= 0) {
			return fmt.Errorf("%w: expense needs a vendor and a positive amount", ErrInvalidRecord)
		}
	}
	return nil
}

func getSupplier(tx *bbolt.Tx, id string) (*Supplier, error) {
	var s Supplier
	if err := getRecord(tx, bucketSuppliers, id, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func getLedger(tx *bbolt.Tx, docID string) (*LedgerEntry, error) {
	var ref ledgerRef
	if err := getRecord(tx, bucketLedgerByDocument, docID, &ref); err != nil {
		return nil, err
	}
	entry := &LedgerEntry{}
	if ref.InvoiceID != "" {
		entry.Invoice = &Invoice{}
		if err := getRecord(tx, bucketInvoices, ref.InvoiceID, entry.Invoice); err != nil {
			return nil, fmt.Errorf("loading invoice %s: %w", ref.InvoiceID, err)
		}
	}
	if ref.ExpenseID != "" {
		entry.Expense = &Expense{}
		if err := getRecord(tx, bucketExpenses, ref.ExpenseID, entry.Expense); err != nil {
			return nil, fmt.Errorf("loading expense %s: %w", ref.ExpenseID, err)
		}
	}
	return entry, nil
}

// deleteLedger removes the records booked for docID. Suppliers stay.
func deleteLedger(tx *bbolt.Tx, docID string) error {
	var ref ledgerRef
	if err := getRecord(tx, bucketLedgerByDocument, docID, &ref); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if ref.InvoiceID != "" {
		if err := tx.Bucket(bucketInvoices).Delete([]byte(ref.InvoiceID)); err != nil {
			return fmt.Errorf("deleting invoice: %w", err)
		}
	}
	if ref.ExpenseID != "" {
		if err := tx.Bucket(bucketExpenses).Delete([]byte(ref.ExpenseID)); err != nil {
			return fmt.Errorf("deleting expense: %w", err)
		}
	}
	return tx.Bucket(bucketLedgerByDocument).Delete([]byte(docID))
}

func getRecord(tx *bbolt.Tx, bucket []byte, id string, v any) error {
	val := tx.Bucket(bucket).Get([]byte(id))
	if val == nil {
		return ErrNotFound
	}
	if err := json.Unmarshal(val, v); err != nil {
		return fmt.Errorf("decoding %s %s: %w", bucket, id, err)
	}
	return nil
}

func putRecord(tx *bbolt.Tx, bucket []byte, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", bucket, err)
	}
	if err := tx.Bucket(bucket).Put([]byte(id), data); err != nil {
		return fmt.Errorf("putting %s: %w", bucket, err)
	}
	return nil
}
