package pipeline

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/contaspt/media-ingest/analyzer"
	"github.com/contaspt/media-ingest/store"
	"github.com/contaspt/media-ingest/whatsapp"
)

const (
	noteBookedInvoice = "Factura procesada y creada exitosamente"
	noteBookedExpense = "Gasto procesado y creado exitosamente"
	noteBookedMinimal = "Registro mínimo creado como último recurso"
)

var (
	restaurantDescriptionKeywords = []string{
		"restaurante", "restaurant", "refeição", "almoço", "jantar", "menu",
		"comida", "bebida", "vinho", "wine", "sobremesa", "couvert",
	}
	restaurantVendorWords = []string{
		"restaurante", "restaurant", "bar", "café", "cafe", "bistro", "tasca", "marisqueira", "cervejaria",
	}
)

// Ledger is the accounting side of the document store.
type Ledger interface {
	FindOrCreateSupplier(ctx context.Context, name, taxID string) (*store.Supplier, bool, error)
	RecordLedger(ctx context.Context, docID string, entry store.LedgerEntry) (*store.LedgerEntry, error)
}

// bookAsInvoice reports whether a result is booked invoice-first.
// Restaurant receipts classified as expenses are booked as invoices.
func bookAsInvoice(res *analyzer.Result) bool {
	if res.DocumentType == analyzer.TypeInvoice {
		return true
	}
	if res.DocumentType != analyzer.TypeExpense && res.DocumentType != analyzer.TypeReceipt {
		return false
	}
	d := res.ExtractedData
	if d.Category == "restaurante" {
		return true
	}
	desc := strings.ToLower(d.Description)
	for _, kw := range restaurantDescriptionKeywords {
		if strings.Contains(desc, kw) {
			return true
		}
	}
	for _, w := range strings.Fields(strings.ToLower(d.VendorName)) {
		if slices.Contains(restaurantVendorWords, w) {
			return true
		}
	}
	return false
}

// book records the analysed document as accounting records. It tries, in
// order, an invoice with its expense, the expense alone and a minimal
// expense. Booking problems are logged and never fail the document. The
// returned note describes what was booked; it is empty when nothing was.
func (p *Processor) book(ctx context.Context, docID string, res *analyzer.Result) (*store.LedgerEntry, string) {
	if p.ledger == nil {
		return nil, ""
	}
	now := p.now()
	d := res.ExtractedData

	supplierID := ""
	if d.VendorName != analyzer.UnknownVendor {
		s, created, err := p.ledger.FindOrCreateSupplier(ctx, d.VendorName, taxID(d))
		if err != nil {
			p.logger.Warn("failed to resolve supplier", "id", docID, "vendor", d.VendorName, "error", err)
		} else {
			supplierID = s.ID
			if created {
				p.logger.Info("supplier created", "supplier_id", s.ID, "name", s.Name)
			}
		}
	}

	inv := invoiceRecord(d, supplierID, now)
	exp := expenseRecord(d, supplierID, now)
	full, fullNote := store.LedgerEntry{Invoice: inv, Expense: exp}, noteBookedExpense
	if bookAsInvoice(res) {
		exp.ReceiptNumber = inv.Number
		fullNote = noteBookedInvoice
	}

	attempts := []struct {
		entry store.LedgerEntry
		note  string
	}{
		{full, fullNote},
		{store.LedgerEntry{Expense: expenseRecord(d, supplierID, now)}, noteBookedExpense},
		{store.LedgerEntry{Expense: minimalExpense(d, supplierID, now)}, noteBookedMinimal},
	}
	for _, a := range attempts {
		entry, err := p.ledger.RecordLedger(ctx, docID, a.entry)
		if err == nil {
			return entry, a.note
		}
		p.logger.Warn("booking attempt failed", "id", docID, "note", a.note, "error", err)
	}
	return nil, ""
}

func taxID(d analyzer.ExtractedData) string {
	if d.VendorNIF == analyzer.UnknownNIF {
		return ""
	}
	return d.VendorNIF
}

func vendorName(d analyzer.ExtractedData) string {
	if d.VendorName != "" {
		return d.VendorName
	}
	if d.ClientName != "" {
		return d.ClientName
	}
	return analyzer.UnknownVendor
}

// netAmount is the amount before VAT.
func netAmount(d analyzer.ExtractedData) float64 {
	if d.Subtotal > 0 {
		return d.Subtotal.Float()
	}
	if d.TotalAmount > d.VATAmount {
		return (d.TotalAmount - d.VATAmount).Float()
	}
	return d.TotalAmount.Float()
}

func bookingDate(d analyzer.ExtractedData, now time.Time) string {
	if t, ok := whatsapp.ParseDocumentDate(d.InvoiceDate); ok {
		return t.Format(time.DateOnly)
	}
	return now.Format(time.DateOnly)
}

func invoiceRecord(d analyzer.ExtractedData, supplierID string, now time.Time) *store.Invoice {
	name := vendorName(d)
	description := d.Description
	if description == "" {
		description = "Factura procesada desde WhatsApp"
	}
	total := d.TotalAmount.Float()
	if total == 0 {
		total = (d.Subtotal + d.VATAmount).Float()
	}
	return &store.Invoice{
		SupplierID:  supplierID,
		Number:      whatsapp.InvoiceNumber(name, d.InvoiceDate, now),
		ClientName:  name,
		ClientTaxID: taxID(d),
		IssueDate:   bookingDate(d, now),
		Amount:      netAmount(d),
		VATAmount:   d.VATAmount.Float(),
		VATRate:     d.VATRate.Float(),
		TotalAmount: total,
		Status:      store.InvoiceStatusPaid,
		PaymentType: store.PaymentTypeCard,
		Description: description,
	}
}

func expenseRecord(d analyzer.ExtractedData, supplierID string, now time.Time) *store.Expense {
	name := vendorName(d)
	receipt := d.InvoiceNumber
	if receipt == "" {
		receipt = fmt.Sprintf("WHATSAPP-%d", now.UnixMilli())
	}
	description := d.Description
	if description == "" {
		description = "Gasto procesado desde WhatsApp - " + name
	}
	category := d.Category
	if category == "" {
		category = store.ExpenseCategory
	}
	return &store.Expense{
		SupplierID:    supplierID,
		Vendor:        name,
		Amount:        netAmount(d),
		VATAmount:     d.VATAmount.Float(),
		VATRate:       d.VATRate.Float(),
		Category:      category,
		Description:   description,
		ReceiptNumber: receipt,
		ExpenseDate:   bookingDate(d, now),
		Deductible:    true,
	}
}

func minimalExpense(d analyzer.ExtractedData, supplierID string, now time.Time) *store.Expense {
	name := vendorName(d)
	amount := d.TotalAmount.Float()
	if amount == 0 {
		amount = d.Subtotal.Float()
	}
	receipt := d.InvoiceNumber
	if receipt == "" {
		receipt = fmt.Sprintf("MINIMAL-%d", now.UnixMilli())
	}
	description := d.Description
	if description == "" {
		description = "Documento procesado desde WhatsApp - " + name
	}
	return &store.Expense{
		SupplierID:    supplierID,
		Vendor:        name,
		Amount:        amount,
		VATAmount:     d.VATAmount.Float(),
		VATRate:       d.VATRate.Float(),
		Category:      store.ExpenseCategory,
		Description:   description,
		ReceiptNumber: receipt,
		ExpenseDate:   bookingDate(d, now),
		Deductible:    true,
		Minimal:       true,
	}
}
