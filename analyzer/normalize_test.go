package analyzer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 5, 17, 10, 30, 0, 0, time.UTC)

func normalize(r *Result) *Result {
	NewNormalizer(func() time.Time { return fixedNow }).Normalize(r)
	return r
}

func TestNormalize_TypeAndConfidence(t *testing.T) {
	r := normalize(&Result{DocumentType: "bank_statement", Confidence: 1.7})
	require.Equal(t, TypeOther, r.DocumentType)
	require.Equal(t, 0.5, r.Confidence)

	r = normalize(&Result{DocumentType: TypeReceipt, Confidence: -0.1})
	require.Equal(t, TypeReceipt, r.DocumentType)
	require.Equal(t, 0.5, r.Confidence)

	r = normalize(&Result{DocumentType: TypeExpense, Confidence: 0.8})
	require.Equal(t, 0.8, r.Confidence)
}

func TestNormalize_InvoiceDefaults(t *testing.T) {
	r := normalize(&Result{
		DocumentType: TypeInvoice,
		Confidence:   0.9,
		ExtractedData: ExtractedData{
			Subtotal:    100,
			VATAmount:   23,
			InvoiceDate: "not a date",
		},
	})

	d := r.ExtractedData
	assert.Equal(t, UnknownVendor, d.VendorName)
	assert.Equal(t, UnknownNIF, d.VendorNIF)
	assert.Equal(t, "AUTO-1715941800000", d.InvoiceNumber)
	assert.InDelta(t, 123.0, d.TotalAmount.Float(), 1e-9)
	assert.Equal(t, "2024-05-17", d.InvoiceDate)
	assert.Equal(t, "Factura procesada automáticamente", d.Description)
	assert.Equal(t, DefaultCategory, d.Category)
	assert.Len(t, r.ProcessingNotes, 6)
}

func TestNormalize_KeepsGoodValues(t *testing.T) {
	r := normalize(&Result{
		DocumentType: TypeInvoice,
		Confidence:   0.95,
		ExtractedData: ExtractedData{
			VendorName:    "Restaurante O Pescador",
			VendorNIF:     "PT 123-456-789",
			InvoiceNumber: "FR 1/22",
			InvoiceDate:   "09/03/2024",
			Subtotal:      10,
			VATAmount:     1.3,
			TotalAmount:   11.3,
			Description:   "Almoço de equipa",
			Category:      "restaurante",
		},
	})

	d := r.ExtractedData
	assert.Equal(t, "Restaurante O Pescador", d.VendorName)
	assert.Equal(t, "123456789", d.VendorNIF)
	assert.Equal(t, "FR 1/22", d.InvoiceNumber)
	assert.Equal(t, "2024-03-09", d.InvoiceDate)
	assert.InDelta(t, 11.3, d.TotalAmount.Float(), 1e-9)
	assert.Empty(t, r.ProcessingNotes)
}

func TestNormalize_ExpenseSkipsInvoiceOnlyDefaults(t *testing.T) {
	r := normalize(&Result{
		DocumentType: TypeExpense,
		Confidence:   0.7,
		ExtractedData: ExtractedData{
			VendorName:  "Galp",
			InvoiceDate: "2024-05-01",
			TotalAmount: 60,
		},
	})

	d := r.ExtractedData
	assert.Empty(t, d.VendorNIF)
	assert.Empty(t, d.InvoiceNumber)
	assert.Equal(t, "transporte", d.Category)
	assert.Equal(t, "Gasto procesado automáticamente", d.Description)
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		desc, vendor, want string
	}{
		{"Jantar de negócios", "", "restaurante"},
		{"", "Restaurante Central", "restaurante"},
		{"Combustível", "", "transporte"},
		{"", "Repsol Portuguesa", "transporte"},
		{"Papel A4", "", "oficina"},
		{"", "Staples Lisboa", "oficina"},
		{"Honorários contabilista", "", "serviços_profissionais"},
		{"", "Silva Advocacia", "serviços_profissionais"},
		{"Diversos", "Loja X", DefaultCategory},
	}
	for _, tt := range tests {
		t.Run(tt.want+"/"+tt.desc+tt.vendor, func(t *testing.T) {
			require.Equal(t, tt.want, Categorize(tt.desc, tt.vendor))
		})
	}
}
