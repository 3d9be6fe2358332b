package analyzer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		err  error
	}{
		{"bare object", `{"a":1}`, `{"a":1}`, nil},
		{"markdown fence", "```json\n{\"a\":{\"b\":2}}\n```", `{"a":{"b":2}}`, nil},
		{"prose around", `Here you go: {"a":1} hope it helps`, `{"a":1}`, nil},
		{"no braces", "no json here", "", ErrNoJSON},
		{"reversed braces", "} nope {", "", ErrNoJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.in)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParse(t *testing.T) {
	text := "```json\n" + `{
  "document_type": "invoice",
  "confidence": 0.92,
  "extracted_data": {
    "vendor_name": "Galp Energia",
    "vendor_nif": "PT 500 697 370",
    "invoice_number": "FT 2024/118",
    "invoice_date": "2024-03-09",
    "subtotal": "40,65",
    "vat_rate": 23,
    "vat_amount": 9.35,
    "total_amount": "€ 50,00",
    "category": "transporte"
  },
  "processing_notes": ["ok"]
}` + "\n```"

	res, err := Parse(text)
	require.NoError(t, err)
	require.Equal(t, TypeInvoice, res.DocumentType)
	require.InDelta(t, 0.92, res.Confidence, 1e-9)
	require.Equal(t, "Galp Energia", res.ExtractedData.VendorName)
	require.InDelta(t, 40.65, res.ExtractedData.Subtotal.Float(), 1e-9)
	require.InDelta(t, 50.0, res.ExtractedData.TotalAmount.Float(), 1e-9)
	require.Equal(t, []string{"ok"}, res.ProcessingNotes)
	require.Equal(t, text, res.Text)
	require.Equal(t, "invoice", res.Raw["document_type"])
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse("sorry, I cannot read this image")
	require.ErrorIs(t, err, ErrNoJSON)

	_, err = Parse(`{"document_type": }`)
	require.Error(t, err)
}

func TestAmount_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{`12.5`, 12.5},
		{`"12,50"`, 12.5},
		{`"€ 1.234,56"`, 1234.56},
		{`"1,234.56"`, 1234.56},
		{`"abc"`, 0},
		{`null`, 0},
		{`""`, 0},
		{`"1,2,3"`, 0},
		{`true`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var a Amount
			require.NoError(t, json.Unmarshal([]byte(tt.in), &a))
			require.InDelta(t, tt.want, a.Float(), 1e-9)
		})
	}
}
