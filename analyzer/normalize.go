package analyzer

import (
	"fmt"
	"strings"
	"time"
)

const (
	UnknownVendor   = "Proveedor Desconocido"
	UnknownNIF      = "000000000"
	DefaultCategory = "outros"

	dateLayout = "2006-01-02"
)

// acceptedDateLayouts are tried in order when validating a model date.
var acceptedDateLayouts = []string{
	dateLayout,
	"02/01/2006",
	"02-01-2006",
	"2006/01/02",
	time.RFC3339,
}

// Normalizer fills gaps and fixes out-of-range values in a model result.
type Normalizer struct {
	now func() time.Time
}

func NewNormalizer(now func() time.Time) *Normalizer {
	if now == nil {
		now = time.Now
	}
	return &Normalizer{now: now}
}

// Normalize mutates r in place. Every substituted value appends a note.
func (n *Normalizer) Normalize(r *Result) {
	if !r.DocumentType.Valid() {
		r.DocumentType = TypeOther
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		r.Confidence = 0.5
	}

	d := &r.ExtractedData
	now := n.now()

	d.VendorName = strings.TrimSpace(d.VendorName)
	if d.VendorName == "" {
		d.VendorName = UnknownVendor
		r.note("Proveedor no detectado")
	}

	d.VendorNIF = digitsOnly(d.VendorNIF)
	if d.VendorNIF == "" && r.DocumentType == TypeInvoice {
		d.VendorNIF = UnknownNIF
		r.note("NIF no detectado")
	}

	d.InvoiceNumber = strings.TrimSpace(d.InvoiceNumber)
	if d.InvoiceNumber == "" && r.DocumentType == TypeInvoice {
		d.InvoiceNumber = fmt.Sprintf("AUTO-%d", now.UnixMilli())
		r.note("Número de factura generado automáticamente")
	}

	if d.TotalAmount == 0 && d.Subtotal+d.VATAmount > 0 {
		d.TotalAmount = d.Subtotal + d.VATAmount
		r.note("Total calculado como subtotal + IVA")
	}

	if date, ok := parseDate(d.InvoiceDate); ok {
		d.InvoiceDate = date.Format(dateLayout)
	} else {
		d.InvoiceDate = now.Format(dateLayout)
		r.note("Fecha no válida, usando fecha actual")
	}

	if strings.TrimSpace(d.Category) == "" {
		d.Category = Categorize(d.Description, d.VendorName)
	}

	d.Description = strings.TrimSpace(d.Description)
	if d.Description == "" {
		if r.DocumentType == TypeInvoice {
			d.Description = "Factura procesada automáticamente"
		} else {
			d.Description = "Gasto procesado automáticamente"
		}
		r.note("Descripción generada automáticamente")
	}
}

func (r *Result) note(s string) {
	r.ProcessingNotes = append(r.ProcessingNotes, s)
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range acceptedDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var categoryRules = []struct {
	category string
	desc     []string
	vendor   []string
}{
	{"restaurante", []string{"restaurante", "comida", "almoço", "jantar", "café"}, []string{"restaurante"}},
	{"transporte", []string{"gasolina", "combustível", "estacionamento"}, []string{"galp", "bp", "repsol"}},
	{"oficina", []string{"papel", "caneta", "impressora", "computador"}, []string{"staples", "office"}},
	{"serviços_profissionais", []string{"advogado", "contabilista", "consultor"}, []string{"advocacia", "contabilidade"}},
}

// Categorize assigns an expense category from description and vendor
// keywords. Unmatched documents fall into DefaultCategory.
func Categorize(description, vendor string) string {
	desc := strings.ToLower(description)
	v := strings.ToLower(vendor)
	for _, rule := range categoryRules {
		for _, kw := range rule.desc {
			if strings.Contains(desc, kw) {
				return rule.category
			}
		}
		for _, kw := range rule.vendor {
			if strings.Contains(v, kw) {
				return rule.category
			}
		}
	}
	return DefaultCategory
}
