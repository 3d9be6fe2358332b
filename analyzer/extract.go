package analyzer

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultPrompt asks the model for a single JSON object describing the
// document. Replies are parsed with Parse.
const DefaultPrompt = `Analiza detalladamente esta imagen de un documento comercial (factura o recibo) y extrae TODOS los datos que encuentres.

INSTRUCCIONES:
1. Extrae todos los números que parezcan importes.
2. Identifica el NIF/CIF/VAT del emisor (suele empezar por PT).
3. Busca la fecha del documento.
4. Encuentra el nombre del establecimiento o empresa.
5. Identifica el número de factura o recibo.
6. Busca el desglose del IVA (normalmente 23%, 13% o 6% en Portugal).
7. Determina si es una factura formal ("Fatura") o un recibo simple ("Recibo").

NO INVENTES DATOS. Si no encuentras algo, déjalo vacío o null. Los importes deben ser números.

Responde solo con este JSON:
{
  "document_type": "invoice|expense|receipt|other",
  "confidence": 0.95,
  "extracted_data": {
    "vendor_name": "",
    "vendor_nif": "",
    "invoice_number": "",
    "invoice_date": "YYYY-MM-DD",
    "subtotal": 0.00,
    "vat_rate": 23,
    "vat_amount": 0.00,
    "total_amount": 0.00,
    "description": "",
    "category": "restaurante|transporte|oficina|otros",
    "client_name": "",
    "payment_method": ""
  },
  "processing_notes": []
}`

// ExtractJSON returns the text between the first '{' and the last '}'.
// Models often wrap the object in prose or markdown fences.
func ExtractJSON(text string) (string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", ErrNoJSON
	}
	return text[start : end+1], nil
}

// Parse decodes a model reply into an unnormalised Result. The decoded
// object is kept in Result.Raw and the reply text in Result.Text.
func Parse(text string) (*Result, error) {
	obj, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}

	var res Result
	if err := json.Unmarshal([]byte(obj), &res); err != nil {
		return nil, fmt.Errorf("decoding model json: %w", err)
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return nil, fmt.Errorf("decoding model json: %w", err)
	}
	res.Raw = raw
	res.Text = text
	return &res, nil
}
