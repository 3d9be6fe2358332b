package whatsapp

import (
	"strconv"
	"strings"
	"time"
	"unicode"
)

// FileName builds the stored document name "<Client> DD-MM-YYYY<ext>".
// date is the document date as extracted (DD/MM/YYYY, DD-MM-YYYY or
// YYYY-MM-DD). Without a parseable date the current day is used in
// YYYY-MM-DD form; without a usable client name the result is
// "documento_<unix-ms><ext>".
func FileName(clientName, date, ext string, now time.Time) string {
	if name := datedName(clientName, date, now); name != "" {
		return name + ext
	}
	return "documento_" + strconv.FormatInt(now.UnixMilli(), 10) + ext
}

// InvoiceNumber builds an invoice number the same way FileName builds a
// name, falling back to "FAT-<unix-ms>".
func InvoiceNumber(clientName, date string, now time.Time) string {
	if name := datedName(clientName, date, now); name != "" {
		return name
	}
	return "FAT-" + strconv.FormatInt(now.UnixMilli(), 10)
}

func datedName(clientName, date string, now time.Time) string {
	name := cleanName(clientName)
	if name == "" {
		return ""
	}
	if d, ok := ParseDocumentDate(date); ok {
		return name + " " + d.Format("02-01-2006")
	}
	return name + " " + now.Format("2006-01-02")
}

// ParseDocumentDate accepts the date layouts seen on Iberian invoices.
func ParseDocumentDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{"2006-01-02", "02/01/2006", "02-01-2006", "2/1/2006", "2-1-2006", "02.01.2006", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// cleanName keeps letters, digits and single spaces.
func cleanName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
