package whatsapp

import (
	"mime"
	"strings"
)

// supportedTypes lists the accepted MIME types and the extension used
// when naming stored documents.
var supportedTypes = []struct {
	mimeType  string
	extension string
}{
	{"image/jpeg", ".jpg"},
	{"image/png", ".png"},
	{"image/gif", ".gif"},
	{"application/pdf", ".pdf"},
	{"application/msword", ".doc"},
	{"application/vnd.openxmlformats-officedocument.wordprocessingml.document", ".docx"},
	{"application/vnd.ms-excel", ".xls"},
	{"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", ".xlsx"},
	{"text/plain", ".txt"},
}

// NormalizeMIME lowercases the type and drops parameters such as
// "; codecs=opus".
func NormalizeMIME(mimeType string) string {
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		return mt
	}
	base, _, _ := strings.Cut(mimeType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

func IsSupported(mimeType string) bool {
	_, ok := lookup(mimeType)
	return ok
}

// Extension returns the file extension for a MIME type, ".bin" when the
// type is not supported.
func Extension(mimeType string) string {
	if ext, ok := lookup(mimeType); ok {
		return ext
	}
	return ".bin"
}

// SupportedExtensions lists the accepted extensions for user-facing
// messages.
func SupportedExtensions() []string {
	out := make([]string, len(supportedTypes))
	for i, t := range supportedTypes {
		out[i] = t.extension
	}
	return out
}

func lookup(mimeType string) (string, bool) {
	mt := NormalizeMIME(mimeType)
	for _, t := range supportedTypes {
		if t.mimeType == mt {
			return t.extension, true
		}
	}
	return "", false
}
