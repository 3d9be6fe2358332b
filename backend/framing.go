package backend

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

var (
	// MagicBytes prefixes every framed media blob.
	MagicBytes = []byte("WAM1")

	ErrInvalidMagic    = errors.New("invalid magic bytes: expected WAM1")
	ErrHeaderTooLarge  = errors.New("header exceeds maximum size")
	ErrUnknownEncoding = errors.New("unknown body encoding")
)

// MaxHeaderSize bounds the JSON header (64 KiB).
const MaxHeaderSize = 64 * 1024

// CompressThreshold is the body size above which compressible media is
// stored zstd-encoded.
const CompressThreshold = 2 * 1024

const (
	EncodingIdentity = "identity"
	EncodingZstd     = "zstd"
)

// MediaHeader describes one stored media item. ContentLength is the
// decoded body size.
type MediaHeader struct {
	MediaID       string    `json:"media_id"`
	MIMEType      string    `json:"mime_type"`
	Filename      string    `json:"filename,omitempty"`
	ContentLength int64     `json:"content_length"`
	StoredAt      time.Time `json:"stored_at"`
	ContentHash   string    `json:"content_hash"`
	Encoding      string    `json:"encoding"`
}

// Compressible reports whether a MIME type is worth compressing. Images
// are already compressed; documents and text are not.
func Compressible(mimeType string) bool {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(mimeType))
	}
	switch {
	case strings.HasPrefix(mt, "text/"):
		return true
	case mt == "application/pdf", mt == "application/json",
		mt == "application/msword", mt == "application/vnd.ms-excel":
		return true
	case strings.HasPrefix(mt, "application/vnd.openxmlformats-officedocument."):
		return true
	}
	return false
}

// ChooseEncoding picks the body encoding for a media item of the given
// type and decoded size.
func ChooseEncoding(mimeType string, size int64) string {
	if size > CompressThreshold && Compressible(mimeType) {
		return EncodingZstd
	}
	return EncodingIdentity
}

// WriteFramed writes MAGIC | HDRLEN (uint32 big-endian) | HDR (JSON) | BODY.
// The body is encoded according to header.Encoding.
func WriteFramed(w io.Writer, header *MediaHeader, body io.Reader) error {
	if header.Encoding == "" {
		header.Encoding = EncodingIdentity
	}

	hdr, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}
	if len(hdr) > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	if _, err := w.Write(MagicBytes); err != nil {
		return fmt.Errorf("writing magic bytes: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(hdr))); err != nil { //nolint:gosec // bounded by MaxHeaderSize
		return fmt.Errorf("writing header length: %w", err)
	}
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	switch header.Encoding {
	case EncodingIdentity:
		if _, err := io.Copy(w, body); err != nil {
			return fmt.Errorf("writing body: %w", err)
		}
	case EncodingZstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return fmt.Errorf("creating zstd encoder: %w", err)
		}
		if _, err := io.Copy(enc, body); err != nil {
			_ = enc.Close()
			return fmt.Errorf("compressing body: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("flushing zstd encoder: %w", err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEncoding, header.Encoding)
	}
	return nil
}

// ReadHeader reads the magic bytes and header, leaving r positioned at
// the start of the encoded body.
func ReadHeader(r io.Reader) (*MediaHeader, error) {
	magic := make([]byte, len(MagicBytes))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("reading magic bytes: %w", err)
	}
	if !bytes.Equal(magic, MagicBytes) {
		return nil, ErrInvalidMagic
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("reading header length: %w", err)
	}
	if n > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}

	hdr := make([]byte, n)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	var header MediaHeader
	if err := json.Unmarshal(hdr, &header); err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}
	return &header, nil
}

// ReadFramed parses the header and returns a reader over the decoded
// body. Closing the body releases decoder resources but does not close r.
func ReadFramed(r io.Reader) (*MediaHeader, io.ReadCloser, error) {
	header, err := ReadHeader(r)
	if err != nil {
		return nil, nil, err
	}

	switch header.Encoding {
	case "", EncodingIdentity:
		return header, io.NopCloser(r), nil
	case EncodingZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("creating zstd decoder: %w", err)
		}
		return header, dec.IOReadCloser(), nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, header.Encoding)
	}
}
