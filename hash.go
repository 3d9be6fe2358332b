// Package mediaingest holds the identifiers shared by the media ingestion
// packages: content hashes for stored media and dedup keys for inbound
// WhatsApp messages.
package mediaingest

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// HashSize is the length of a BLAKE3-256 digest in bytes.
const HashSize = 32

// Hash is the BLAKE3 digest of a stored media body.
type Hash [HashSize]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 8 bytes in hex, for log lines.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:8])
}

// Shard returns the two-character directory prefix used by StorageKey.
func (h Hash) Shard() string {
	return hex.EncodeToString(h[:1])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

// StorageKey is the backend key for a media blob: media/<hh>/<hex>.
func (h Hash) StorageKey() string {
	return "media/" + h.Shard() + "/" + h.String()
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("hash must be %d hex characters, got %d", HashSize*2, len(text))
	}
	if _, err := hex.Decode(h[:], text); err != nil {
		return fmt.Errorf("decoding hash: %w", err)
	}
	return nil
}

// ParseHash parses the hex form produced by Hash.String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// HashBytes returns the BLAKE3 digest of data.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// HashReader digests r until EOF and returns the hash and byte count.
func HashReader(r io.Reader) (Hash, int64, error) {
	hr := NewHashingReader(r)
	if _, err := io.Copy(io.Discard, hr); err != nil {
		return Hash{}, hr.BytesRead(), fmt.Errorf("hashing media: %w", err)
	}
	return hr.Sum(), hr.BytesRead(), nil
}

// HashingReader digests everything read through it.
type HashingReader struct {
	r io.Reader
	h *blake3.Hasher
	n int64
}

func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{r: r, h: blake3.New()}
}

func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		_, _ = hr.h.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

// Sum returns the digest of the bytes read so far.
func (hr *HashingReader) Sum() Hash {
	var h Hash
	hr.h.Sum(h[:0])
	return h
}

func (hr *HashingReader) BytesRead() int64 {
	return hr.n
}
