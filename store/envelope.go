package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mediaingest "github.com/contaspt/media-ingest"
	"github.com/klauspost/compress/zstd"
	"go.etcd.io/bbolt"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// CompressionThreshold is the minimum payload size before compression is considered.
	CompressionThreshold = 2048

	// MaxPayloadSize is the maximum allowed uncompressed payload size.
	MaxPayloadSize = 10 * 1024 * 1024 // 10MB

	// MaxDecompressedSize is the hard cap during decompression to prevent compression bombs.
	MaxDecompressedSize = 10 * 1024 * 1024 // 10MB

	// CurrentEnvelopeVersion is the current envelope schema version.
	CurrentEnvelopeVersion = 1

	digestPrefix = "blake3:"
)

// Encoding names the payload encoding inside an envelope.
type Encoding string

const (
	EncodingIdentity Encoding = "identity"
	EncodingZstd     Encoding = "zstd"
)

var (
	// ErrPayloadTooLarge is returned when payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrDecompressionBomb is returned when decompressed size exceeds limit.
	ErrDecompressionBomb = errors.New("decompressed payload exceeds maximum size")

	// ErrCorrupted is returned when payload digest verification fails.
	ErrCorrupted = errors.New("payload digest mismatch")

	// ErrUnsupportedVersion is returned for envelopes written by a newer schema.
	ErrUnsupportedVersion = errors.New("unsupported envelope version")
)

// RawResponse is the unprocessed model output kept next to a document
// so extractions can be audited and re-normalised later.
type RawResponse struct {
	DocumentID string
	Provider   string
	Model      string
	Text       string
	Fields     map[string]any
	StoredAt   time.Time
}

// EnvelopeCodec handles payload encoding/decoding with optional compression.
// Encoder and decoder are goroutine-safe and can be reused.
type EnvelopeCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewEnvelopeCodec creates a new codec with shared zstd encoder/decoder.
func NewEnvelopeCodec() (*EnvelopeCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &EnvelopeCodec{
		encoder: enc,
		decoder: dec,
	}, nil
}

// Close releases encoder/decoder resources.
func (c *EnvelopeCodec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		_ = c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// EncodePayload compresses payload if beneficial and returns encoded bytes with encoding type.
// Also computes and returns the digest of the original (uncompressed) payload.
func (c *EnvelopeCodec) EncodePayload(data []byte) (payload []byte, encoding Encoding, digest string, err error) {
	if len(data) > MaxPayloadSize {
		return nil, EncodingIdentity, "", ErrPayloadTooLarge
	}

	digest = computeDigest(data)

	if len(data) < CompressionThreshold {
		return data, EncodingIdentity, digest, nil
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if enc == nil {
		return data, EncodingIdentity, digest, nil
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, EncodingIdentity, digest, nil
	}

	return compressed, EncodingZstd, digest, nil
}

// DecodePayload decompresses payload if needed and verifies digest.
func (c *EnvelopeCodec) DecodePayload(payload []byte, encoding Encoding, expectedDigest string, expectedSize uint64) ([]byte, error) {
	if encoding == EncodingIdentity {
		if expectedDigest != "" && computeDigest(payload) != expectedDigest {
			return nil, ErrCorrupted
		}
		return payload, nil
	}

	if encoding != EncodingZstd {
		return nil, fmt.Errorf("unsupported encoding: %q", encoding)
	}

	if expectedSize > MaxDecompressedSize {
		return nil, ErrDecompressionBomb
	}

	c.mu.RLock()
	dec := c.decoder
	c.mu.RUnlock()

	if dec == nil {
		return nil, errors.New("decoder not initialized")
	}

	decompressed, err := dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}

	if uint64(len(decompressed)) > MaxDecompressedSize {
		return nil, ErrDecompressionBomb
	}

	if expectedDigest != "" && computeDigest(decompressed) != expectedDigest {
		return nil, ErrCorrupted
	}

	return decompressed, nil
}

// computeDigest computes the BLAKE3 digest in canonical format.
func computeDigest(data []byte) string {
	return digestPrefix + mediaingest.HashBytes(data).String()
}

// Envelope field numbers. The envelope is a protobuf message written with
// protowire; its payload is a marshalled structpb.Struct.
const (
	fieldVersion  protowire.Number = 1
	fieldProvider protowire.Number = 2
	fieldModel    protowire.Number = 3
	fieldStoredAt protowire.Number = 4
	fieldEncoding protowire.Number = 5
	fieldDigest   protowire.Number = 6
	fieldSize     protowire.Number = 7
	fieldPayload  protowire.Number = 8
)

type envelope struct {
	version  uint64
	provider string
	model    string
	storedAt int64
	encoding Encoding
	digest   string
	size     uint64
	payload  []byte
}

func (e *envelope) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, e.version)
	b = protowire.AppendTag(b, fieldProvider, protowire.BytesType)
	b = protowire.AppendString(b, e.provider)
	b = protowire.AppendTag(b, fieldModel, protowire.BytesType)
	b = protowire.AppendString(b, e.model)
	b = protowire.AppendTag(b, fieldStoredAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.storedAt)) //nolint:gosec // round-trips through unmarshal
	b = protowire.AppendTag(b, fieldEncoding, protowire.BytesType)
	b = protowire.AppendString(b, string(e.encoding))
	b = protowire.AppendTag(b, fieldDigest, protowire.BytesType)
	b = protowire.AppendString(b, e.digest)
	b = protowire.AppendTag(b, fieldSize, protowire.VarintType)
	b = protowire.AppendVarint(b, e.size)
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, e.payload)
	return b
}

// unmarshalEnvelope skips unknown fields so newer writers stay readable.
func unmarshalEnvelope(b []byte) (*envelope, error) {
	e := &envelope{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("decoding envelope tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && (num == fieldVersion || num == fieldStoredAt || num == fieldSize):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("decoding envelope field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldVersion:
				e.version = v
			case fieldStoredAt:
				e.storedAt = int64(v) //nolint:gosec // written by marshal
			case fieldSize:
				e.size = v
			}
		case typ == protowire.BytesType && num >= fieldProvider && num <= fieldPayload:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("decoding envelope field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldProvider:
				e.provider = string(v)
			case fieldModel:
				e.model = string(v)
			case fieldEncoding:
				e.encoding = Encoding(v)
			case fieldDigest:
				e.digest = string(v)
			case fieldPayload:
				e.payload = append([]byte(nil), v...)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("skipping envelope field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return e, nil
}

// EncodeRawResponse builds the stored envelope for raw.
func (c *EnvelopeCodec) EncodeRawResponse(raw *RawResponse) ([]byte, error) {
	fields := map[string]any{"text": raw.Text}
	if raw.Fields != nil {
		fields["fields"] = raw.Fields
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("converting raw response: %w", err)
	}
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshalling raw response: %w", err)
	}

	payload, encoding, digest, err := c.EncodePayload(data)
	if err != nil {
		return nil, err
	}

	env := &envelope{
		version:  CurrentEnvelopeVersion,
		provider: raw.Provider,
		model:    raw.Model,
		storedAt: raw.StoredAt.UnixNano(),
		encoding: encoding,
		digest:   digest,
		size:     uint64(len(data)),
		payload:  payload,
	}
	return env.marshal(), nil
}

// DecodeRawResponse reverses EncodeRawResponse. DocumentID is not part
// of the envelope and is left empty.
func (c *EnvelopeCodec) DecodeRawResponse(b []byte) (*RawResponse, error) {
	env, err := unmarshalEnvelope(b)
	if err != nil {
		return nil, err
	}
	if env.version > CurrentEnvelopeVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.version)
	}

	data, err := c.DecodePayload(env.payload, env.encoding, env.digest, env.size)
	if err != nil {
		return nil, err
	}

	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshalling raw response: %w", err)
	}
	m := st.AsMap()

	raw := &RawResponse{
		Provider: env.provider,
		Model:    env.model,
		StoredAt: time.Unix(0, env.storedAt).UTC(),
	}
	raw.Text, _ = m["text"].(string)
	raw.Fields, _ = m["fields"].(map[string]any)
	return raw, nil
}

// PutRawResponse stores the raw model output for a document, replacing
// any previous one. The document must exist.
func (d *DB) PutRawResponse(_ context.Context, raw *RawResponse) error {
	if raw.StoredAt.IsZero() {
		raw.StoredAt = d.now().UTC()
	}
	data, err := d.codec.EncodeRawResponse(raw)
	if err != nil {
		return err
	}
	return d.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketDocuments).Get([]byte(raw.DocumentID)) == nil {
			return ErrNotFound
		}
		if err := tx.Bucket(bucketRawResponses).Put([]byte(raw.DocumentID), data); err != nil {
			return fmt.Errorf("putting raw response: %w", err)
		}
		return nil
	})
}

// GetRawResponse returns the raw model output stored for a document.
func (d *DB) GetRawResponse(_ context.Context, documentID string) (*RawResponse, error) {
	var data []byte
	err := d.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketRawResponses).Get([]byte(documentID))
		if val == nil {
			return ErrNotFound
		}
		data = make([]byte, len(val))
		copy(data, val)
		return nil
	})
	if err != nil {
		return nil, err
	}

	raw, err := d.codec.DecodeRawResponse(data)
	if err != nil {
		return nil, fmt.Errorf("decoding raw response %s: %w", documentID, err)
	}
	raw.DocumentID = documentID
	return raw, nil
}
