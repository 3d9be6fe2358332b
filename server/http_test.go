package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	mediaingest "github.com/contaspt/media-ingest"
	"github.com/contaspt/media-ingest/backend"
	"github.com/contaspt/media-ingest/dedup"
	"github.com/contaspt/media-ingest/expiry"
	"github.com/contaspt/media-ingest/pipeline"
	"github.com/contaspt/media-ingest/store"
	"github.com/contaspt/media-ingest/whatsapp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcessor struct {
	mu       sync.Mutex
	enqueued []whatsapp.InboundMessage
	err      error
	retried  []string
	retryErr error
	docs     *store.DB
}

func (p *fakeProcessor) Start(context.Context) {}

func (p *fakeProcessor) Enqueue(msg whatsapp.InboundMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.enqueued = append(p.enqueued, msg)
	return nil
}

func (p *fakeProcessor) Shutdown(context.Context) error { return nil }

func (p *fakeProcessor) QueueDepth() int { return 3 }

func (p *fakeProcessor) Retry(ctx context.Context, id string) (*store.Document, error) {
	p.retried = append(p.retried, id)
	if p.retryErr != nil {
		return nil, p.retryErr
	}
	return p.docs.SetStatus(ctx, id, store.StatusCompleted, "")
}

type testServer struct {
	srv     *Server
	handler http.Handler
	proc    *fakeProcessor
	docs    *store.DB
	library *expiry.Library
	cache   *dedup.Cache
}

const (
	testVerifyToken = "verify-me"
	testAppSecret   = "app-secret"
	testAdminToken  = "admin-token"
)

func newTestServer(t *testing.T, mutate ...func(*Config)) *testServer {
	t.Helper()

	docs := store.New(store.WithNoSync(true))
	require.NoError(t, docs.Open(filepath.Join(t.TempDir(), "documents.db")))
	t.Cleanup(func() { _ = docs.Close() })

	b, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	meta := expiry.NewMetadataStore(b)
	library := expiry.NewLibrary(b, meta)

	cache := dedup.New()
	proc := &fakeProcessor{docs: docs}

	cfg := Config{
		VerifyTokens: []string{testVerifyToken},
		AppSecrets:   []string{testAppSecret},
		Processor:    proc,
		Documents:    docs,
		Media:        library,
		Cache:        cache,
		Expiry:       expiry.NewManager(library, expiry.DefaultConfig()),
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, m := range mutate {
		m(&cfg)
	}

	srv, err := New(cfg)
	require.NoError(t, err)
	return &testServer{srv: srv, handler: srv.Handler(), proc: proc, docs: docs, library: library, cache: cache}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func signedRequest(t *testing.T, body []byte, secret string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(whatsapp.SignatureHeader, "sha256="+hex.EncodeToString(whatsapp.Sign(body, secret)))
	return req
}

const deliveryJSON = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "waba-1",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "351910000000", "phone_number_id": "pn-1"},
        "contacts": [{"profile": {"name": "Ana"}, "wa_id": "351910000001"}],
        "messages": [
          {"id": "wamid.1", "from": "351910000001", "timestamp": "1710925200", "type": "image",
           "image": {"id": "media-1", "mime_type": "image/jpeg", "sha256": "abc"}},
          {"id": "wamid.2", "from": "351910000001", "timestamp": "1710925201", "type": "text",
           "text": {"body": "olá"}}
        ],
        "statuses": [{"id": "wamid.0", "status": "delivered", "timestamp": "1710925100", "recipient_id": "351910000001"}]
      }
    }]
  }]
}`

func TestNew_RequiresComponents(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	_, err = New(Config{Processor: &fakeProcessor{}})
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec = ts.do(req)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestWebhookVerify(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name     string
		query    string
		wantCode int
		wantBody string
	}{
		{name: "valid", query: "hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", wantCode: http.StatusOK, wantBody: "12345"},
		{name: "wrong token", query: "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=12345", wantCode: http.StatusForbidden},
		{name: "wrong mode", query: "hub.mode=unsubscribe&hub.verify_token=verify-me&hub.challenge=12345", wantCode: http.StatusForbidden},
		{name: "missing", query: "", wantCode: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp?"+tt.query, nil))
			require.Equal(t, tt.wantCode, rec.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, rec.Body.String())
				return
			}
			assert.JSONEq(t, `{"error":"Verification failed"}`, rec.Body.String())
		})
	}
}

func TestWebhookDelivery(t *testing.T) {
	t.Run("queues every message", func(t *testing.T) {
		ts := newTestServer(t)

		rec := ts.do(signedRequest(t, []byte(deliveryJSON), testAppSecret))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

		require.Len(t, ts.proc.enqueued, 2)
		first := ts.proc.enqueued[0]
		assert.Equal(t, "wamid.1", first.ID)
		assert.Equal(t, "pn-1", first.PhoneNumberID)
		assert.Equal(t, "Ana", first.ContactName)
		require.NotNil(t, first.Media())
		assert.Equal(t, "media-1", first.Media().ID)
		assert.Equal(t, whatsapp.TypeText, ts.proc.enqueued[1].Type)
	})

	t.Run("rejects bad signatures", func(t *testing.T) {
		ts := newTestServer(t)

		rec := ts.do(signedRequest(t, []byte(deliveryJSON), "other-secret"))
		require.Equal(t, http.StatusUnauthorized, rec.Code)

		req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(deliveryJSON))
		rec = ts.do(req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, ts.proc.enqueued)
	})

	t.Run("skips signature check without app secrets", func(t *testing.T) {
		ts := newTestServer(t, func(c *Config) { c.AppSecrets = nil })

		req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(deliveryJSON))
		rec := ts.do(req)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, ts.proc.enqueued, 2)
	})

	t.Run("rejects invalid json", func(t *testing.T) {
		ts := newTestServer(t)
		rec := ts.do(signedRequest(t, []byte(`{"entry": [`), testAppSecret))
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("caps the body size", func(t *testing.T) {
		ts := newTestServer(t, func(c *Config) { c.MaxBodyBytes = 64 })
		rec := ts.do(signedRequest(t, []byte(deliveryJSON), testAppSecret))
		require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	t.Run("answers 200 when the queue is full", func(t *testing.T) {
		ts := newTestServer(t)
		ts.proc.err = pipeline.ErrQueueFull

		rec := ts.do(signedRequest(t, []byte(deliveryJSON), testAppSecret))
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("status-only deliveries are acknowledged", func(t *testing.T) {
		ts := newTestServer(t)
		body := []byte(`{"object":"whatsapp_business_account","entry":[{"changes":[{"value":{"statuses":[{"id":"x","status":"read"}]}}]}]}`)

		rec := ts.do(signedRequest(t, body, testAppSecret))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, ts.proc.enqueued)
	})
}

func createDocs(t *testing.T, docs *store.DB, n int) []*store.Document {
	t.Helper()
	out := make([]*store.Document, 0, n)
	for i := 0; i < n; i++ {
		mediaID := fmt.Sprintf("media-%d", i)
		doc := &store.Document{
			MediaKey: mediaingest.MediaKey(mediaID, "351910000001"),
			MediaID:  mediaID,
			Sender:   "351910000001",
			MIMEType: "image/jpeg",
			Status:   store.StatusFailed,
		}
		require.NoError(t, docs.Create(context.Background(), doc))
		out = append(out, doc)
	}
	return out
}

func TestDocuments(t *testing.T) {
	ctx := context.Background()

	t.Run("requires the admin token", func(t *testing.T) {
		ts := newTestServer(t, func(c *Config) { c.AdminToken = testAdminToken })

		rec := ts.do(httptest.NewRequest(http.MethodGet, "/documents", nil))
		require.Equal(t, http.StatusUnauthorized, rec.Code)

		req := httptest.NewRequest(http.MethodGet, "/documents", nil)
		req.Header.Set("Authorization", "Bearer "+testAdminToken)
		rec = ts.do(req)
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("lists with limit and status", func(t *testing.T) {
		ts := newTestServer(t)
		docs := createDocs(t, ts.docs, 3)
		_, err := ts.docs.SetStatus(ctx, docs[1].ID, store.StatusCompleted, "")
		require.NoError(t, err)

		var list documentList
		rec := ts.do(httptest.NewRequest(http.MethodGet, "/documents?limit=2", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
		assert.Equal(t, 2, list.Count)

		rec = ts.do(httptest.NewRequest(http.MethodGet, "/documents?status=completed", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
		require.Equal(t, 1, list.Count)
		assert.Equal(t, docs[1].ID, list.Documents[0].ID)

		rec = ts.do(httptest.NewRequest(http.MethodGet, "/documents?status=pending", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"documents":[],"count":0}`, rec.Body.String())

		rec = ts.do(httptest.NewRequest(http.MethodGet, "/documents?status=lost", nil))
		require.Equal(t, http.StatusBadRequest, rec.Code)
		rec = ts.do(httptest.NewRequest(http.MethodGet, "/documents?limit=-1", nil))
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("gets one document with its raw response", func(t *testing.T) {
		ts := newTestServer(t)
		doc := createDocs(t, ts.docs, 1)[0]
		require.NoError(t, ts.docs.PutRawResponse(ctx, &store.RawResponse{
			DocumentID: doc.ID,
			Provider:   "gemini",
			Text:       `{"document_type":"invoice"}`,
		}))

		rec := ts.do(httptest.NewRequest(http.MethodGet, "/documents/"+doc.ID+"?raw=1", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var got map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, doc.ID, got["id"])
		require.Contains(t, got, "raw_response")

		rec = ts.do(httptest.NewRequest(http.MethodGet, "/documents/missing", nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("retries failed documents", func(t *testing.T) {
		ts := newTestServer(t)
		doc := createDocs(t, ts.docs, 1)[0]

		rec := ts.do(httptest.NewRequest(http.MethodPost, "/documents/"+doc.ID+"/retry", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{doc.ID}, ts.proc.retried)

		ts.proc.retryErr = fmt.Errorf("%w: %s is completed", pipeline.ErrNotRetryable, doc.ID)
		rec = ts.do(httptest.NewRequest(http.MethodPost, "/documents/"+doc.ID+"/retry", nil))
		require.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestMedia(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)

	data := []byte("%PDF-1.4 invoice")
	header, err := ts.library.Put(ctx, backend.MediaHeader{
		MediaID:  "media-1",
		MIMEType: "application/pdf",
		Filename: "Acme 15-03-2024.pdf",
	}, data)
	require.NoError(t, err)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/media/"+header.ContentHash, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, data, rec.Body.Bytes())

	rec = ts.do(httptest.NewRequest(http.MethodHead, "/media/"+header.ContentHash, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.Bytes())

	missing := mediaingest.HashBytes([]byte("nothing"))
	rec = ts.do(httptest.NewRequest(http.MethodGet, "/media/"+missing.String(), nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/media/not-a-hash", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStats(t *testing.T) {
	ts := newTestServer(t)
	createDocs(t, ts.docs, 2)
	ts.cache.TryClaim("media_a_1")

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 3, got.QueueDepth)
	require.NotNil(t, got.Dedup)
	assert.Equal(t, 1, got.Dedup.Processing)
	require.NotNil(t, got.Documents)
	assert.Equal(t, 2, got.Documents.Documents)
	require.NotNil(t, got.Media)
}

func TestDeriveRoute(t *testing.T) {
	tests := map[string]string{
		"/health":           "internal",
		"/metrics":          "internal",
		"/webhooks/whatsapp": "webhook",
		"/documents":        "documents",
		"/documents/abc":    "documents",
		"/media/abc":        "media",
		"/favicon.ico":      "unknown",
	}
	for path, want := range tests {
		assert.Equal(t, want, deriveRoute(path), path)
	}
}
