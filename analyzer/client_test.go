package analyzer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const modelReply = `{"document_type":"receipt","confidence":0.88,"extracted_data":{"vendor_name":"Pingo Doce","vendor_nif":"500829993","invoice_date":"2024-04-02","total_amount":"7,45","description":"Compras","category":"outros"},"processing_notes":[]}`

var testInput = Input{Data: []byte("\xff\xd8jpeg"), MIMEType: "image/jpeg", Filename: "recibo.jpg"}

func testOpts(srv *httptest.Server) []Option {
	return []Option{
		WithBaseURL(srv.URL),
		WithHTTPClient(srv.Client()),
		WithRateLimit(0, 0),
		WithNow(func() time.Time { return fixedNow }),
	}
}

func TestGemini_Analyze(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1beta/models/gemini-2.5-flash:generateContent", r.URL.Path)
		require.Equal(t, "secret-key", r.URL.Query().Get("key"))

		var req geminiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Contents, 1)
		parts := req.Contents[0].Parts
		require.Len(t, parts, 2)
		require.Equal(t, DefaultPrompt, parts[0].Text)
		require.Equal(t, "image/jpeg", parts[1].InlineData.MimeType)
		data, err := base64.StdEncoding.DecodeString(parts[1].InlineData.Data)
		require.NoError(t, err)
		require.Equal(t, testInput.Data, data)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{map[string]any{
				"content": map[string]any{"parts": []any{
					map[string]any{"text": "```json\n" + modelReply[:40]},
					map[string]any{"text": modelReply[40:] + "\n```"},
				}},
			}},
		})
	}))
	defer srv.Close()

	g := NewGemini("secret-key", testOpts(srv)...)
	res, err := g.Analyze(context.Background(), testInput)
	require.NoError(t, err)
	require.Equal(t, TypeReceipt, res.DocumentType)
	require.Equal(t, "gemini", res.Provider)
	require.Equal(t, GeminiModel, res.Model)
	require.Equal(t, "Pingo Doce", res.ExtractedData.VendorName)
	require.InDelta(t, 7.45, res.ExtractedData.TotalAmount.Float(), 1e-9)
}

func TestGemini_Overloaded(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusServiceUnavailable} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":{"message":"model overloaded"}}`, status)
		}))

		_, err := NewGemini("k", testOpts(srv)...).Analyze(context.Background(), testInput)
		require.ErrorIs(t, err, ErrOverloaded)

		var perr *ProviderError
		require.True(t, errors.As(err, &perr))
		require.Equal(t, status, perr.StatusCode)
		srv.Close()
	}
}

func TestGemini_OtherErrors(t *testing.T) {
	t.Run("bad request is not overload", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad", http.StatusBadRequest)
		}))
		defer srv.Close()

		_, err := NewGemini("k", testOpts(srv)...).Analyze(context.Background(), testInput)
		require.Error(t, err)
		require.False(t, errors.Is(err, ErrOverloaded))
	})

	t.Run("no candidates", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"candidates":[]}`))
		}))
		defer srv.Close()

		_, err := NewGemini("k", testOpts(srv)...).Analyze(context.Background(), testInput)
		require.ErrorIs(t, err, ErrEmptyResponse)
	})

	t.Run("reply without json", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"I can't read this"}]}}]}`))
		}))
		defer srv.Close()

		_, err := NewGemini("k", testOpts(srv)...).Analyze(context.Background(), testInput)
		require.ErrorIs(t, err, ErrNoJSON)
	})

	t.Run("transport error hides key", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()

		_, err := NewGemini("very-secret", testOpts(srv)...).Analyze(context.Background(), testInput)
		require.Error(t, err)
		require.NotContains(t, err.Error(), "very-secret")
	})
}

func TestOpenAI_Analyze(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, OpenAIModel, req.Model)
		require.Len(t, req.Messages, 1)
		content := req.Messages[0].Content
		require.Len(t, content, 2)
		require.Equal(t, "text", content[0].Type)
		require.Equal(t, "image_url", content[1].Type)
		require.True(t, strings.HasPrefix(content[1].ImageURL.URL, "data:image/jpeg;base64,"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{
				"message": map[string]any{"role": "assistant", "content": modelReply},
			}},
		})
	}))
	defer srv.Close()

	o := NewOpenAI("sk-test", testOpts(srv)...)
	res, err := o.Analyze(context.Background(), testInput)
	require.NoError(t, err)
	require.Equal(t, "openai", res.Provider)
	require.Equal(t, "500829993", res.ExtractedData.VendorNIF)
}

func TestOpenAI_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := NewOpenAI("k", testOpts(srv)...).Analyze(context.Background(), testInput)
	require.ErrorIs(t, err, ErrEmptyResponse)
}

func TestRateLimit_WaitHonoursContext(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":` + jsonString(modelReply) + `}}]}`))
	}))
	defer srv.Close()

	opts := append(testOpts(srv), WithRateLimit(0.001, 1))
	o := NewOpenAI("k", opts...)

	_, err := o.Analyze(context.Background(), testInput)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = o.Analyze(ctx, testInput)
	require.Error(t, err)
	require.EqualValues(t, 1, calls.Load())
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
