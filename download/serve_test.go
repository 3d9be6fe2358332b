package download

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	mediaingest "github.com/contaspt/media-ingest"
	"github.com/contaspt/media-ingest/backend"
	"github.com/stretchr/testify/require"
)

func TestServeMedia(t *testing.T) {
	lib := newTestLibrary(t)
	data := bytes.Repeat([]byte("linha de fatura\n"), 400)

	_, err := lib.Put(context.Background(), backend.MediaHeader{
		MediaID:  "m",
		MIMEType: "application/pdf",
		Filename: "Loja Norte 01-03-2024.pdf",
	}, data)
	require.NoError(t, err)
	hash := mediaingest.HashBytes(data)

	t.Run("get", func(t *testing.T) {
		rec := httptest.NewRecorder()
		ServeMedia(rec, httptest.NewRequest(http.MethodGet, "/media/"+hash.String(), nil), lib, hash, slog.Default())

		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
		require.Equal(t, hash.String(), rec.Header().Get("X-Content-Hash"))
		require.Contains(t, rec.Header().Get("Content-Disposition"), "Loja Norte 01-03-2024.pdf")
		require.Equal(t, data, rec.Body.Bytes())
	})

	t.Run("head", func(t *testing.T) {
		rec := httptest.NewRecorder()
		ServeMedia(rec, httptest.NewRequest(http.MethodHead, "/media/"+hash.String(), nil), lib, hash, slog.Default())

		require.Equal(t, http.StatusOK, rec.Code)
		require.Empty(t, rec.Body.Bytes())
	})

	t.Run("missing", func(t *testing.T) {
		other := mediaingest.HashBytes([]byte("other"))
		rec := httptest.NewRecorder()
		ServeMedia(rec, httptest.NewRequest(http.MethodGet, "/media/"+other.String(), nil), lib, other, slog.Default())

		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}
