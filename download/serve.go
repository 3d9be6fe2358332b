package download

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	mediaingest "github.com/contaspt/media-ingest"
	"github.com/contaspt/media-ingest/backend"
)

// Opener opens stored media by content hash.
type Opener interface {
	Open(ctx context.Context, hash mediaingest.Hash) (*backend.MediaHeader, io.ReadCloser, error)
}

// ServeMedia writes the decoded media body with its stored type, length
// and file name. HEAD requests get headers only.
func ServeMedia(w http.ResponseWriter, r *http.Request, o Opener, hash mediaingest.Hash, logger *slog.Logger) {
	header, body, err := o.Open(r.Context(), hash)
	if err != nil {
		HandleError(w, logger, err)
		return
	}
	defer func() { _ = body.Close() }()

	w.Header().Set("Content-Type", header.MIMEType)
	w.Header().Set("Content-Length", strconv.FormatInt(header.ContentLength, 10))
	w.Header().Set("X-Content-Hash", header.ContentHash)
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	if header.Filename != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": header.Filename}))
	}

	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, body); err != nil {
		logger.Error("streaming media", "hash", hash.Short(), "error", err)
	}
}

// HandleError maps storage and fetch errors to HTTP responses.
func HandleError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, backend.ErrNotFound):
		http.Error(w, "media not found", http.StatusNotFound)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "request timeout", http.StatusGatewayTimeout)
	default:
		logger.Error("reading media", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
