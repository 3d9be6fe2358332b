package server

import (
	"errors"
	"net/http"
	"strconv"

	mediaingest "github.com/contaspt/media-ingest"
	"github.com/contaspt/media-ingest/dedup"
	"github.com/contaspt/media-ingest/download"
	"github.com/contaspt/media-ingest/pipeline"
	"github.com/contaspt/media-ingest/store"
	"github.com/contaspt/media-ingest/telemetry"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type documentList struct {
	Documents []*store.Document `json:"documents"`
	Count     int               `json:"count"`
}

type documentDetail struct {
	*store.Document
	Raw *store.RawResponse `json:"raw_response,omitempty"`
}

// handleListDocuments lists documents newest first, or oldest first
// within one ?status=.
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "list")

	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	var (
		docs []*store.Document
		err  error
	)
	if v := r.URL.Query().Get("status"); v != "" {
		status := store.Status(v)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status")
			return
		}
		docs, err = s.config.Documents.ListByStatus(r.Context(), status, limit)
	} else {
		docs, err = s.config.Documents.List(r.Context(), limit)
	}
	if err != nil {
		s.handleStoreError(w, err)
		return
	}
	if docs == nil {
		docs = []*store.Document{}
	}
	writeJSON(w, http.StatusOK, documentList{Documents: docs, Count: len(docs)})
}

// handleGetDocument returns one document; ?raw=1 adds the stored model
// response.
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "get")

	doc, err := s.config.Documents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.handleStoreError(w, err)
		return
	}

	detail := documentDetail{Document: doc}
	if r.URL.Query().Get("raw") == "1" {
		raw, err := s.config.Documents.GetRawResponse(r.Context(), doc.ID)
		switch {
		case err == nil:
			detail.Raw = raw
		case !errors.Is(err, store.ErrNotFound):
			s.handleStoreError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleRetryDocument(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "retry")

	doc, err := s.config.Processor.Retry(r.Context(), r.PathValue("id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, doc)
	case errors.Is(err, pipeline.ErrNotRetryable), errors.Is(err, dedup.ErrNotClaimed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.handleStoreError(w, err)
	}
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "media")

	if s.config.Media == nil {
		writeError(w, http.StatusNotFound, "media storage not configured")
		return
	}
	hash, err := mediaingest.ParseHash(r.PathValue("hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid content hash")
		return
	}
	download.ServeMedia(w, r, s.config.Media, hash, s.logger)
}

func (s *Server) handleStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "document not found")
	default:
		s.logger.Error("document request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
