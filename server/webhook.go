package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/contaspt/media-ingest/telemetry"
	"github.com/contaspt/media-ingest/whatsapp"
)

// handleVerify answers the subscription handshake by echoing hub.challenge.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "verify")

	challenge, ok := whatsapp.VerifySubscription(r.URL.Query(), s.config.VerifyTokens)
	if !ok {
		telemetry.SetResult(r, telemetry.ResultRejected)
		s.logger.Warn("webhook verification rejected", "mode", r.URL.Query().Get("hub.mode"))
		writeError(w, http.StatusForbidden, "Verification failed")
		return
	}

	telemetry.SetResult(r, telemetry.ResultVerified)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, challenge)
}

// handleWebhook accepts a delivery and queues its messages. Once the body
// is authentic and parses it always answers 200 so the provider does not
// redeliver; per-message failures are handled by the processor.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "delivery")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			telemetry.SetResult(r, telemetry.ResultRejected)
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "reading body")
		return
	}

	if err := whatsapp.VerifySignature(body, r.Header.Get(whatsapp.SignatureHeader), s.config.AppSecrets); err != nil {
		telemetry.SetResult(r, telemetry.ResultUnauthorized)
		s.logger.Warn("webhook signature rejected", "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var payload whatsapp.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		telemetry.SetResult(r, telemetry.ResultRejected)
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	messages := payload.Messages()
	telemetry.SetMessages(r, len(messages))
	telemetry.SetResult(r, telemetry.ResultAccepted)

	for _, msg := range messages {
		if err := s.config.Processor.Enqueue(msg); err != nil {
			s.logger.Error("dropping message", "message_id", msg.ID, "from", msg.From, "error", err)
			telemetry.RecordMessage(r.Context(), msg.Type, "dropped")
		}
	}
	if n := payload.StatusCount(); n > 0 {
		s.logger.Debug("delivery receipts ignored", "count", n)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
