package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/getsentry/sentry-go"

	"tierwise.app/cloud/internal/billing"
	"tierwise.app/cloud/internal/logger"
)

const maxWebhookBytes = int64(65536)

type WebhookResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome"`
	Reason   string `json:"reason,omitempty"`
}

// Stripe acknowledges a delivery only after the ledger write has been
// attempted. Processing failures answer 500 so Stripe retries.
func (s *Server) Stripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	logger.Info("Stripe webhook received", map[string]interface{}{
		"remote_addr": r.RemoteAddr,
		"user_agent":  r.Header.Get("User-Agent"),
	})

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorResponse(w, http.StatusRequestEntityTooLarge, "Payload too large")
			return
		}
		logger.Error("Failed to read webhook payload", map[string]interface{}{
			"error": err.Error(),
		})
		writeErrorResponse(w, http.StatusServiceUnavailable, "Failed to read payload")
		return
	}

	result, err := s.Ingestor.Ingest(ctx, payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if hub := sentry.GetHubFromContext(ctx); hub != nil {
			hub.CaptureException(err)
		} else {
			sentry.CaptureException(err)
		}
		writeErrorResponse(w, http.StatusInternalServerError, "Webhook processing failed")
		return
	}

	switch result.Reason {
	case billing.ReasonInvalidSignature:
		writeErrorResponse(w, http.StatusBadRequest, "Invalid signature")
		return
	case billing.ReasonMalformed:
		writeErrorResponse(w, http.StatusBadRequest, "Malformed event")
		return
	}

	// Unknown prices and unknown accounts are acknowledged: a retry would
	// see the same data.
	writeJSON(w, http.StatusOK, WebhookResponse{
		Received: true,
		Outcome:  result.Outcome,
		Reason:   string(result.Reason),
	})
}
