package stripe

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-billing/internal/billing/bmetrics"
	internalerrors "github.com/rcourtman/pulse-billing/internal/errors"
	"github.com/rcourtman/pulse-billing/internal/logging"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// WebhookHandler handles incoming Stripe webhook events.
type WebhookHandler struct {
	reconciler *Reconciler
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status,omitempty"`
}

// NewWebhookHandler creates a Stripe webhook HTTP handler.
func NewWebhookHandler(reconciler *Reconciler) *WebhookHandler {
	return &WebhookHandler{reconciler: reconciler}
}

// ServeHTTP reads the raw body and hands it to the reconciler. 4xx responses
// tell Stripe to stop retrying; 5xx responses ask for redelivery.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		bmetrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		bmetrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
			"error": "method not allowed",
		})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	res, err := h.reconciler.Ingest(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	eventType = res.EventType
	if err != nil {
		status = internalerrors.HTTPStatus(err)
		logger := logging.FromContext(r.Context())
		switch internalerrors.TypeOf(err) {
		case internalerrors.ErrorTypeRejection:
			logger.Warn().Err(err).Msg("Stripe webhook rejected")
			writeJSON(w, status, webhookErrorResponse{Error: rejectionMessage(err)})
		case internalerrors.ErrorTypeConfiguration:
			logger.Error().Err(err).Msg("Stripe webhook secret not configured")
			writeJSON(w, status, webhookErrorResponse{Error: "webhook secret not configured"})
		case internalerrors.ErrorTypeInFlight:
			logger.Info().Str("event_id", res.EventID).Msg("Stripe webhook already in flight")
			writeJSON(w, status, webhookErrorResponse{Error: "event is being processed"})
		default:
			logger.Error().Err(err).
				Str("event_id", res.EventID).
				Str("type", res.EventType).
				Msg("Stripe webhook processing failed")
			writeJSON(w, status, webhookErrorResponse{Error: "processing failed"})
		}
		return
	}

	status = http.StatusOK
	body := webhookReceivedResponse{Received: true}
	if res.Outcome == OutcomeDuplicate {
		body.Status = string(OutcomeDuplicate)
	}
	writeJSON(w, http.StatusOK, body)
}

func rejectionMessage(err error) string {
	switch {
	case errors.Is(err, internalerrors.ErrMissingSignature):
		return "missing Stripe signature"
	case errors.Is(err, internalerrors.ErrInvalidSignature):
		return "invalid Stripe signature"
	}
	return "invalid event"
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("billing.stripe: encode webhook response")
	}
}
