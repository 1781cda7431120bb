package payments

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rcourtman/meterd/internal/metrics"
	"github.com/rs/zerolog/log"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// WebhookHandler serves POST /payments/webhook.
type WebhookHandler struct {
	processor *Processor
}

type webhookErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type webhookReceivedResponse struct {
	Received  bool     `json:"received"`
	Duplicate bool     `json:"duplicate,omitempty"`
	Ignored   bool     `json:"ignored,omitempty"`
	Receipt   *Receipt `json:"receipt,omitempty"`
}

// NewWebhookHandler creates the webhook HTTP handler.
func NewWebhookHandler(p *Processor) *WebhookHandler {
	return &WebhookHandler{processor: p}
}

// ServeHTTP verifies the signature and hands the event to the processor.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if !h.processor.Configured() {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get(h.processor.SignatureHeader())
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "missing payment signature"})
		return
	}

	receipt, err := h.processor.Handle(r.Context(), payload, sigHeader)
	if receipt.Type != "" {
		eventType = receipt.Type
	}

	switch {
	case err == nil:
		writeJSON(w, status, webhookReceivedResponse{Received: true, Ignored: receipt.Ignored, Receipt: receiptOrNil(receipt)})

	case errors.Is(err, ErrDuplicatePaymentEvent):
		writeJSON(w, status, webhookReceivedResponse{Received: true, Duplicate: true, Receipt: &receipt})

	case errors.Is(err, ErrInvalidPaymentSignature):
		log.Warn().
			Err(err).
			Str("remote_addr", r.RemoteAddr).
			Str("user_agent", r.UserAgent()).
			Msg("Security: payment webhook signature rejected")
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "invalid payment signature", Code: "invalid_signature"})

	case errors.Is(err, ErrMalformedEvent), errors.Is(err, ErrUnknownLicense), errors.Is(err, ErrLicenseRevoked):
		status = http.StatusUnprocessableEntity
		writeJSON(w, status, webhookErrorResponse{Error: err.Error(), Code: rejectionCode(err)})

	default:
		log.Error().Err(err).
			Str("event_id", receipt.EventID).
			Str("type", receipt.Type).
			Msg("Payment webhook processing failed")
		status = http.StatusInternalServerError
		writeJSON(w, status, webhookErrorResponse{Error: "processing failed"})
	}
}

func receiptOrNil(r Receipt) *Receipt {
	if r.Ignored {
		return nil
	}
	return &r
}

func rejectionCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownLicense):
		return "unknown_license"
	case errors.Is(err, ErrLicenseRevoked):
		return "license_revoked"
	}
	return "malformed_event"
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Debug().Err(err).Msg("Failed to write JSON response")
	}
}
