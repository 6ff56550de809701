package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/goliatone/go-ingest/core"
)

const maxWebhookBodyBytes = 1 << 20

// WebhookProcessor is satisfied by webhooks.Processor.
type WebhookProcessor interface {
	Process(ctx context.Context, req core.InboundRequest) (core.Outcome, error)
}

// WebhookHandler terminates inbound webhook HTTP traffic. The default policy
// answers 200 for every readable delivery, including rejected ones, so the
// sender never retries what we have already recorded. Processor errors from
// a reject policy surface as their mapped HTTP status instead.
type WebhookHandler struct {
	Processor WebhookProcessor
	Logger    core.Logger
	Now       func() time.Time
}

func NewWebhookHandler(processor WebhookProcessor, logger core.Logger) *WebhookHandler {
	return &WebhookHandler{
		Processor: processor,
		Logger:    logger,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Processor == nil {
		http.Error(w, "webhook intake is not configured", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for key := range r.Header {
		headers[key] = r.Header.Get(key)
	}

	outcome, processErr := h.Processor.Process(r.Context(), core.InboundRequest{
		Headers:    headers,
		Body:       body,
		ReceivedAt: h.now(),
	})
	if processErr != nil {
		status := http.StatusUnauthorized
		if !core.IsValidation(processErr) {
			status = http.StatusInternalServerError
		}
		if h.Logger != nil {
			h.Logger.Warn("transport: webhook delivery refused",
				"status", status,
				"error", processErr.Error(),
			)
		}
		writeJSON(w, status, outcome)
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

func (h *WebhookHandler) now() time.Time {
	if h != nil && h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

var _ http.Handler = (*WebhookHandler)(nil)
