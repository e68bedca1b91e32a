package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dmitrymomot/billingcore/pkg/gateway"
	"github.com/dmitrymomot/billingcore/pkg/logger"
)

// Ingester is implemented by Pipeline.
type Ingester interface {
	Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) (*IngestResult, error)
}

// Handler exposes the inbound webhook endpoint.
//
// Responses: 200 for processed, duplicate and ignored events; 400 for
// unreadable or malformed payloads; 401 when verification fails; 404 for
// unknown providers; 500 when processing failed, so the gateway retries.
type Handler struct {
	ingester Ingester
	maxBytes int64
	logger   *slog.Logger
}

// NewHandler returns the HTTP endpoint feeding ingester. Bodies over maxBytes
// are rejected.
func NewHandler(ingester Ingester, maxBytes int64, log *slog.Logger) *Handler {
	if ingester == nil {
		panic("webhook: ingester is required")
	}
	if maxBytes <= 0 {
		maxBytes = DefaultConfig().MaxPayloadBytes
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{ingester: ingester, maxBytes: maxBytes, logger: log}
}

// Routes mounts POST /{provider} on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/{provider}", h.ServeHTTP)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{Error: "unreadable payload"})
		return
	}

	res, err := h.ingester.Ingest(r.Context(), provider, payload, r.Header)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "webhook ingestion failed", logger.Provider(provider), logger.Error(err))
		}
		writeJSON(w, status, response{Error: http.StatusText(status)})
		return
	}

	resp := response{Outcome: string(res.Outcome)}
	if res.EntryID != uuid.Nil {
		resp.ID = res.EntryID.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

type response struct {
	ID      string `json:"id,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	Error   string `json:"error,omitempty"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, gateway.ErrUnknownProvider):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrVerificationFailed):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrMalformedEvent), errors.Is(err, ErrEmptyPayload):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
