/**
 * @description
 * HTTP handlers for the transfer-service API: saga submission and the status
 * query. Submission is asynchronous; the 202 response carries the transfer id
 * the client polls (or subscribes) against.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/transfer/app, internal/transfer/store: service logic and errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Brankond/Momentum/internal/transfer/app"
	"github.com/Brankond/Momentum/internal/transfer/domain"
	"github.com/Brankond/Momentum/internal/transfer/store"
)

// TransferHandlers holds the application service the handlers call into.
type TransferHandlers struct {
	service *app.SagaService
}

// NewTransferHandlers creates a new TransferHandlers.
func NewTransferHandlers(service *app.SagaService) *TransferHandlers {
	return &TransferHandlers{service: service}
}

type submitResponse struct {
	TransferID uuid.UUID `json:"transfer_id"`
	Status     string    `json:"status"`
}

type transferResponse struct {
	Transfer *domain.Transfer `json:"transfer"`
	Steps    []domain.Step    `json:"steps"`
}

// SubmitTransferHandler accepts a transfer for asynchronous processing.
// A replayed client request id returns 200 with the original transfer; the
// same id with a different body returns 409.
func (h *TransferHandlers) SubmitTransferHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	transfer, replayed, err := h.service.Initiate(r.Context(), req)
	if err != nil {
		var rateLimited *app.RateLimitedError
		switch {
		case errors.Is(err, app.ErrInvalidRequest):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, app.ErrRequestConflict):
			h.writeError(w, http.StatusConflict, "client_request_id already used with a different request body")
		case errors.As(err, &rateLimited):
			w.Header().Set("Retry-After", strconv.Itoa(rateLimited.RetryAfterSeconds))
			h.writeError(w, http.StatusTooManyRequests, "Too many transfer submissions; slow down")
		default:
			log.Printf("level=error component=transfer_api msg=\"submit transfer failed\" client_request_id=%s err=%v", req.ClientRequestID, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to accept transfer")
		}
		return
	}

	status := http.StatusAccepted
	if replayed {
		status = http.StatusOK
	}
	h.writeJSON(w, status, submitResponse{TransferID: transfer.ID, Status: transfer.Status})
}

// GetTransferHandler returns a transfer with its ordered step history.
func (h *TransferHandlers) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "transferID")
	transferID, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transfer id")
		return
	}

	transfer, steps, err := h.service.GetTransfer(r.Context(), transferID)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			h.writeError(w, http.StatusNotFound, "Transfer not found")
			return
		}
		log.Printf("level=error component=transfer_api msg=\"get transfer failed\" transfer_id=%s err=%v", transferID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load transfer")
		return
	}
	if steps == nil {
		steps = []domain.Step{}
	}

	h.writeJSON(w, http.StatusOK, transferResponse{Transfer: transfer, Steps: steps})
}

func (h *TransferHandlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("level=error component=transfer_api msg=\"response encode failed\" err=%v", err)
	}
}

func (h *TransferHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
