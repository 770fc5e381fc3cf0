/**
 * @description
 * HTTP handlers for the wallet-service API: wallet provisioning, read-side
 * queries over balances and the movement ledger, and external top-up /
 * withdrawal. Transfer-driven balance mutation stays message-only; the HTTP
 * mutation path exists for funds entering or leaving the platform.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/wallet/app, internal/wallet/store: service logic and errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Brankond/Momentum/internal/wallet/app"
	"github.com/Brankond/Momentum/internal/wallet/domain"
	"github.com/Brankond/Momentum/internal/wallet/store"
)

// WalletHandlers holds the application service the handlers call into.
type WalletHandlers struct {
	service *app.Service
}

// NewWalletHandlers creates a new WalletHandlers.
func NewWalletHandlers(service *app.Service) *WalletHandlers {
	return &WalletHandlers{service: service}
}

// CreateWalletHandler provisions a new wallet.
func (h *WalletHandlers) CreateWalletHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	wallet, err := h.service.CreateWallet(r.Context(), req)
	if err != nil {
		if errors.Is(err, store.ErrWalletExists) {
			h.writeError(w, http.StatusConflict, "Wallet already exists for this owner and currency")
			return
		}
		log.Printf("level=error component=wallet_api msg=\"create wallet failed\" owner_id=%s err=%v", req.OwnerID, err)
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.writeJSON(w, http.StatusCreated, wallet)
}

// GetWalletHandler returns a wallet snapshot including balance and version.
func (h *WalletHandlers) GetWalletHandler(w http.ResponseWriter, r *http.Request) {
	walletID, ok := h.walletIDParam(w, r)
	if !ok {
		return
	}

	wallet, err := h.service.GetWallet(r.Context(), walletID)
	if err != nil {
		if errors.Is(err, store.ErrWalletNotFound) {
			h.writeError(w, http.StatusNotFound, "Wallet not found")
			return
		}
		log.Printf("level=error component=wallet_api msg=\"get wallet failed\" wallet_id=%s err=%v", walletID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load wallet")
		return
	}

	h.writeJSON(w, http.StatusOK, wallet)
}

// CreditWalletHandler records an external top-up of a wallet.
func (h *WalletHandlers) CreditWalletHandler(w http.ResponseWriter, r *http.Request) {
	h.applyTransaction(w, r, domain.DirectionCredit)
}

// DebitWalletHandler records an external withdrawal from a wallet.
func (h *WalletHandlers) DebitWalletHandler(w http.ResponseWriter, r *http.Request) {
	h.applyTransaction(w, r, domain.DirectionDebit)
}

// applyTransaction shares the external mutation flow: a repeated reference
// replays the recorded movement, so both endpoints answer 201 with the
// movement whether it was just applied or already on the ledger.
func (h *WalletHandlers) applyTransaction(w http.ResponseWriter, r *http.Request, direction string) {
	walletID, ok := h.walletIDParam(w, r)
	if !ok {
		return
	}

	var req domain.WalletTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var (
		movement *domain.Movement
		err      error
	)
	if direction == domain.DirectionCredit {
		movement, err = h.service.Credit(r.Context(), walletID, req)
	} else {
		movement, err = h.service.Debit(r.Context(), walletID, req)
	}
	if err != nil {
		switch {
		case errors.Is(err, store.ErrWalletNotFound):
			h.writeError(w, http.StatusNotFound, "Wallet not found")
		case errors.Is(err, store.ErrInsufficientFunds):
			h.writeError(w, http.StatusPaymentRequired, "Insufficient funds")
		case errors.Is(err, store.ErrWalletInactive):
			h.writeError(w, http.StatusConflict, "Wallet is not active")
		case errors.Is(err, store.ErrInvalidAmount), errors.Is(err, app.ErrMissingReference):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			log.Printf("level=error component=wallet_api msg=\"external movement failed\" wallet_id=%s direction=%s err=%v", walletID, direction, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to apply movement")
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, movement)
}

// ListMovementsHandler returns the append-only ledger for a wallet.
func (h *WalletHandlers) ListMovementsHandler(w http.ResponseWriter, r *http.Request) {
	walletID, ok := h.walletIDParam(w, r)
	if !ok {
		return
	}

	movements, err := h.service.ListMovements(r.Context(), walletID)
	if err != nil {
		if errors.Is(err, store.ErrWalletNotFound) {
			h.writeError(w, http.StatusNotFound, "Wallet not found")
			return
		}
		log.Printf("level=error component=wallet_api msg=\"list movements failed\" wallet_id=%s err=%v", walletID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load movements")
		return
	}
	if movements == nil {
		movements = []domain.Movement{}
	}

	h.writeJSON(w, http.StatusOK, movements)
}

func (h *WalletHandlers) walletIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "walletID")
	walletID, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid wallet id")
		return uuid.Nil, false
	}
	return walletID, true
}

func (h *WalletHandlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("level=error component=wallet_api msg=\"response encode failed\" err=%v", err)
	}
}

func (h *WalletHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
