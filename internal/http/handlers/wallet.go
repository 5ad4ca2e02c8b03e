package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"clipcast/internal/middleware"
	"clipcast/internal/relay"
	"clipcast/internal/wallet"
	"clipcast/pkg/logger"
	"clipcast/pkg/response"
)

type WalletHandler struct {
	wallet   *wallet.Service
	gifts    *relay.Catalog
	logger   *logger.Logger
	validate *validator.Validate
}

func NewWalletHandler(wal *wallet.Service, gifts *relay.Catalog, log *logger.Logger, validate *validator.Validate) *WalletHandler {
	return &WalletHandler{wallet: wal, gifts: gifts, logger: log, validate: validate}
}

// HandleListGifts serves the gift catalog. Public so clients can render the
// gift picker before signing in.
func (h *WalletHandler) HandleListGifts(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, map[string]any{"gifts": h.gifts.List()})
}

// HandleGetBalance returns the caller's coin balance. Users may only read
// their own wallet.
func (h *WalletHandler) HandleGetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID != middleware.GetUserID(r.Context()) {
		response.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	balance, err := h.wallet.Balance(r.Context(), userID)
	if err != nil {
		h.logger.Error("balance read failed", "user_id", userID, "error", err)
		response.Error(w, "Failed to load balance", http.StatusInternalServerError)
		return
	}

	response.JSON(w, map[string]any{"user_id": userID, "balance": balance})
}

type creditRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0,lte=1000000"`
}

// HandleCredit tops up a wallet. This stands in for a payment provider
// callback; in production it would verify the provider's signature first.
func (h *WalletHandler) HandleCredit(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID != middleware.GetUserID(r.Context()) {
		response.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var req creditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.ValidationError(w, err)
		return
	}

	balance, err := h.wallet.Credit(r.Context(), userID, req.Amount)
	if err != nil {
		h.logger.Error("credit failed", "user_id", userID, "error", err)
		response.Error(w, "Failed to credit wallet", http.StatusInternalServerError)
		return
	}

	response.JSON(w, map[string]any{"user_id": userID, "balance": balance})
}
