package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	mW "github.com/shopledger/backend/internal/middleware"
	"github.com/shopledger/backend/internal/models"
	"github.com/shopledger/backend/internal/services"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

type BalanceReader interface {
	Balance(ctx context.Context, accountID string) (int64, error)
}

type LedgerReader interface {
	History(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error)
	Latest(ctx context.Context, accountID string) (*models.LedgerEntry, error)
}

type WalletHandler struct {
	wallets BalanceReader
	ledger  LedgerReader
	log     *logrus.Logger
}

func NewWalletHandler(wallets BalanceReader, ledger LedgerReader, log *logrus.Logger) *WalletHandler {
	return &WalletHandler{wallets: wallets, ledger: ledger, log: log}
}

// GetWallet returns the caller's balance and the entry that produced it.
func (h *WalletHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	accountID := mW.AccountID(r.Context())
	if accountID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	balance, err := h.wallets.Balance(r.Context(), accountID)
	if err != nil {
		h.log.WithError(err).WithField("account_id", accountID).Error("balance lookup failed")
		services.SendServiceError(w, err)
		return
	}

	latest, err := h.ledger.Latest(r.Context(), accountID)
	if err != nil {
		h.log.WithError(err).WithField("account_id", accountID).Error("ledger lookup failed")
		services.SendServiceError(w, err)
		return
	}

	services.SendJSON(w, http.StatusOK, map[string]any{
		"account_id":      accountID,
		"balance":         balance,
		"balance_display": humanize.Comma(balance),
		"last_entry":      latest,
	})
}

// ListTransactions returns the newest ledger entries first. ?limit caps the page.
func (h *WalletHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	accountID := mW.AccountID(r.Context())
	if accountID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			services.SendErrorResponse(w, "limit must be a positive integer", http.StatusBadRequest, nil)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, err := h.ledger.History(r.Context(), accountID, limit)
	if err != nil {
		h.log.WithError(err).WithField("account_id", accountID).Error("ledger history failed")
		services.SendServiceError(w, err)
		return
	}

	services.SendJSON(w, http.StatusOK, map[string]any{
		"transactions": entries,
		"count":        len(entries),
	})
}
