package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	mW "github.com/shopledger/backend/internal/middleware"
	"github.com/shopledger/backend/internal/models"
	"github.com/shopledger/backend/internal/services"
)

type CodeIssuer interface {
	Generate(ctx context.Context, accountID string, count int) (*services.CodeSet, error)
}

type Settler interface {
	SettleWithRetry(ctx context.Context, req services.SettleRequest, attempts int) (*services.SettleResult, error)
	CreatePendingOrder(ctx context.Context, accountID string, items []models.LineItem) (*services.PendingOrder, error)
}

type TransferQR interface {
	Generate(order *services.PendingOrder) (string, string, error)
}

type CheckoutHandler struct {
	codes     CodeIssuer
	settler   Settler
	qr        TransferQR
	validator *services.ValidationHelper
	log       *logrus.Logger
}

func NewCheckoutHandler(codes CodeIssuer, settler Settler, qr TransferQR, log *logrus.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		codes:     codes,
		settler:   settler,
		qr:        qr,
		validator: services.NewValidationHelper(),
		log:       log,
	}
}

type reserveCodesRequest struct {
	Count int `json:"count" validate:"required,gt=0,lte=100"`
}

type walletCheckoutRequest struct {
	Amount int64             `json:"amount" validate:"gt=0"`
	Items  []models.LineItem `json:"items" validate:"required,min=1,max=100,dive"`
	Codes  *services.CodeSet `json:"codes,omitempty"`
}

type transferCheckoutRequest struct {
	Items []models.LineItem `json:"items" validate:"required,min=1,max=100,dive"`
}

// ReserveCodes hands out order and transaction codes ahead of payment so the
// client can display them before committing.
func (h *CheckoutHandler) ReserveCodes(w http.ResponseWriter, r *http.Request) {
	accountID := mW.AccountID(r.Context())
	if accountID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req reserveCodesRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	set, err := h.codes.Generate(r.Context(), accountID, req.Count)
	if err != nil {
		h.log.WithError(err).WithField("account_id", accountID).Warn("code reservation failed")
		services.SendServiceError(w, err)
		return
	}

	services.SendJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"codes":   set,
	})
}

// PayWithWallet settles a cart against the caller's wallet balance.
func (h *CheckoutHandler) PayWithWallet(w http.ResponseWriter, r *http.Request) {
	accountID := mW.AccountID(r.Context())
	if accountID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req walletCheckoutRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	start := time.Now()
	result, err := h.settler.SettleWithRetry(r.Context(), services.SettleRequest{
		AccountID: accountID,
		Amount:    req.Amount,
		Items:     req.Items,
		Codes:     req.Codes,
	}, 0)
	if err != nil {
		h.log.WithFields(logrus.Fields{
			"account_id": accountID,
			"amount":     req.Amount,
			"items":      len(req.Items),
		}).WithError(err).Warn("wallet checkout failed")
		services.SendServiceError(w, err)
		return
	}

	h.log.WithFields(logrus.Fields{
		"account_id":       accountID,
		"transaction_code": result.TransactionCode,
		"latency":          time.Since(start).String(),
	}).Info("wallet checkout settled")

	services.SendJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"result":  result,
	})
}

// PayByTransfer creates a pending order and the bank-transfer QR that pays it.
func (h *CheckoutHandler) PayByTransfer(w http.ResponseWriter, r *http.Request) {
	accountID := mW.AccountID(r.Context())
	if accountID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req transferCheckoutRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	order, err := h.settler.CreatePendingOrder(r.Context(), accountID, req.Items)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}

	payload, image, err := h.qr.Generate(order)
	if err != nil {
		h.log.WithError(err).WithField("payment_reference", order.PaymentReference).Error("payment qr failed")
		services.SendErrorResponse(w, "Failed to render payment QR", http.StatusInternalServerError, nil)
		return
	}

	services.SendJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"order":   order,
		"qrCode":  payload,
		"qrImage": image,
	})
}
