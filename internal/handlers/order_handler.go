package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	mW "github.com/shopledger/backend/internal/middleware"
	"github.com/shopledger/backend/internal/services"
)

type OrderManager interface {
	Get(ctx context.Context, orderCode string) (*services.OrderView, error)
	Cancel(ctx context.Context, req services.CancelRequest) (*services.CancelResult, error)
	MarkFulfilled(ctx context.Context, orderCode string) error
}

type OrderHandler struct {
	orders    OrderManager
	validator *services.ValidationHelper
	log       *logrus.Logger
}

func NewOrderHandler(orders OrderManager, log *logrus.Logger) *OrderHandler {
	return &OrderHandler{
		orders:    orders,
		validator: services.NewValidationHelper(),
		log:       log,
	}
}

type cancelOrderRequest struct {
	Refund int64  `json:"refund" validate:"gte=0"`
	Reason string `json:"reason" validate:"required,max=500"`
}

// GetOrder is visible to the buying account and to admins.
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderCode := chi.URLParam(r, "orderCode")

	view, err := h.orders.Get(r.Context(), orderCode)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}

	// Someone else's order reads as missing
	if view.AccountID != mW.AccountID(r.Context()) && mW.Role(r.Context()) != mW.RoleAdmin {
		services.SendServiceError(w, services.ErrOrderNotFound)
		return
	}

	services.SendJSON(w, http.StatusOK, view)
}

func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelOrderRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	orderCode := chi.URLParam(r, "orderCode")
	result, err := h.orders.Cancel(r.Context(), services.CancelRequest{
		OrderCode: orderCode,
		Refund:    req.Refund,
		Reason:    req.Reason,
	})
	if err != nil {
		h.log.WithError(err).WithField("order_code", orderCode).Warn("cancel failed")
		services.SendServiceError(w, err)
		return
	}

	h.log.WithFields(logrus.Fields{
		"order_code": orderCode,
		"canceled":   result.Canceled,
		"by":         mW.AccountID(r.Context()),
	}).Info("cancel requested")

	services.SendJSON(w, http.StatusOK, result)
}

func (h *OrderHandler) FulfilOrder(w http.ResponseWriter, r *http.Request) {
	orderCode := chi.URLParam(r, "orderCode")
	if err := h.orders.MarkFulfilled(r.Context(), orderCode); err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSON(w, http.StatusOK, map[string]any{"success": true, "order_code": orderCode})
}
