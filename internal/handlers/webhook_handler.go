package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/shopledger/backend/internal/services"
)

type Reconciler interface {
	Reconcile(ctx context.Context, req services.ReconcileRequest) (*services.ReconcileResult, error)
}

type WebhookHandler struct {
	reconciler Reconciler
	validator  *services.ValidationHelper
	log        *logrus.Logger
}

func NewWebhookHandler(reconciler Reconciler, log *logrus.Logger) *WebhookHandler {
	return &WebhookHandler{
		reconciler: reconciler,
		validator:  services.NewValidationHelper(),
		log:        log,
	}
}

// PaymentCallback applies a signed provider callback. Replays answer 200 with
// duplicate set so the provider stops retrying.
func (h *WebhookHandler) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	var req services.ReconcileRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	entry := h.log.WithFields(logrus.Fields{
		"order_code":   req.OrderCode,
		"provider_ref": req.ProviderRef,
		"amount":       req.Amount,
	})

	result, err := h.reconciler.Reconcile(r.Context(), req)
	if err != nil {
		if errors.Is(err, services.ErrOrderNotFound) {
			entry.Warn("callback for unknown order")
		} else {
			entry.WithError(err).Error("reconciliation failed")
		}
		services.SendServiceError(w, err)
		return
	}

	entry.WithFields(logrus.Fields{
		"duplicate": result.Duplicate,
		"ignored":   result.Ignored,
		"settled":   result.Settled,
	}).Info("payment callback applied")

	services.SendJSON(w, http.StatusOK, result)
}
