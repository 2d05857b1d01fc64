package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopledger/backend/internal/models"
)

func TestValidationHelper_ValidateStruct(t *testing.T) {
	vh := NewValidationHelper()

	t.Run("valid settle request", func(t *testing.T) {
		req := SettleRequest{
			AccountID: "acct-1",
			Amount:    150,
			Items: []models.LineItem{
				{ProductReference: "sku-1", Price: 100},
				{ProductReference: "sku-2", Price: 50, Extra: models.Extra{"link": "https://example.com/p/1"}},
			},
		}

		assert.NoError(t, vh.ValidateStruct(&req))
	})

	t.Run("missing fields", func(t *testing.T) {
		req := SettleRequest{
			Amount: 0,
		}

		err := vh.ValidateStruct(&req)
		require.Error(t, err)

		validationErrors, ok := err.(validator.ValidationErrors)
		require.True(t, ok)
		assert.Len(t, validationErrors, 3) // AccountID, Amount, Items
	})

	t.Run("item without price", func(t *testing.T) {
		req := SettleRequest{
			AccountID: "acct-1",
			Amount:    100,
			Items:     []models.LineItem{{ProductReference: "sku-1"}},
		}

		err := vh.ValidateStruct(&req)
		require.Error(t, err)

		validationErrors, ok := err.(validator.ValidationErrors)
		require.True(t, ok)
		assert.Equal(t, "Price", validationErrors[0].Field())
		assert.Equal(t, "gt", validationErrors[0].Tag())
	})

	t.Run("extra over bounds", func(t *testing.T) {
		req := SettleRequest{
			AccountID: "acct-1",
			Amount:    100,
			Items: []models.LineItem{{
				ProductReference: "sku-1",
				Price:            100,
				Extra:            models.Extra{"note": strings.Repeat("x", models.MaxExtraValueBytes+1)},
			}},
		}

		err := vh.ValidateStruct(&req)
		require.Error(t, err)

		validationErrors, ok := err.(validator.ValidationErrors)
		require.True(t, ok)
		assert.Equal(t, "extra_bounds", validationErrors[0].Tag())
	})
}

func TestSendErrorResponse(t *testing.T) {
	t.Run("error response without validation errors", func(t *testing.T) {
		w := httptest.NewRecorder()

		SendErrorResponse(w, "Something went wrong", http.StatusInternalServerError, nil)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var response ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "Something went wrong", response.Error)
		assert.Nil(t, response.Details)
	})

	t.Run("error response with validation errors", func(t *testing.T) {
		vh := NewValidationHelper()
		validationErr := vh.ValidateStruct(&CancelRequest{Refund: -1})
		require.Error(t, validationErr)

		w := httptest.NewRecorder()
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, validationErr)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "Validation failed", response.Error)
		assert.Contains(t, response.Details, "OrderCode")
		assert.Contains(t, response.Details, "Refund")
	})

	t.Run("non-validation error is not expanded", func(t *testing.T) {
		w := httptest.NewRecorder()

		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, errors.New("boom"))

		var response ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Nil(t, response.Details)
	})
}

func TestSendServiceError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		retryable bool
	}{
		{"insufficient balance", ErrInsufficientBalance, http.StatusPaymentRequired, false},
		{"amount mismatch", fmt.Errorf("%w: items 1, amount 2", ErrAmountMismatch), http.StatusBadRequest, false},
		{"refund too large", ErrRefundExceedsPrice, http.StatusBadRequest, false},
		{"not found", ErrOrderNotFound, http.StatusNotFound, false},
		{"invalid transition", ErrInvalidTransition, http.StatusConflict, false},
		{"exhausted", ErrCodeGenerationExhausted, http.StatusServiceUnavailable, true},
		{"unique violation", &pq.Error{Code: "23505", Constraint: "orders_pkey"}, http.StatusServiceUnavailable, true},
		{"lock timeout", &pq.Error{Code: "55P03"}, http.StatusServiceUnavailable, true},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			SendServiceError(w, tt.err)

			assert.Equal(t, tt.status, w.Code)

			var response ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
			assert.Equal(t, tt.retryable, response.Retryable)
			if tt.status == http.StatusInternalServerError {
				assert.NotContains(t, response.Error, "disk")
			}
		})
	}
}
