package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/shopledger/backend/internal/models"
	"github.com/shopledger/backend/internal/services"
)

func newCheckout() (*CheckoutHandler, *MockCodeIssuer, *MockSettler, *MockQR) {
	codes := new(MockCodeIssuer)
	settler := new(MockSettler)
	qr := new(MockQR)
	return NewCheckoutHandler(codes, settler, qr, testLogger()), codes, settler, qr
}

func TestReserveCodes(t *testing.T) {
	h, codes, _, _ := newCheckout()
	set := &services.CodeSet{
		OrderCodes:      []string{"DH261016103000123456", "DH261016103000654321"},
		TransactionCode: "ABCDEFGHJK",
		ExpiresAt:       time.Date(2026, 10, 16, 10, 40, 0, 0, time.UTC),
	}
	codes.On("Generate", mock.Anything, "acct-1", 2).Return(set, nil)

	rec := serve(http.MethodPost, "/checkout/codes", "/checkout/codes", `{"count":2}`, "acct-1", "", h.ReserveCodes)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ABCDEFGHJK", body["codes"].(map[string]any)["transaction_code"])
	codes.AssertExpectations(t)
}

func TestReserveCodes_Unauthenticated(t *testing.T) {
	h, codes, _, _ := newCheckout()

	rec := serve(http.MethodPost, "/checkout/codes", "/checkout/codes", `{"count":2}`, "", "", h.ReserveCodes)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	codes.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything)
}

func TestReserveCodes_InvalidCount(t *testing.T) {
	h, codes, _, _ := newCheckout()

	for _, body := range []string{`{"count":0}`, `{"count":101}`, `{"count":"two"}`} {
		rec := serve(http.MethodPost, "/checkout/codes", "/checkout/codes", body, "acct-1", "", h.ReserveCodes)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	codes.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything)
}

func TestPayWithWallet(t *testing.T) {
	items := []models.LineItem{
		{ProductReference: "likes-1k", Price: 30000},
		{ProductReference: "views-10k", Price: 20000, Extra: models.Extra{"link": "https://example.com/p/1"}},
	}
	body := `{"amount":50000,"items":[{"product_reference":"likes-1k","price":30000},` +
		`{"product_reference":"views-10k","price":20000,"extra":{"link":"https://example.com/p/1"}}]}`

	t.Run("settled", func(t *testing.T) {
		h, _, settler, _ := newCheckout()
		settler.On("SettleWithRetry", mock.Anything, services.SettleRequest{
			AccountID: "acct-1",
			Amount:    50000,
			Items:     items,
		}, 0).Return(&services.SettleResult{
			NewBalance:      25000,
			TransactionCode: "ABCDEFGHJK",
			OrderCodes:      []string{"DH1", "DH2"},
		}, nil)

		rec := serve(http.MethodPost, "/checkout/wallet", "/checkout/wallet", body, "acct-1", "", h.PayWithWallet)

		assert.Equal(t, http.StatusCreated, rec.Code)
		result := decodeBody(t, rec)["result"].(map[string]any)
		assert.Equal(t, float64(25000), result["new_balance"])
		settler.AssertExpectations(t)
	})

	t.Run("insufficient balance", func(t *testing.T) {
		h, _, settler, _ := newCheckout()
		settler.On("SettleWithRetry", mock.Anything, mock.Anything, 0).
			Return(nil, fmt.Errorf("account acct-1: %w", services.ErrInsufficientBalance))

		rec := serve(http.MethodPost, "/checkout/wallet", "/checkout/wallet", body, "acct-1", "", h.PayWithWallet)

		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
		assert.Nil(t, decodeBody(t, rec)["retryable"])
	})

	t.Run("contention is retryable", func(t *testing.T) {
		h, _, settler, _ := newCheckout()
		settler.On("SettleWithRetry", mock.Anything, mock.Anything, 0).Return(nil, services.ErrCodeCollision)

		rec := serve(http.MethodPost, "/checkout/wallet", "/checkout/wallet", body, "acct-1", "", h.PayWithWallet)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, true, decodeBody(t, rec)["retryable"])
	})

	t.Run("unauthenticated", func(t *testing.T) {
		h, _, settler, _ := newCheckout()
		rec := serve(http.MethodPost, "/checkout/wallet", "/checkout/wallet", body, "", "", h.PayWithWallet)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		settler.AssertNotCalled(t, "SettleWithRetry", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestPayWithWallet_RejectsMalformedBodies(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown field", `{"amount":100,"items":[{"product_reference":"a","price":100}],"coupon":"X"}`},
		{"two objects", `{"amount":100,"items":[{"product_reference":"a","price":100}]}{}`},
		{"zero amount", `{"amount":0,"items":[{"product_reference":"a","price":100}]}`},
		{"no items", `{"amount":100,"items":[]}`},
		{"zero price", `{"amount":100,"items":[{"product_reference":"a","price":0}]}`},
		{"not json", `amount=100`},
		{"oversized supplied code", `{"amount":100,"items":[{"product_reference":"a","price":100}],` +
			`"codes":{"order_codes":["` + strings.Repeat("9", 41) + `"],"transaction_code":"GDTX1"}}`},
		{"supplied codes without transaction code", `{"amount":100,"items":[{"product_reference":"a","price":100}],` +
			`"codes":{"order_codes":["DH1"]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, settler, _ := newCheckout()
			rec := serve(http.MethodPost, "/checkout/wallet", "/checkout/wallet", tt.body, "acct-1", "", h.PayWithWallet)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			settler.AssertNotCalled(t, "SettleWithRetry", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestPayByTransfer(t *testing.T) {
	h, _, settler, qr := newCheckout()
	items := []models.LineItem{{ProductReference: "likes-1k", Price: 30000}}
	order := &services.PendingOrder{
		PaymentReference: "DH261016103000123456",
		OrderCodes:       []string{"DH261016103000123456"},
		Amount:           30000,
		ExpiresAt:        time.Date(2026, 10, 17, 10, 30, 0, 0, time.UTC),
	}
	settler.On("CreatePendingOrder", mock.Anything, "acct-1", items).Return(order, nil)
	qr.On("Generate", order).Return("https://pay.example/qr?amount=30000", "aW1hZ2U=", nil)

	rec := serve(http.MethodPost, "/checkout/transfer", "/checkout/transfer",
		`{"items":[{"product_reference":"likes-1k","price":30000}]}`, "acct-1", "", h.PayByTransfer)

	assert.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "aW1hZ2U=", body["qrImage"])
	assert.Equal(t, "https://pay.example/qr?amount=30000", body["qrCode"])
	settler.AssertExpectations(t)
	qr.AssertExpectations(t)
}
