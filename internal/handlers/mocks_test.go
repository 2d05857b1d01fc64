package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	mW "github.com/shopledger/backend/internal/middleware"
	"github.com/shopledger/backend/internal/models"
	"github.com/shopledger/backend/internal/services"
)

type MockCodeIssuer struct {
	mock.Mock
}

func (m *MockCodeIssuer) Generate(ctx context.Context, accountID string, count int) (*services.CodeSet, error) {
	args := m.Called(ctx, accountID, count)
	set, _ := args.Get(0).(*services.CodeSet)
	return set, args.Error(1)
}

type MockSettler struct {
	mock.Mock
}

func (m *MockSettler) SettleWithRetry(ctx context.Context, req services.SettleRequest, attempts int) (*services.SettleResult, error) {
	args := m.Called(ctx, req, attempts)
	res, _ := args.Get(0).(*services.SettleResult)
	return res, args.Error(1)
}

func (m *MockSettler) CreatePendingOrder(ctx context.Context, accountID string, items []models.LineItem) (*services.PendingOrder, error) {
	args := m.Called(ctx, accountID, items)
	order, _ := args.Get(0).(*services.PendingOrder)
	return order, args.Error(1)
}

type MockQR struct {
	mock.Mock
}

func (m *MockQR) Generate(order *services.PendingOrder) (string, string, error) {
	args := m.Called(order)
	return args.String(0), args.String(1), args.Error(2)
}

type MockBalances struct {
	mock.Mock
}

func (m *MockBalances) Balance(ctx context.Context, accountID string) (int64, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).(int64), args.Error(1)
}

type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) History(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	args := m.Called(ctx, accountID, limit)
	entries, _ := args.Get(0).([]models.LedgerEntry)
	return entries, args.Error(1)
}

func (m *MockLedger) Latest(ctx context.Context, accountID string) (*models.LedgerEntry, error) {
	args := m.Called(ctx, accountID)
	entry, _ := args.Get(0).(*models.LedgerEntry)
	return entry, args.Error(1)
}

type MockOrders struct {
	mock.Mock
}

func (m *MockOrders) Get(ctx context.Context, orderCode string) (*services.OrderView, error) {
	args := m.Called(ctx, orderCode)
	view, _ := args.Get(0).(*services.OrderView)
	return view, args.Error(1)
}

func (m *MockOrders) Cancel(ctx context.Context, req services.CancelRequest) (*services.CancelResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*services.CancelResult)
	return res, args.Error(1)
}

func (m *MockOrders) MarkFulfilled(ctx context.Context, orderCode string) error {
	return m.Called(ctx, orderCode).Error(0)
}

type MockReconciler struct {
	mock.Mock
}

func (m *MockReconciler) Reconcile(ctx context.Context, req services.ReconcileRequest) (*services.ReconcileResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*services.ReconcileResult)
	return res, args.Error(1)
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// serve routes a single request through a chi router so URL params resolve
func serve(method, pattern, target string, body string, accountID, role string, h http.HandlerFunc) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Method(method, pattern, h)

	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if accountID != "" {
		req = req.WithContext(mW.WithAccount(req.Context(), accountID, role))
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}
