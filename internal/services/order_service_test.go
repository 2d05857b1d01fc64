package services

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopledger/backend/internal/audit"
	"github.com/shopledger/backend/internal/models"
)

var fulfillmentColumns = []string{"id", "order_code", "account_id", "product_reference", "price", "status", "slot", "note", "supply", "expiry", "extra", "created_at"}

func newTestOrderService(t *testing.T) (*OrderService, sqlmock.Sqlmock) {
	db, m := newMockDB(t)
	log := testLogger()
	cfg := testSettlementConfig()

	svc := NewOrderService(db, NewCodeGenerator(db, nil, cfg, log), NewWalletStore(db), NewLedgerWriter(db), audit.NewLogger(log), cfg, log)
	svc.now = func() time.Time { return fixedNow }
	return svc, m
}

func expectLockFulfillment(m sqlmock.Sqlmock, orderCode, status string) {
	m.ExpectQuery("SELECT id, order_code, (.+) FROM order_fulfillments WHERE order_code = \\$1 FOR UPDATE").
		WithArgs(orderCode).
		WillReturnRows(sqlmock.NewRows(fulfillmentColumns).
			AddRow(7, orderCode, "acct-1", "sku-1", 100, status, 1, "note", "", "", nil, fixedNow.Add(-time.Hour)))
}

func expectMove(m sqlmock.Sqlmock, orderCode string, refund int64, reason string) {
	m.ExpectExec("INSERT INTO order_canceled").
		WithArgs(orderCode, "acct-1", "sku-1", 100, "CANCELED", 1, "note", "", "", sqlmock.AnyArg(), refund, reason, sqlmock.AnyArg(), fixedNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	m.ExpectExec("DELETE FROM order_fulfillments WHERE id = \\$1").
		WithArgs(7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	m.ExpectExec("UPDATE orders SET status = \\$1 WHERE order_code = \\$2").
		WithArgs("CANCELED", orderCode).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestOrderService_Cancel(t *testing.T) {
	ctx := context.Background()

	t.Run("moves the fulfillment row to canceled", func(t *testing.T) {
		svc, m := newTestOrderService(t)

		m.ExpectBegin()
		expectLockFulfillment(m, "DH1", "FULFILLING")
		expectMove(m, "DH1", 0, "customer request")
		m.ExpectCommit()

		result, err := svc.Cancel(ctx, CancelRequest{OrderCode: "DH1", Reason: "customer request"})
		require.NoError(t, err)
		assert.True(t, result.Canceled)
		assert.Empty(t, result.RefundTransactionCode)
		assert.Nil(t, result.NewBalance)
		assert.NoError(t, m.ExpectationsWereMet())
	})

	t.Run("refund is credited in the same transaction", func(t *testing.T) {
		svc, m := newTestOrderService(t)

		m.ExpectBegin()
		expectLockFulfillment(m, "DH1", "FULFILLING")
		expectMove(m, "DH1", 40, "out of stock")
		expectWalletLock(m, "acct-1", 50)
		expectCodesTaken(m, 0)
		expectCredit(m, "acct-1", 40)
		expectLedger(m, sqlmock.AnyArg(), "acct-1", "CREDIT", 40, 50, 90, "REFUND", "")
		m.ExpectCommit()

		result, err := svc.Cancel(ctx, CancelRequest{OrderCode: "DH1", Refund: 40, Reason: "out of stock"})
		require.NoError(t, err)
		assert.True(t, result.Canceled)
		assert.Regexp(t, `^GD`, result.RefundTransactionCode)
		require.NotNil(t, result.NewBalance)
		assert.Equal(t, int64(90), *result.NewBalance)
		assert.NoError(t, m.ExpectationsWereMet())
	})

	t.Run("unknown order code is not canceled", func(t *testing.T) {
		svc, m := newTestOrderService(t)

		m.ExpectBegin()
		m.ExpectQuery("FROM order_fulfillments").WithArgs("DH404").WillReturnError(sql.ErrNoRows)
		m.ExpectRollback()

		result, err := svc.Cancel(ctx, CancelRequest{OrderCode: "DH404"})
		require.NoError(t, err)
		assert.False(t, result.Canceled)
		assert.NoError(t, m.ExpectationsWereMet())
	})

	t.Run("fulfilled order cannot be canceled", func(t *testing.T) {
		svc, m := newTestOrderService(t)

		m.ExpectBegin()
		expectLockFulfillment(m, "DH1", "FULFILLED")
		m.ExpectRollback()

		_, err := svc.Cancel(ctx, CancelRequest{OrderCode: "DH1"})
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.NoError(t, m.ExpectationsWereMet())
	})

	t.Run("refund above price", func(t *testing.T) {
		svc, m := newTestOrderService(t)

		m.ExpectBegin()
		expectLockFulfillment(m, "DH1", "FULFILLING")
		m.ExpectRollback()

		_, err := svc.Cancel(ctx, CancelRequest{OrderCode: "DH1", Refund: 101})
		assert.ErrorIs(t, err, ErrRefundExceedsPrice)
		assert.NoError(t, m.ExpectationsWereMet())
	})
}

func TestOrderService_MarkFulfilled(t *testing.T) {
	ctx := context.Background()

	t.Run("fulfilling to fulfilled", func(t *testing.T) {
		svc, m := newTestOrderService(t)

		m.ExpectBegin()
		m.ExpectQuery("SELECT status FROM order_fulfillments WHERE order_code = \\$1 FOR UPDATE").
			WithArgs("DH1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("FULFILLING"))
		m.ExpectExec("UPDATE order_fulfillments SET status = \\$1").
			WithArgs("FULFILLED", fixedNow, "DH1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		m.ExpectExec("UPDATE orders SET status = \\$1 WHERE order_code = \\$2").
			WithArgs("FULFILLED", "DH1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		m.ExpectCommit()

		assert.NoError(t, svc.MarkFulfilled(ctx, "DH1"))
		assert.NoError(t, m.ExpectationsWereMet())
	})

	t.Run("canceled is terminal", func(t *testing.T) {
		svc, m := newTestOrderService(t)

		m.ExpectBegin()
		m.ExpectQuery("SELECT status FROM order_fulfillments").
			WithArgs("DH1").
			WillReturnError(sql.ErrNoRows)
		m.ExpectRollback()

		assert.ErrorIs(t, svc.MarkFulfilled(ctx, "DH1"), ErrOrderNotFound)
		assert.NoError(t, m.ExpectationsWereMet())
	})
}

func TestOrderService_ExpireStale(t *testing.T) {
	svc, m := newTestOrderService(t)

	m.ExpectExec("WITH stale AS \\( DELETE FROM orders").
		WithArgs(fixedNow.Add(-30*time.Minute), fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := svc.ExpireStale(context.Background(), 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, m.ExpectationsWereMet())
}

func TestOrderService_Get(t *testing.T) {
	ctx := context.Background()
	viewColumns := []string{"order_code", "account_id", "status", "payment_reference", "product_reference", "price",
		"created_at", "paid_at", "refund", "reason", "canceled_at"}

	t.Run("live order reports the fulfillment status", func(t *testing.T) {
		svc, m := newTestOrderService(t)

		m.ExpectQuery("SELECT o.order_code").
			WithArgs("DH1").
			WillReturnRows(sqlmock.NewRows(viewColumns).
				AddRow("DH1", "acct-1", "FULFILLING", "GDTX1", "sku-1", 100, fixedNow, fixedNow, nil, nil, nil))

		view, err := svc.Get(ctx, "DH1")
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusFulfilling, view.Status)
		assert.Equal(t, "Đang Tạo Đơn", view.StatusLabel)
		assert.Nil(t, view.Refund)
	})

	t.Run("canceled order carries refund", func(t *testing.T) {
		svc, m := newTestOrderService(t)

		m.ExpectQuery("SELECT o.order_code").
			WithArgs("DH1").
			WillReturnRows(sqlmock.NewRows(viewColumns).
				AddRow("DH1", "acct-1", "CANCELED", "GDTX1", "sku-1", 100, fixedNow, fixedNow, 40, "out of stock", fixedNow))

		view, err := svc.Get(ctx, "DH1")
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusCanceled, view.Status)
		require.NotNil(t, view.Refund)
		assert.Equal(t, int64(40), *view.Refund)
		assert.Equal(t, "out of stock", view.CancelReason)
	})

	t.Run("expired order", func(t *testing.T) {
		svc, m := newTestOrderService(t)

		m.ExpectQuery("SELECT o.order_code").WithArgs("DH9").WillReturnError(sql.ErrNoRows)
		m.ExpectQuery("FROM order_expired").
			WithArgs("DH9").
			WillReturnRows(sqlmock.NewRows([]string{"order_code", "account_id", "payment_reference", "product_reference", "price", "created_at", "expired_at"}).
				AddRow("DH9", "acct-1", "GDREF", "sku-1", 100, fixedNow.Add(-time.Hour), fixedNow))

		view, err := svc.Get(ctx, "DH9")
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusExpired, view.Status)
		assert.Equal(t, "Hết Hạn", view.StatusLabel)
	})

	t.Run("unknown order", func(t *testing.T) {
		svc, m := newTestOrderService(t)

		m.ExpectQuery("SELECT o.order_code").WithArgs("DH0").WillReturnError(sql.ErrNoRows)
		m.ExpectQuery("FROM order_expired").WithArgs("DH0").WillReturnError(sql.ErrNoRows)

		_, err := svc.Get(ctx, "DH0")
		assert.ErrorIs(t, err, ErrOrderNotFound)
	})
}
