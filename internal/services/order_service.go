package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shopledger/backend/internal/audit"
	"github.com/shopledger/backend/internal/config"
	"github.com/shopledger/backend/internal/metrics"
	"github.com/shopledger/backend/internal/models"
)

const lockFulfillmentQuery = `
	SELECT id, order_code, account_id, product_reference, price, status, slot, note, supply, expiry, extra, created_at
	FROM order_fulfillments
	WHERE order_code = $1
	FOR UPDATE`

const insertCanceledQuery = `
	INSERT INTO order_canceled
	(order_code, account_id, product_reference, price, status, slot, note, supply, expiry, extra, refund, reason, created_at, canceled_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

const expireStaleQuery = `
	WITH stale AS (
		DELETE FROM orders
		WHERE status = 'PENDING_PAYMENT' AND created_at < $1
		RETURNING order_code, account_id, product_reference, price, payment_reference, created_at
	)
	INSERT INTO order_expired (order_code, account_id, product_reference, price, payment_reference, created_at, expired_at)
	SELECT order_code, account_id, product_reference, price, payment_reference, created_at, $2
	FROM stale`

const orderViewQuery = `
	SELECT o.order_code, o.account_id, COALESCE(f.status, o.status), COALESCE(o.payment_reference, ''),
		o.product_reference, o.price, o.created_at, o.paid_at, c.refund, c.reason, c.canceled_at
	FROM orders o
	LEFT JOIN order_fulfillments f ON f.order_code = o.order_code
	LEFT JOIN order_canceled c ON c.order_code = o.order_code
	WHERE o.order_code = $1`

const expiredViewQuery = `
	SELECT order_code, account_id, COALESCE(payment_reference, ''), product_reference, price, created_at, expired_at
	FROM order_expired
	WHERE order_code = $1`

type CancelRequest struct {
	OrderCode string `json:"order_code" validate:"required,max=40"`
	// Refund credited back to the buyer's wallet, at most the item price
	Refund int64  `json:"refund" validate:"gte=0"`
	Reason string `json:"reason" validate:"max=500"`
}

type CancelResult struct {
	Canceled              bool   `json:"canceled"`
	RefundTransactionCode string `json:"refund_transaction_code,omitempty"`
	NewBalance            *int64 `json:"new_balance,omitempty"`
}

// OrderView is the status of one order code wherever it currently lives
type OrderView struct {
	OrderCode        string             `json:"order_code"`
	AccountID        string             `json:"account_id"`
	Status           models.OrderStatus `json:"status"`
	StatusLabel      string             `json:"status_label"`
	PaymentReference string             `json:"payment_reference,omitempty"`
	ProductReference string             `json:"product_reference"`
	Price            int64              `json:"price"`
	CreatedAt        time.Time          `json:"created_at"`
	PaidAt           *time.Time         `json:"paid_at,omitempty"`
	Refund           *int64             `json:"refund,omitempty"`
	CancelReason     string             `json:"cancel_reason,omitempty"`
	ClosedAt         *time.Time         `json:"closed_at,omitempty"`
}

type OrderService struct {
	db      *sql.DB
	codes   *CodeGenerator
	wallets *WalletStore
	ledger  *LedgerWriter
	audit   *audit.Logger
	log     *logrus.Logger
	timeout time.Duration
	now     func() time.Time
}

func NewOrderService(db *sql.DB, codes *CodeGenerator, wallets *WalletStore, ledger *LedgerWriter, auditLog *audit.Logger, cfg config.SettlementConfig, log *logrus.Logger) *OrderService {
	return &OrderService{
		db:      db,
		codes:   codes,
		wallets: wallets,
		ledger:  ledger,
		audit:   auditLog,
		log:     log,
		timeout: cfg.Timeout,
		now:     time.Now,
	}
}

// Cancel moves a FULFILLING row from order_fulfillments to order_canceled and
// marks its shell CANCELED, optionally refunding part or all of the price.
// An order code with no fulfillment row yields Canceled=false.
func (s *OrderService) Cancel(ctx context.Context, req CancelRequest) (*CancelResult, error) {
	if req.Refund < 0 {
		return nil, ErrInvalidAmount
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin cancel: %w", err)
	}
	defer tx.Rollback()

	record, err := scanFulfillment(tx.QueryRowContext(ctx, lockFulfillmentQuery, req.OrderCode))
	if errors.Is(err, sql.ErrNoRows) {
		metrics.Cancellations.WithLabelValues("not_found").Inc()
		return &CancelResult{Canceled: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock fulfillment: %w", err)
	}

	if record.Status != models.OrderStatusFulfilling {
		metrics.Cancellations.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, req.OrderCode, record.Status)
	}
	if req.Refund > record.Price {
		return nil, fmt.Errorf("%w: refund %d, price %d", ErrRefundExceedsPrice, req.Refund, record.Price)
	}

	now := s.now()
	if _, err := tx.ExecContext(ctx, insertCanceledQuery,
		record.OrderCode, record.AccountID, record.ProductReference, record.Price, string(models.OrderStatusCanceled),
		record.Slot, record.Note, record.Supply, record.Expiry, record.Extra,
		req.Refund, req.Reason, record.CreatedAt, now); err != nil {
		return nil, fmt.Errorf("copy to canceled: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM order_fulfillments WHERE id = $1`, record.ID); err != nil {
		return nil, fmt.Errorf("delete fulfillment: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE orders SET status = $1 WHERE order_code = $2`,
		string(models.OrderStatusCanceled), record.OrderCode); err != nil {
		return nil, fmt.Errorf("cancel order: %w", err)
	}

	result := &CancelResult{Canceled: true}
	if req.Refund > 0 {
		wallet, err := s.wallets.Lock(ctx, tx, record.AccountID)
		if err != nil {
			return nil, err
		}
		code, err := s.codes.TransactionCodeTx(ctx, tx)
		if err != nil {
			return nil, err
		}
		if err := s.wallets.Credit(ctx, tx, record.AccountID, req.Refund); err != nil {
			return nil, err
		}
		entry := creditEntry(code, wallet, req.Refund, models.EntryTypeRefund, "")
		if err := s.ledger.Append(ctx, tx, entry); err != nil {
			return nil, err
		}
		result.RefundTransactionCode = code
		result.NewBalance = &entry.BalanceAfter
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit cancel: %w", err)
	}

	metrics.Cancellations.WithLabelValues("canceled").Inc()
	s.audit.LogOperation(result.RefundTransactionCode, record.AccountID, "CANCEL", req.Refund,
		fmt.Sprintf("order %s: %s", record.OrderCode, req.Reason))
	return result, nil
}

// MarkFulfilled is the operator's completion action: FULFILLING -> FULFILLED.
func (s *OrderService) MarkFulfilled(ctx context.Context, orderCode string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM order_fulfillments WHERE order_code = $1 FOR UPDATE`, orderCode).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrOrderNotFound
	}
	if err != nil {
		return err
	}
	if models.OrderStatus(status) != models.OrderStatusFulfilling {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, orderCode, status)
	}

	now := s.now()
	if _, err := tx.ExecContext(ctx, `UPDATE order_fulfillments SET status = $1, updated_at = $2 WHERE order_code = $3`,
		string(models.OrderStatusFulfilled), now, orderCode); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE orders SET status = $1 WHERE order_code = $2`,
		string(models.OrderStatusFulfilled), orderCode); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.log.WithField("order_code", orderCode).Info("order fulfilled")
	return nil
}

// ExpireStale moves PENDING_PAYMENT shells older than olderThan into
// order_expired. Shells locked by a concurrent reconciliation are skipped
// once it commits them as CREATED.
func (s *OrderService) ExpireStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := s.now()
	result, err := s.db.ExecContext(ctx, expireStaleQuery, now.Add(-olderThan), now)
	if err != nil {
		return 0, fmt.Errorf("expire stale orders: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.WithField("count", n).Info("expired unpaid orders")
	}
	return n, nil
}

// Get returns the current status of an order code across the order tables.
func (s *OrderService) Get(ctx context.Context, orderCode string) (*OrderView, error) {
	var view OrderView
	var status string
	var refund sql.NullInt64
	var reason sql.NullString
	var canceledAt sql.NullTime
	err := s.db.QueryRowContext(ctx, orderViewQuery, orderCode).Scan(
		&view.OrderCode, &view.AccountID, &status, &view.PaymentReference,
		&view.ProductReference, &view.Price, &view.CreatedAt, &view.PaidAt,
		&refund, &reason, &canceledAt)
	if err == nil {
		view.Status = models.OrderStatus(status)
		if refund.Valid {
			view.Status = models.OrderStatusCanceled
			view.Refund = &refund.Int64
			view.CancelReason = reason.String
			view.ClosedAt = &canceledAt.Time
		}
		view.StatusLabel = view.Status.Label()
		return &view, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	var expiredAt time.Time
	err = s.db.QueryRowContext(ctx, expiredViewQuery, orderCode).Scan(
		&view.OrderCode, &view.AccountID, &view.PaymentReference,
		&view.ProductReference, &view.Price, &view.CreatedAt, &expiredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	view.Status = models.OrderStatusExpired
	view.StatusLabel = view.Status.Label()
	view.ClosedAt = &expiredAt
	return &view, nil
}

func scanFulfillment(row *sql.Row) (*models.FulfillmentRecord, error) {
	var r models.FulfillmentRecord
	var status string
	if err := row.Scan(&r.ID, &r.OrderCode, &r.AccountID, &r.ProductReference, &r.Price, &status,
		&r.Slot, &r.Note, &r.Supply, &r.Expiry, &r.Extra, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Status = models.OrderStatus(status)
	return &r, nil
}
