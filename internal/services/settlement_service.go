package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shopledger/backend/internal/audit"
	"github.com/shopledger/backend/internal/config"
	"github.com/shopledger/backend/internal/metrics"
	"github.com/shopledger/backend/internal/models"
)

const (
	retryBaseDelay = 50 * time.Millisecond
	retryMaxDelay  = time.Second
)

const insertShellQuery = `
	INSERT INTO orders
	(order_code, account_id, status, payment_reference, product_reference, price, extra, created_at, paid_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// Dispatcher hands a committed settlement to the side-effect pipeline
type Dispatcher interface {
	Dispatch(job SideEffectJob)
}

type SettleRequest struct {
	AccountID string            `json:"account_id" validate:"required,max=64"`
	Amount    int64             `json:"amount" validate:"gt=0"`
	Items     []models.LineItem `json:"items" validate:"required,min=1,dive"`
	// Codes previously handed out by CodeGenerator.Generate; generated when nil
	Codes *CodeSet `json:"codes,omitempty"`
}

type SettleResult struct {
	NewBalance      int64    `json:"new_balance"`
	TransactionCode string   `json:"transaction_code"`
	OrderCodes      []string `json:"order_codes"`
}

// PendingOrder is an external checkout awaiting a provider callback
type PendingOrder struct {
	PaymentReference string    `json:"payment_reference"`
	OrderCodes       []string  `json:"order_codes"`
	Amount           int64     `json:"amount"`
	ExpiresAt        time.Time `json:"expires_at"`
}

type SettlementService struct {
	db          *sql.DB
	codes       *CodeGenerator
	wallets     *WalletStore
	ledger      *LedgerWriter
	pipeline    Dispatcher
	audit       *audit.Logger
	log         *logrus.Logger
	timeout     time.Duration
	maxAttempts int
	maxItems    int
	pendingTTL  time.Duration
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewSettlementService(
	db *sql.DB,
	codes *CodeGenerator,
	wallets *WalletStore,
	ledger *LedgerWriter,
	pipeline Dispatcher,
	auditLog *audit.Logger,
	cfg config.SettlementConfig,
	pendingTTL time.Duration,
	log *logrus.Logger,
) *SettlementService {
	return &SettlementService{
		db:          db,
		codes:       codes,
		wallets:     wallets,
		ledger:      ledger,
		pipeline:    pipeline,
		audit:       auditLog,
		log:         log,
		timeout:     cfg.Timeout,
		maxAttempts: cfg.MaxAttempts,
		maxItems:    cfg.MaxItems,
		pendingTTL:  pendingTTL,
		now:         time.Now,
		sleep:       sleepContext,
	}
}

// Settle debits the wallet, writes the ledger entry and one shell per item in
// a single transaction, then hands the result to the side-effect pipeline.
// Any failure before commit leaves no trace in the wallet, ledger or orders.
func (s *SettlementService) Settle(ctx context.Context, req SettleRequest) (*SettleResult, error) {
	if err := s.validate(req.Amount, req.Items); err != nil {
		return nil, err
	}

	codes := req.Codes
	if codes == nil {
		generated, err := s.codes.Generate(ctx, req.AccountID, len(req.Items))
		if err != nil {
			s.fail(req.AccountID, "", err)
			return nil, err
		}
		codes = generated
	} else if err := s.codes.CheckSupplied(ctx, req.AccountID, codes, len(req.Items)); err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := s.settleTx(ctx, req, codes)
	if err != nil {
		s.fail(req.AccountID, codes.TransactionCode, err)
		return nil, err
	}
	metrics.SettlementLatency.Observe(time.Since(start).Seconds())
	metrics.Settlements.WithLabelValues("success").Inc()
	s.audit.LogSettlement(codes.TransactionCode, req.AccountID, req.Amount, codes.OrderCodes, "COMMITTED")

	s.pipeline.Dispatch(SideEffectJob{
		AccountID:       req.AccountID,
		TransactionCode: codes.TransactionCode,
		PaymentMethod:   models.PaymentMethodWallet,
		TotalAmount:     req.Amount,
		Items:           jobItems(codes.OrderCodes, req.Items),
		CreatedAt:       s.now(),
	})

	return result, nil
}

func (s *SettlementService) settleTx(ctx context.Context, req SettleRequest, codes *CodeSet) (*SettleResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin settlement: %w", err)
	}
	defer tx.Rollback()

	wallet, err := s.wallets.Lock(ctx, tx, req.AccountID)
	if err != nil {
		return nil, err
	}

	if err := s.codes.Verify(ctx, tx, codes); err != nil {
		return nil, err
	}

	if wallet.Balance < req.Amount {
		return nil, ErrInsufficientBalance
	}
	if err := s.wallets.Debit(ctx, tx, req.AccountID, req.Amount); err != nil {
		return nil, err
	}

	entry := debitEntry(codes.TransactionCode, wallet, req.Amount, models.EntryTypePurchase, "")
	if err := s.ledger.Append(ctx, tx, entry); err != nil {
		return nil, err
	}

	now := s.now()
	for i, item := range req.Items {
		if _, err := tx.ExecContext(ctx, insertShellQuery,
			codes.OrderCodes[i], req.AccountID, string(models.OrderStatusCreated), codes.TransactionCode,
			item.ProductReference, item.Price, item.Extra, now, now); err != nil {
			return nil, fmt.Errorf("insert order %s: %w", codes.OrderCodes[i], asCollision(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit settlement: %w", err)
	}

	return &SettleResult{
		NewBalance:      entry.BalanceAfter,
		TransactionCode: codes.TransactionCode,
		OrderCodes:      codes.OrderCodes,
	}, nil
}

// SettleWithRetry retries transient failures with freshly generated codes.
// Business rejections such as insufficient balance are returned at once.
func (s *SettlementService) SettleWithRetry(ctx context.Context, req SettleRequest, attempts int) (*SettleResult, error) {
	if attempts <= 0 {
		attempts = s.maxAttempts
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var result *SettleResult
		result, err = s.Settle(ctx, req)
		if err == nil || !IsTransient(err) {
			return result, err
		}

		req.Codes = nil
		s.log.WithFields(logrus.Fields{
			"account_id": req.AccountID,
			"attempt":    attempt,
		}).WithError(err).Warn("settlement contention, retrying")

		if attempt < attempts {
			if serr := s.sleep(ctx, backoffWithJitter(attempt, retryBaseDelay, retryMaxDelay)); serr != nil {
				return nil, err
			}
		}
	}
	return nil, err
}

// CreatePendingOrder reserves codes and writes PENDING_PAYMENT shells for a
// bank-transfer checkout. No money moves until the provider callback is
// reconciled against the shared payment reference.
func (s *SettlementService) CreatePendingOrder(ctx context.Context, accountID string, items []models.LineItem) (*PendingOrder, error) {
	total, err := sumItems(items)
	if err != nil {
		return nil, err
	}
	if err := s.validate(total, items); err != nil {
		return nil, err
	}

	codes, err := s.codes.Generate(ctx, accountID, len(items))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin pending order: %w", err)
	}
	defer tx.Rollback()

	if err := s.codes.Verify(ctx, tx, codes); err != nil {
		return nil, err
	}

	now := s.now()
	for i, item := range items {
		if _, err := tx.ExecContext(ctx, insertShellQuery,
			codes.OrderCodes[i], accountID, string(models.OrderStatusPendingPayment), codes.TransactionCode,
			item.ProductReference, item.Price, item.Extra, now, nil); err != nil {
			return nil, fmt.Errorf("insert pending order %s: %w", codes.OrderCodes[i], asCollision(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit pending order: %w", err)
	}

	s.audit.LogOperation(codes.TransactionCode, accountID, "PENDING_ORDER", total, fmt.Sprintf("%d items", len(items)))
	return &PendingOrder{
		PaymentReference: codes.TransactionCode,
		OrderCodes:       codes.OrderCodes,
		Amount:           total,
		ExpiresAt:        now.Add(s.pendingTTL),
	}, nil
}

func (s *SettlementService) validate(amount int64, items []models.LineItem) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if len(items) == 0 || len(items) > s.maxItems {
		return fmt.Errorf("%w: %d items (1-%d)", ErrInvalidItems, len(items), s.maxItems)
	}
	for i, item := range items {
		if item.ProductReference == "" {
			return fmt.Errorf("%w: item %d has no product reference", ErrInvalidItems, i)
		}
		if item.Price <= 0 {
			return fmt.Errorf("%w: item %d price %d", ErrInvalidItems, i, item.Price)
		}
		if err := item.Extra.Validate(); err != nil {
			return fmt.Errorf("%w: item %d: %v", ErrInvalidItems, i, err)
		}
	}

	total, err := sumItems(items)
	if err != nil {
		return err
	}
	if total != amount {
		return fmt.Errorf("%w: items %d, amount %d", ErrAmountMismatch, total, amount)
	}
	return nil
}

func (s *SettlementService) fail(accountID, txCode string, err error) {
	outcome := "error"
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		outcome = "insufficient_balance"
	case IsTransient(err):
		outcome = "retryable"
	}
	metrics.Settlements.WithLabelValues(outcome).Inc()
	s.audit.LogError(txCode, accountID, err)
}

func sumItems(items []models.LineItem) (int64, error) {
	var total int64
	for _, item := range items {
		if item.Price > 0 && total > math.MaxInt64-item.Price {
			return 0, fmt.Errorf("%w: total overflows", ErrInvalidItems)
		}
		total += item.Price
	}
	return total, nil
}

func jobItems(orderCodes []string, items []models.LineItem) []JobItem {
	out := make([]JobItem, len(items))
	for i, item := range items {
		out[i] = JobItem{OrderCode: orderCodes[i], LineItem: item}
	}
	return out
}
