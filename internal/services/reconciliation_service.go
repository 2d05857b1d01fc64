package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shopledger/backend/internal/audit"
	"github.com/shopledger/backend/internal/config"
	"github.com/shopledger/backend/internal/metrics"
	"github.com/shopledger/backend/internal/models"
)

// The shell named in the callback plus every shell sharing its payment reference
const lockOrderGroupQuery = `
	SELECT order_code, account_id, status, COALESCE(payment_reference, ''), product_reference, price, extra, created_at
	FROM orders
	WHERE order_code = $1
	   OR payment_reference = (SELECT payment_reference FROM orders WHERE order_code = $1)
	ORDER BY order_code
	FOR UPDATE`

const expiredOrderQuery = `
	SELECT account_id, COALESCE(payment_reference, '')
	FROM order_expired
	WHERE order_code = $1`

var paidStatuses = map[string]bool{
	"":          true,
	"SUCCESS":   true,
	"PAID":      true,
	"COMPLETED": true,
}

// ReconcileRequest is a provider callback that has passed signature checks
type ReconcileRequest struct {
	OrderCode   string `json:"order_code" validate:"required,max=40"`
	Amount      int64  `json:"amount" validate:"gt=0"`
	Status      string `json:"status,omitempty"`
	ProviderRef string `json:"provider_transaction_id" validate:"required,max=120"`
}

type ReconcileResult struct {
	OK bool `json:"ok"`
	// Duplicate is set when the callback was already applied
	Duplicate bool `json:"duplicate,omitempty"`
	// Ignored is set for callbacks reporting an unpaid status
	Ignored         bool     `json:"ignored,omitempty"`
	Credited        int64    `json:"credited,omitempty"`
	Settled         bool     `json:"settled,omitempty"`
	TransactionCode string   `json:"transaction_code,omitempty"`
	OrderCodes      []string `json:"order_codes,omitempty"`
	NewBalance      int64    `json:"new_balance"`
}

// ReconciliationService applies asynchronous provider callbacks to the same
// wallet and ledger as settlement, under the same lock order.
type ReconciliationService struct {
	db       *sql.DB
	codes    *CodeGenerator
	wallets  *WalletStore
	ledger   *LedgerWriter
	pipeline Dispatcher
	audit    *audit.Logger
	log      *logrus.Logger
	timeout  time.Duration
	now      func() time.Time
}

func NewReconciliationService(
	db *sql.DB,
	codes *CodeGenerator,
	wallets *WalletStore,
	ledger *LedgerWriter,
	pipeline Dispatcher,
	auditLog *audit.Logger,
	cfg config.SettlementConfig,
	log *logrus.Logger,
) *ReconciliationService {
	return &ReconciliationService{
		db:       db,
		codes:    codes,
		wallets:  wallets,
		ledger:   ledger,
		pipeline: pipeline,
		audit:    auditLog,
		log:      log,
		timeout:  cfg.Timeout,
		now:      time.Now,
	}
}

// orderGroup is the set of shells paid by one payment reference
type orderGroup struct {
	accountID string
	reference string
	shells    []models.OrderShell
}

func (g *orderGroup) pending() bool {
	if len(g.shells) == 0 {
		return false
	}
	for _, s := range g.shells {
		if s.Status != models.OrderStatusPendingPayment {
			return false
		}
	}
	return true
}

func (g *orderGroup) total() int64 {
	var total int64
	for _, s := range g.shells {
		total += s.Price
	}
	return total
}

func (g *orderGroup) orderCodes() []string {
	codes := make([]string, len(g.shells))
	for i, s := range g.shells {
		codes[i] = s.OrderCode
	}
	return codes
}

// Reconcile credits the reported amount and, when it pays for a pending
// order group, debits the group total and marks its shells paid. Replaying
// the same callback is a successful no-op.
func (s *ReconciliationService) Reconcile(ctx context.Context, req ReconcileRequest) (*ReconcileResult, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.OrderCode == "" {
		return nil, ErrOrderNotFound
	}
	if !paidStatuses[strings.ToUpper(req.Status)] {
		metrics.Reconciliations.WithLabelValues("ignored").Inc()
		s.log.WithFields(logrus.Fields{
			"order_code":   req.OrderCode,
			"provider_ref": req.ProviderRef,
			"status":       req.Status,
		}).Info("ignoring unpaid provider callback")
		return &ReconcileResult{OK: true, Ignored: true}, nil
	}

	result, job, err := s.reconcileTx(ctx, req)
	if err != nil {
		outcome := "error"
		if errors.Is(err, ErrOrderNotFound) {
			outcome = "not_found"
		}
		metrics.Reconciliations.WithLabelValues(outcome).Inc()
		s.audit.LogError(req.ProviderRef, "", err)
		return nil, err
	}

	if result.Duplicate {
		metrics.Reconciliations.WithLabelValues("duplicate").Inc()
		return result, nil
	}

	outcome := "deposited"
	if result.Settled {
		outcome = "settled"
	}
	metrics.Reconciliations.WithLabelValues(outcome).Inc()

	if job != nil {
		s.pipeline.Dispatch(*job)
	}
	return result, nil
}

func (s *ReconciliationService) reconcileTx(ctx context.Context, req ReconcileRequest) (*ReconcileResult, *SideEffectJob, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin reconciliation: %w", err)
	}
	defer tx.Rollback()

	group, err := s.lockGroup(ctx, tx, req.OrderCode)
	if err != nil {
		return nil, nil, err
	}

	// A callback is a replay only when its provider reference is already in
	// the ledger. Distinct transfers for the same group each get credited.
	replayCode := ""
	if req.ProviderRef == "" {
		replayCode = group.reference
	}
	dup, err := s.ledger.Exists(ctx, tx, replayCode, req.ProviderRef)
	if err != nil {
		return nil, nil, err
	}
	if dup {
		s.log.WithFields(logrus.Fields{
			"order_code":   req.OrderCode,
			"provider_ref": req.ProviderRef,
		}).Info("provider callback already applied")
		return &ReconcileResult{OK: true, Duplicate: true}, nil, nil
	}

	depositCode, err := s.depositCode(ctx, tx, group.reference)
	if err != nil {
		return nil, nil, err
	}

	wallet, err := s.wallets.Lock(ctx, tx, group.accountID)
	if err != nil {
		return nil, nil, err
	}

	if err := s.wallets.Credit(ctx, tx, group.accountID, req.Amount); err != nil {
		return nil, nil, err
	}
	deposit := creditEntry(depositCode, wallet, req.Amount, models.EntryTypeDeposit, req.ProviderRef)
	if err := s.ledger.Append(ctx, tx, deposit); err != nil {
		return nil, nil, err
	}

	result := &ReconcileResult{
		OK:         true,
		Credited:   req.Amount,
		NewBalance: deposit.BalanceAfter,
	}

	var job *SideEffectJob
	total := group.total()
	if group.pending() && req.Amount >= total {
		purchaseCode, err := s.codes.TransactionCodeTx(ctx, tx)
		if err != nil {
			return nil, nil, err
		}
		if err := s.wallets.Debit(ctx, tx, group.accountID, total); err != nil {
			return nil, nil, err
		}
		wallet.Balance = deposit.BalanceAfter
		purchase := debitEntry(purchaseCode, wallet, total, models.EntryTypePurchase, "")
		if err := s.ledger.Append(ctx, tx, purchase); err != nil {
			return nil, nil, err
		}

		now := s.now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE orders SET status = $1, paid_at = $2
			WHERE payment_reference = $3 AND status = $4`,
			string(models.OrderStatusCreated), now, group.reference, string(models.OrderStatusPendingPayment)); err != nil {
			return nil, nil, fmt.Errorf("mark orders paid: %w", err)
		}

		result.Settled = true
		result.TransactionCode = purchaseCode
		result.OrderCodes = group.orderCodes()
		result.NewBalance = purchase.BalanceAfter

		job = &SideEffectJob{
			AccountID:       group.accountID,
			TransactionCode: purchaseCode,
			PaymentMethod:   models.PaymentMethodBankTransfer,
			TotalAmount:     total,
			CreatedAt:       now,
		}
		for _, shell := range group.shells {
			job.Items = append(job.Items, JobItem{
				OrderCode: shell.OrderCode,
				LineItem: models.LineItem{
					ProductReference: shell.ProductReference,
					Price:            shell.Price,
					Extra:            shell.Extra,
				},
			})
		}
	} else if group.pending() {
		s.log.WithFields(logrus.Fields{
			"order_code": req.OrderCode,
			"amount":     req.Amount,
			"total":      total,
		}).Warn("underpaid transfer kept as wallet deposit")
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit reconciliation: %w", err)
	}

	s.audit.LogOperation(depositCode, group.accountID, models.EntryTypeDeposit, req.Amount, req.ProviderRef)
	if result.Settled {
		s.audit.LogSettlement(result.TransactionCode, group.accountID, total, result.OrderCodes, "COMMITTED")
	}
	return result, job, nil
}

// depositCode uses the group's payment reference for the first deposit and
// mints a fresh code once that reference is already in the ledger.
func (s *ReconciliationService) depositCode(ctx context.Context, tx *sql.Tx, reference string) (string, error) {
	if reference != "" {
		used, err := s.ledger.Exists(ctx, tx, reference, "")
		if err != nil {
			return "", err
		}
		if !used {
			return reference, nil
		}
	}
	return s.codes.TransactionCodeTx(ctx, tx)
}

// lockGroup locks the order group. A code that has already expired still
// identifies the account, so a late transfer lands in the wallet.
func (s *ReconciliationService) lockGroup(ctx context.Context, tx *sql.Tx, orderCode string) (*orderGroup, error) {
	rows, err := tx.QueryContext(ctx, lockOrderGroupQuery, orderCode)
	if err != nil {
		return nil, fmt.Errorf("lock order group: %w", err)
	}
	defer rows.Close()

	group := &orderGroup{}
	for rows.Next() {
		var shell models.OrderShell
		var status string
		if err := rows.Scan(&shell.OrderCode, &shell.AccountID, &status, &shell.PaymentReference,
			&shell.ProductReference, &shell.Price, &shell.Extra, &shell.CreatedAt); err != nil {
			return nil, err
		}
		shell.Status = models.OrderStatus(status)
		if shell.OrderCode == orderCode {
			group.accountID = shell.AccountID
			group.reference = shell.PaymentReference
		}
		group.shells = append(group.shells, shell)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(group.shells) > 0 {
		return group, nil
	}

	err = tx.QueryRowContext(ctx, expiredOrderQuery, orderCode).Scan(&group.accountID, &group.reference)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("look up expired order: %w", err)
	}
	return group, nil
}
