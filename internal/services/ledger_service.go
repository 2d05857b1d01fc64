package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopledger/backend/internal/metrics"
	"github.com/shopledger/backend/internal/models"
)

// LedgerWriter appends immutable before/after records. It never updates or
// deletes a row.
type LedgerWriter struct {
	db  *sql.DB
	now func() time.Time
}

func NewLedgerWriter(db *sql.DB) *LedgerWriter {
	return &LedgerWriter{db: db, now: time.Now}
}

// Append validates the entry's arithmetic and inserts it on tx.
func (l *LedgerWriter) Append(ctx context.Context, tx *sql.Tx, entry *models.LedgerEntry) error {
	if err := checkEntry(entry); err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now()
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions
		(transaction_code, account_id, direction, amount, balance_before, balance_after, type, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.TransactionCode, entry.AccountID, string(entry.Direction), entry.Amount,
		entry.BalanceBefore, entry.BalanceAfter, entry.Type, entry.Reference, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append ledger entry %s: %w", entry.TransactionCode, asCollision(err))
	}

	metrics.LedgerEntries.WithLabelValues(string(entry.Direction), entry.Type).Inc()
	return nil
}

func checkEntry(e *models.LedgerEntry) error {
	if e.TransactionCode == "" || e.AccountID == "" {
		return fmt.Errorf("%w: missing transaction code or account", ErrLedgerInvariant)
	}
	if e.Amount <= 0 {
		return fmt.Errorf("%w: amount %d", ErrLedgerInvariant, e.Amount)
	}
	if e.Direction != models.DirectionCredit && e.Direction != models.DirectionDebit {
		return fmt.Errorf("%w: direction %q", ErrLedgerInvariant, e.Direction)
	}
	if e.BalanceAfter != e.BalanceBefore+e.Delta() {
		return fmt.Errorf("%w: %d %s %d != %d", ErrLedgerInvariant, e.BalanceBefore, e.Direction, e.Amount, e.BalanceAfter)
	}
	if e.BalanceAfter < 0 {
		return fmt.Errorf("%w: negative balance %d", ErrLedgerInvariant, e.BalanceAfter)
	}
	return nil
}

// Exists reports whether a ledger entry already carries the transaction code
// or the provider reference. Empty values never match.
func (l *LedgerWriter) Exists(ctx context.Context, q queryer, transactionCode, providerRef string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM wallet_transactions
			WHERE ($1 <> '' AND transaction_code = $1)
			   OR ($2 <> '' AND reference = $2)
		)`, transactionCode, providerRef).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check ledger entry: %w", err)
	}
	return exists, nil
}

func (l *LedgerWriter) History(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT transaction_code, account_id, direction, amount, balance_before, balance_after, type, reference, created_at
		FROM wallet_transactions
		WHERE account_id = $1
		ORDER BY created_at DESC, transaction_code DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		var direction string
		if err := rows.Scan(&e.TransactionCode, &e.AccountID, &direction, &e.Amount,
			&e.BalanceBefore, &e.BalanceAfter, &e.Type, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Direction = models.Direction(direction)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Latest returns the most recent entry, or nil for an account with no history.
func (l *LedgerWriter) Latest(ctx context.Context, accountID string) (*models.LedgerEntry, error) {
	entries, err := l.History(ctx, accountID, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// debitEntry and creditEntry build entries from a locked wallet snapshot
func debitEntry(code string, wallet *models.Wallet, amount int64, entryType, reference string) *models.LedgerEntry {
	return &models.LedgerEntry{
		TransactionCode: code,
		AccountID:       wallet.AccountID,
		Direction:       models.DirectionDebit,
		Amount:          amount,
		BalanceBefore:   wallet.Balance,
		BalanceAfter:    wallet.Balance - amount,
		Type:            entryType,
		Reference:       reference,
	}
}

func creditEntry(code string, wallet *models.Wallet, amount int64, entryType, reference string) *models.LedgerEntry {
	return &models.LedgerEntry{
		TransactionCode: code,
		AccountID:       wallet.AccountID,
		Direction:       models.DirectionCredit,
		Amount:          amount,
		BalanceBefore:   wallet.Balance,
		BalanceAfter:    wallet.Balance + amount,
		Type:            entryType,
		Reference:       reference,
	}
}
