package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopledger/backend/internal/models"
)

// WalletStore owns the wallets table. Every mutation happens on a caller's
// transaction after Lock has taken the row lock.
type WalletStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewWalletStore(db *sql.DB) *WalletStore {
	return &WalletStore{db: db, now: time.Now}
}

// Lock creates the wallet with a zero balance if absent, then takes the row
// lock for the rest of tx.
func (s *WalletStore) Lock(ctx context.Context, tx *sql.Tx, accountID string) (*models.Wallet, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (account_id, balance, updated_at)
		VALUES ($1, 0, $2)
		ON CONFLICT (account_id) DO NOTHING`,
		accountID, s.now()); err != nil {
		return nil, fmt.Errorf("create wallet: %w", err)
	}

	var wallet models.Wallet
	err := tx.QueryRowContext(ctx, `
		SELECT account_id, balance, updated_at
		FROM wallets
		WHERE account_id = $1
		FOR UPDATE`, accountID).Scan(&wallet.AccountID, &wallet.Balance, &wallet.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("lock wallet: %w", err)
	}
	return &wallet, nil
}

// Debit decrements a locked wallet. The balance guard in the WHERE clause
// keeps the row non-negative even if a caller skipped its own check.
func (s *WalletStore) Debit(ctx context.Context, tx *sql.Tx, accountID string, amount int64) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE wallets
		SET balance = balance - $1, updated_at = $2
		WHERE account_id = $3 AND balance >= $1`,
		amount, s.now(), accountID)
	if err != nil {
		return fmt.Errorf("debit wallet: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

func (s *WalletStore) Credit(ctx context.Context, tx *sql.Tx, accountID string, amount int64) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE wallets
		SET balance = balance + $1, updated_at = $2
		WHERE account_id = $3`,
		amount, s.now(), accountID)
	if err != nil {
		return fmt.Errorf("credit wallet: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("credit wallet: account %s not locked", accountID)
	}
	return nil
}

// Balance is an unlocked read for display; unknown accounts have zero.
func (s *WalletStore) Balance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM wallets WHERE account_id = $1`, accountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}
