package services

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopledger/backend/internal/models"
)

func TestLedgerWriter_Append(t *testing.T) {
	ctx := context.Background()
	db, mock := newMockDB(t)
	ledger := NewLedgerWriter(db)

	t.Run("valid debit", func(t *testing.T) {
		mock.ExpectBegin()
		tx, err := db.Begin()
		require.NoError(t, err)

		wallet := &models.Wallet{AccountID: "acct-1", Balance: 1000}
		entry := debitEntry("GD1", wallet, 300, models.EntryTypePurchase, "")

		expectLedger(mock, "GD1", "acct-1", "DEBIT", 300, 1000, 700, "PURCHASE", "")

		assert.NoError(t, ledger.Append(ctx, tx, entry))
		assert.False(t, entry.CreatedAt.IsZero())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate transaction code is a collision", func(t *testing.T) {
		mock.ExpectBegin()
		tx, err := db.Begin()
		require.NoError(t, err)

		wallet := &models.Wallet{AccountID: "acct-1", Balance: 0}
		entry := creditEntry("GD1", wallet, 50, models.EntryTypeDeposit, "bank-1")

		mock.ExpectExec("INSERT INTO wallet_transactions").
			WillReturnError(&pq.Error{Code: "23505", Constraint: "wallet_transactions_pkey"})

		err = ledger.Append(ctx, tx, entry)
		assert.ErrorIs(t, err, ErrCodeCollision)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("arithmetic is checked before insert", func(t *testing.T) {
		mock.ExpectBegin()
		tx, err := db.Begin()
		require.NoError(t, err)

		tests := []struct {
			name  string
			entry models.LedgerEntry
		}{
			{"zero amount", models.LedgerEntry{TransactionCode: "GD1", AccountID: "a", Direction: models.DirectionCredit}},
			{"wrong after", models.LedgerEntry{TransactionCode: "GD1", AccountID: "a", Direction: models.DirectionDebit,
				Amount: 10, BalanceBefore: 100, BalanceAfter: 100}},
			{"negative after", models.LedgerEntry{TransactionCode: "GD1", AccountID: "a", Direction: models.DirectionDebit,
				Amount: 10, BalanceBefore: 5, BalanceAfter: -5}},
			{"unknown direction", models.LedgerEntry{TransactionCode: "GD1", AccountID: "a", Direction: "SIDEWAYS",
				Amount: 10, BalanceBefore: 5, BalanceAfter: 15}},
			{"missing code", models.LedgerEntry{AccountID: "a", Direction: models.DirectionCredit,
				Amount: 10, BalanceAfter: 10}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				entry := tt.entry
				assert.ErrorIs(t, ledger.Append(ctx, tx, &entry), ErrLedgerInvariant)
			})
		}
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerWriter_Exists(t *testing.T) {
	db, mock := newMockDB(t)
	ledger := NewLedgerWriter(db)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("GD1", "bank-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("", "bank-2").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	ok, err := ledger.Exists(context.Background(), db, "GD1", "bank-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ledger.Exists(context.Background(), db, "", "bank-2")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerWriter_History(t *testing.T) {
	db, mock := newMockDB(t)
	ledger := NewLedgerWriter(db)
	now := time.Now()

	columns := []string{"transaction_code", "account_id", "direction", "amount", "balance_before", "balance_after", "type", "reference", "created_at"}
	mock.ExpectQuery("SELECT (.+) FROM wallet_transactions WHERE account_id = \\$1").
		WithArgs("acct-1", 20).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("GD2", "acct-1", "DEBIT", 300, 1000, 700, "PURCHASE", "", now).
			AddRow("GD1", "acct-1", "CREDIT", 1000, 0, 1000, "DEPOSIT", "bank-1", now.Add(-time.Hour)))

	entries, err := ledger.History(context.Background(), "acct-1", 20)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// each entry links to the previous one's balance
	assert.Equal(t, entries[1].BalanceAfter, entries[0].BalanceBefore)
	for _, e := range entries {
		assert.Equal(t, e.BalanceBefore+e.Delta(), e.BalanceAfter)
	}
	assert.Equal(t, models.DirectionDebit, entries[0].Direction)

	mock.ExpectQuery("SELECT (.+) FROM wallet_transactions").
		WithArgs("acct-2", 1).
		WillReturnRows(sqlmock.NewRows(columns))

	latest, err := ledger.Latest(context.Background(), "acct-2")
	require.NoError(t, err)
	assert.Nil(t, latest)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWalletStore(t *testing.T) {
	ctx := context.Background()
	db, mock := newMockDB(t)
	store := NewWalletStore(db)

	t.Run("lock creates and locks the wallet", func(t *testing.T) {
		mock.ExpectBegin()
		tx, err := db.Begin()
		require.NoError(t, err)

		mock.ExpectExec("INSERT INTO wallets (.+) ON CONFLICT \\(account_id\\) DO NOTHING").
			WithArgs("acct-new", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT account_id, balance, updated_at FROM wallets WHERE account_id = \\$1 FOR UPDATE").
			WithArgs("acct-new").
			WillReturnRows(sqlmock.NewRows([]string{"account_id", "balance", "updated_at"}).AddRow("acct-new", 0, time.Now()))

		wallet, err := store.Lock(ctx, tx, "acct-new")
		require.NoError(t, err)
		assert.Equal(t, int64(0), wallet.Balance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("debit guard", func(t *testing.T) {
		mock.ExpectBegin()
		tx, err := db.Begin()
		require.NoError(t, err)

		expectDebit(mock, "acct-1", 500, 1)
		expectDebit(mock, "acct-1", 500, 0)

		assert.NoError(t, store.Debit(ctx, tx, "acct-1", 500))
		assert.ErrorIs(t, store.Debit(ctx, tx, "acct-1", 500), ErrInsufficientBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("credit", func(t *testing.T) {
		mock.ExpectBegin()
		tx, err := db.Begin()
		require.NoError(t, err)

		mock.ExpectExec("UPDATE wallets SET balance = balance \\+ \\$1").
			WithArgs(int64(250), sqlmock.AnyArg(), "acct-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, store.Credit(ctx, tx, "acct-1", 250))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("balance of unknown account is zero", func(t *testing.T) {
		mock.ExpectQuery("SELECT balance FROM wallets").
			WithArgs("ghost").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("SELECT balance FROM wallets").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(700))

		balance, err := store.Balance(ctx, "ghost")
		require.NoError(t, err)
		assert.Equal(t, int64(0), balance)

		balance, err = store.Balance(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, int64(700), balance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
