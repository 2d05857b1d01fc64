package services

import (
	"context"
	"database/sql"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"

	"github.com/shopledger/backend/internal/config"
	"github.com/shopledger/backend/internal/notify"
)

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) SendOrderSummary(ctx context.Context, summary notify.OrderSummary) error {
	args := m.Called(ctx, summary)
	return args.Error(0)
}

type MockReserver struct {
	mock.Mock
}

func (m *MockReserver) Reserve(ctx context.Context, owner string, codes []string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, owner, codes, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *MockReserver) Owners(ctx context.Context, codes []string) ([]string, error) {
	args := m.Called(ctx, codes)
	owners, _ := args.Get(0).([]string)
	return owners, args.Error(1)
}

// recordingDispatcher captures jobs instead of running them
type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []SideEffectJob
}

func (d *recordingDispatcher) Dispatch(job SideEffectJob) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
}

func (d *recordingDispatcher) Jobs() []SideEffectJob {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]SideEffectJob(nil), d.jobs...)
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testSettlementConfig() config.SettlementConfig {
	return config.SettlementConfig{
		OrderCodePrefix:       "DH",
		TransactionCodePrefix: "GD",
		MaxCodeAttempts:       5,
		ReservationTTL:        15 * time.Minute,
		Timeout:               10 * time.Second,
		MaxAttempts:           3,
		MaxItems:              100,
	}
}

func testSideEffectsConfig() config.SideEffectsConfig {
	return config.SideEffectsConfig{
		NotifyTimeout:    time.Second,
		NotifyAttempts:   3,
		NotifyBackoff:    time.Millisecond,
		NotifyMaxBackoff: 5 * time.Millisecond,
		InsertTimeout:    5 * time.Second,
		EnqueueTimeout:   time.Second,
		BackfillKey:      "fulfillment:backfill",
		BackfillBatch:    10,
		ErrorBuffer:      16,
	}
}

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, m, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, m
}

// expectWalletLock mirrors WalletStore.Lock: lazy insert then row lock.
func expectWalletLock(m sqlmock.Sqlmock, accountID string, balance int64) {
	m.ExpectExec("INSERT INTO wallets").
		WithArgs(accountID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	m.ExpectQuery("SELECT account_id, balance, updated_at FROM wallets WHERE account_id = \\$1 FOR UPDATE").
		WithArgs(accountID).
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "balance", "updated_at"}).
			AddRow(accountID, balance, time.Now()))
}

// expectCodesTaken mirrors the collision query used by CodeGenerator.
func expectCodesTaken(m sqlmock.Sqlmock, taken int) {
	m.ExpectQuery("SELECT COUNT\\(\\*\\) FROM \\(").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(taken))
}
