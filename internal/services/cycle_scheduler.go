package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shopledger/backend/internal/config"
	"github.com/shopledger/backend/internal/models"
)

// DefaultTier is recorded for accounts that spent below every threshold
const DefaultTier = "member"

const openCycleQuery = `
	SELECT id, period_start, period_end, status
	FROM accounting_cycles
	WHERE status = 'OPEN'
	FOR UPDATE`

const insertCycleQuery = `
	INSERT INTO accounting_cycles (period_start, period_end, status)
	VALUES ($1, $2, 'OPEN')
	RETURNING id`

// Net spend per account: purchases minus refunds inside the period
const cycleSpendQuery = `
	SELECT account_id, spent FROM (
		SELECT account_id,
			SUM(CASE WHEN type = 'PURCHASE' AND direction = 'DEBIT' THEN amount
			         WHEN type = 'REFUND' AND direction = 'CREDIT' THEN -amount
			         ELSE 0 END) AS spent
		FROM wallet_transactions
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY account_id
	) AS totals
	WHERE spent > 0
	ORDER BY account_id`

// Tier is a named minimum spend within one cycle
type Tier struct {
	Name     string
	MinSpend int64
}

// ParseTiers reads "gold:5000000,silver:1000000" into tiers ordered by
// descending threshold.
func ParseTiers(s string) ([]Tier, error) {
	var tiers []Tier
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, threshold, ok := strings.Cut(part, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid tier %q", part)
		}
		v, err := strconv.ParseInt(strings.TrimSpace(threshold), 10, 64)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("invalid threshold for tier %q", name)
		}
		tiers = append(tiers, Tier{Name: strings.TrimSpace(name), MinSpend: v})
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinSpend > tiers[j].MinSpend })
	return tiers, nil
}

func tierFor(tiers []Tier, spent int64) string {
	for _, t := range tiers {
		if spent >= t.MinSpend {
			return t.Name
		}
	}
	return DefaultTier
}

type staleExpirer interface {
	ExpireStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

type backfillDrainer interface {
	DrainBackfill(ctx context.Context) (int, error)
}

// TickResult summarizes one scheduler pass
type TickResult struct {
	OpenedCycle int64
	ClosedCycle int64
	Tiers       int
	Expired     int64
	Backfilled  int
}

// CycleScheduler closes accounting cycles and runs the periodic maintenance
// jobs: pending-order expiry and fulfillment backfill.
type CycleScheduler struct {
	db         *sql.DB
	orders     staleExpirer
	backfill   backfillDrainer
	log        *logrus.Logger
	length     time.Duration
	interval   time.Duration
	pendingTTL time.Duration
	tiers      []Tier
}

func NewCycleScheduler(db *sql.DB, orders staleExpirer, backfill backfillDrainer, cfg config.CycleConfig, log *logrus.Logger) (*CycleScheduler, error) {
	tiers, err := ParseTiers(cfg.Tiers)
	if err != nil {
		return nil, err
	}
	return &CycleScheduler{
		db:         db,
		orders:     orders,
		backfill:   backfill,
		log:        log,
		length:     cfg.Length,
		interval:   cfg.TickInterval,
		pendingTTL: cfg.PendingOrderTTL,
		tiers:      tiers,
	}, nil
}

// Run ticks immediately and then every interval until ctx is canceled.
func (c *CycleScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if _, err := c.Tick(ctx, time.Now()); err != nil && ctx.Err() == nil {
			c.log.WithError(err).Error("scheduler tick failed")
		}
		select {
		case <-ctx.Done():
			c.log.Info("cycle scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick performs one pass. Maintenance jobs run even when the cycle step fails.
func (c *CycleScheduler) Tick(ctx context.Context, now time.Time) (*TickResult, error) {
	result := &TickResult{}
	var errs []error

	if err := c.rollCycle(ctx, now, result); err != nil {
		errs = append(errs, fmt.Errorf("roll cycle: %w", err))
	}

	if c.orders != nil {
		n, err := c.orders.ExpireStale(ctx, c.pendingTTL)
		if err != nil {
			errs = append(errs, err)
		}
		result.Expired = n
	}

	if c.backfill != nil {
		n, err := c.backfill.DrainBackfill(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("drain backfill: %w", err))
		}
		result.Backfilled = n
	}

	return result, errors.Join(errs...)
}

func (c *CycleScheduler) rollCycle(ctx context.Context, now time.Time, result *TickResult) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var cycle models.AccountingCycle
	err = tx.QueryRowContext(ctx, openCycleQuery).Scan(&cycle.ID, &cycle.PeriodStart, &cycle.PeriodEnd, &cycle.Status)
	if errors.Is(err, sql.ErrNoRows) {
		id, err := c.openCycle(ctx, tx, now)
		if err != nil {
			return err
		}
		result.OpenedCycle = id
		return tx.Commit()
	}
	if err != nil {
		return err
	}
	if cycle.PeriodEnd.After(now) {
		return nil
	}

	tiers, err := c.aggregate(ctx, tx, cycle)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE accounting_cycles SET status = 'CLOSED', closed_at = $1 WHERE id = $2`,
		now, cycle.ID); err != nil {
		return fmt.Errorf("close cycle %d: %w", cycle.ID, err)
	}
	next, err := c.openCycle(ctx, tx, cycle.PeriodEnd)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	result.ClosedCycle = cycle.ID
	result.OpenedCycle = next
	result.Tiers = tiers
	c.log.WithFields(logrus.Fields{
		"cycle_id": cycle.ID,
		"accounts": tiers,
		"next_id":  next,
	}).Info("accounting cycle closed")
	return nil
}

func (c *CycleScheduler) openCycle(ctx context.Context, tx *sql.Tx, start time.Time) (int64, error) {
	var id int64
	if err := tx.QueryRowContext(ctx, insertCycleQuery, start, start.Add(c.length)).Scan(&id); err != nil {
		return 0, fmt.Errorf("open cycle: %w", err)
	}
	return id, nil
}

func (c *CycleScheduler) aggregate(ctx context.Context, tx *sql.Tx, cycle models.AccountingCycle) (int, error) {
	rows, err := tx.QueryContext(ctx, cycleSpendQuery, cycle.PeriodStart, cycle.PeriodEnd)
	if err != nil {
		return 0, fmt.Errorf("aggregate cycle %d: %w", cycle.ID, err)
	}

	var spends []models.AccountTier
	for rows.Next() {
		t := models.AccountTier{CycleID: cycle.ID}
		if err := rows.Scan(&t.AccountID, &t.Spent); err != nil {
			rows.Close()
			return 0, err
		}
		t.Tier = tierFor(c.tiers, t.Spent)
		spends = append(spends, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, t := range spends {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO account_cycle_tiers (cycle_id, account_id, spent, tier)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (cycle_id, account_id) DO NOTHING`,
			t.CycleID, t.AccountID, t.Spent, t.Tier); err != nil {
			return 0, fmt.Errorf("record tier for %s: %w", t.AccountID, err)
		}
	}
	return len(spends), nil
}
