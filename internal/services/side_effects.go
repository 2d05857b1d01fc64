package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shopledger/backend/internal/config"
	"github.com/shopledger/backend/internal/database"
	"github.com/shopledger/backend/internal/metrics"
	"github.com/shopledger/backend/internal/models"
	"github.com/shopledger/backend/internal/notify"
)

const (
	effectFulfillment = "fulfillment"
	effectNotify      = "notify"
	effectBackfill    = "backfill"
)

const insertFulfillmentQuery = `
	INSERT INTO order_fulfillments
	(order_code, account_id, product_reference, price, status, slot, note, supply, expiry, extra, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`

const resequenceFulfillmentsQuery = `
	SELECT setval(pg_get_serial_sequence('order_fulfillments', 'id'),
		(SELECT COALESCE(MAX(id), 0) + 1 FROM order_fulfillments), false)`

// JobItem pairs a committed order code with the line item it was issued for
type JobItem struct {
	OrderCode string `json:"order_code"`
	models.LineItem
}

// SideEffectJob describes one committed settlement
type SideEffectJob struct {
	AccountID       string    `json:"account_id"`
	TransactionCode string    `json:"transaction_code"`
	PaymentMethod   string    `json:"payment_method"`
	TotalAmount     int64     `json:"total_amount"`
	Items           []JobItem `json:"items"`
	CreatedAt       time.Time `json:"created_at"`
}

// SideEffectError is reported on the pipeline's error channel
type SideEffectError struct {
	Effect          string
	TransactionCode string
	OrderCode       string
	Err             error
}

func (e *SideEffectError) Error() string {
	if e.OrderCode != "" {
		return fmt.Sprintf("%s %s/%s: %v", e.Effect, e.TransactionCode, e.OrderCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Effect, e.TransactionCode, e.Err)
}

func (e *SideEffectError) Unwrap() error { return e.Err }

// SideEffectPipeline materializes fulfillment rows and sends the order
// notification after a settlement commits. Nothing it does can affect the
// committed ledger.
type SideEffectPipeline struct {
	db       *sql.DB
	redis    *redis.Client
	notifier notify.Notifier
	log      *logrus.Logger
	cfg      config.SideEffectsConfig

	errs    chan *SideEffectError
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	started bool
	done    chan struct{}
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewSideEffectPipeline builds the pipeline; redisClient may be nil, in which
// case rows that cannot be inserted are only logged.
func NewSideEffectPipeline(db *sql.DB, redisClient *redis.Client, notifier notify.Notifier, cfg config.SideEffectsConfig, log *logrus.Logger) *SideEffectPipeline {
	buffer := cfg.ErrorBuffer
	if buffer <= 0 {
		buffer = 64
	}
	if cfg.InsertTimeout <= 0 {
		cfg.InsertTimeout = 10 * time.Second
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 3 * time.Second
	}
	return &SideEffectPipeline{
		db:       db,
		redis:    redisClient,
		notifier: notifier,
		log:      log,
		cfg:      cfg,
		errs:     make(chan *SideEffectError, buffer),
		done:     make(chan struct{}),
		sleep:    sleepContext,
	}
}

// Start drains the error channel into the log until Close.
func (p *SideEffectPipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	go func() {
		defer close(p.done)
		for e := range p.errs {
			p.log.WithFields(logrus.Fields{
				"effect":           e.Effect,
				"transaction_code": e.TransactionCode,
				"order_code":       e.OrderCode,
			}).WithError(e.Err).Error("side effect failed")
		}
	}()
}

// Dispatch runs the job on its own goroutine and background context.
func (p *SideEffectPipeline) Dispatch(job SideEffectJob) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.log.WithField("transaction_code", job.TransactionCode).Warn("pipeline closed, running side effects inline")
		p.runDetached(job)
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		p.runDetached(job)
	}()
}

func (p *SideEffectPipeline) runDetached(job SideEffectJob) {
	_ = p.Run(context.Background(), job)
}

// Run performs both side effects concurrently. Each carries its own
// deadlines (per row, per enqueue, per notification attempt), so neither can
// use up the other's time. The returned error joins whatever failed.
func (p *SideEffectPipeline) Run(ctx context.Context, job SideEffectJob) error {
	var materializeErr, notifyErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		materializeErr = p.materialize(ctx, job)
	}()
	go func() {
		defer wg.Done()
		notifyErr = p.notify(ctx, job)
	}()
	wg.Wait()
	return errors.Join(materializeErr, notifyErr)
}

func (p *SideEffectPipeline) materialize(ctx context.Context, job SideEffectJob) error {
	var errs []error
	for _, item := range job.Items {
		record := models.FulfillmentRecord{
			OrderCode:        item.OrderCode,
			AccountID:        job.AccountID,
			ProductReference: item.ProductReference,
			Price:            item.Price,
			Status:           models.OrderStatusFulfilling,
			Slot:             item.Slot,
			Note:             item.Note,
			Supply:           item.Supply,
			Expiry:           item.Expiry,
			Extra:            item.Extra,
			CreatedAt:        job.CreatedAt,
		}
		if record.CreatedAt.IsZero() {
			record.CreatedAt = time.Now()
		}

		insertCtx, cancel := context.WithTimeout(ctx, p.cfg.InsertTimeout)
		err := p.insertFulfillment(insertCtx, record)
		cancel()
		if err == nil {
			continue
		}
		p.report(effectFulfillment, job.TransactionCode, item.OrderCode, err)
		errs = append(errs, err)

		// the insert may have died on its deadline; the enqueue gets a fresh one
		queueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.EnqueueTimeout)
		qerr := p.enqueueBackfill(queueCtx, record)
		cancel()
		if qerr != nil {
			p.report(effectBackfill, job.TransactionCode, item.OrderCode, qerr)
		}
	}
	return errors.Join(errs...)
}

// insertFulfillment writes one row. A primary-key conflict means the id
// sequence fell behind the table; it is moved past MAX(id) and the row is
// retried once. An order_code conflict means the row already exists.
func (p *SideEffectPipeline) insertFulfillment(ctx context.Context, r models.FulfillmentRecord) error {
	err := p.execInsert(ctx, r)
	constraint, ok := database.UniqueViolation(err)
	if !ok {
		return err
	}

	switch constraint {
	case database.ConstraintFulfillmentsOrderCode:
		return nil
	case database.ConstraintFulfillmentsPkey:
		p.log.WithField("order_code", r.OrderCode).Warn("fulfillment id sequence behind, resequencing")
		if _, err := p.db.ExecContext(ctx, resequenceFulfillmentsQuery); err != nil {
			return fmt.Errorf("resequence fulfillments: %w", err)
		}
		err = p.execInsert(ctx, r)
		if constraint, ok := database.UniqueViolation(err); ok && constraint == database.ConstraintFulfillmentsOrderCode {
			return nil
		}
		return err
	}
	return err
}

func (p *SideEffectPipeline) execInsert(ctx context.Context, r models.FulfillmentRecord) error {
	_, err := p.db.ExecContext(ctx, insertFulfillmentQuery,
		r.OrderCode, r.AccountID, r.ProductReference, r.Price, string(r.Status),
		r.Slot, r.Note, r.Supply, r.Expiry, r.Extra, r.CreatedAt)
	if err != nil {
		return err
	}

	// the shell follows the fulfillment row; a shell already moved on is left alone
	_, err = p.db.ExecContext(ctx, `UPDATE orders SET status = $1 WHERE order_code = $2 AND status = $3`,
		string(models.OrderStatusFulfilling), r.OrderCode, string(models.OrderStatusCreated))
	return err
}

func (p *SideEffectPipeline) enqueueBackfill(ctx context.Context, r models.FulfillmentRecord) error {
	if p.redis == nil {
		return errors.New("no backfill queue configured")
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := p.redis.LPush(ctx, p.cfg.BackfillKey, payload).Err(); err != nil {
		return fmt.Errorf("queue fulfillment %s: %w", r.OrderCode, err)
	}
	metrics.BackfillQueued.Inc()
	return nil
}

// DrainBackfill replays up to one batch of queued fulfillment rows. A row
// that fails again goes back on the queue and the drain stops.
func (p *SideEffectPipeline) DrainBackfill(ctx context.Context) (int, error) {
	if p.redis == nil {
		return 0, nil
	}

	replayed := 0
	for replayed < p.cfg.BackfillBatch {
		payload, err := p.redis.RPop(ctx, p.cfg.BackfillKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return replayed, nil
		}
		if err != nil {
			return replayed, fmt.Errorf("pop backfill: %w", err)
		}

		var record models.FulfillmentRecord
		if err := json.Unmarshal(payload, &record); err != nil {
			p.log.WithError(err).Error("dropping malformed backfill entry")
			continue
		}

		if err := p.insertFulfillment(ctx, record); err != nil {
			if perr := p.redis.RPush(ctx, p.cfg.BackfillKey, payload).Err(); perr != nil {
				return replayed, errors.Join(err, perr)
			}
			return replayed, fmt.Errorf("replay fulfillment %s: %w", record.OrderCode, err)
		}
		replayed++
	}
	return replayed, nil
}

func (p *SideEffectPipeline) notify(ctx context.Context, job SideEffectJob) error {
	summary := notify.OrderSummary{
		MessageID:       uuid.New().String(),
		AccountID:       job.AccountID,
		TransactionCode: job.TransactionCode,
		PaymentMethod:   job.PaymentMethod,
		TotalAmount:     job.TotalAmount,
		CreatedAt:       job.CreatedAt,
	}
	for _, item := range job.Items {
		summary.Items = append(summary.Items, notify.SummaryItem{
			OrderCode:        item.OrderCode,
			ProductReference: item.ProductReference,
			Price:            item.Price,
			Status:           models.OrderStatusFulfilling.Label(),
		})
	}

	attempts := p.cfg.NotifyAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.NotifyTimeout)
		err = p.notifier.SendOrderSummary(attemptCtx, summary)
		cancel()
		if err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		p.log.WithFields(logrus.Fields{
			"transaction_code": job.TransactionCode,
			"attempt":          attempt,
		}).WithError(err).Warn("notification failed, retrying")
		if serr := p.sleep(ctx, backoffWithJitter(attempt, p.cfg.NotifyBackoff, p.cfg.NotifyMaxBackoff)); serr != nil {
			break
		}
	}

	err = fmt.Errorf("send order summary: %w", err)
	p.report(effectNotify, job.TransactionCode, "", err)
	return err
}

func (p *SideEffectPipeline) report(effect, txCode, orderCode string, err error) {
	metrics.SideEffectFailures.WithLabelValues(effect).Inc()
	e := &SideEffectError{Effect: effect, TransactionCode: txCode, OrderCode: orderCode, Err: err}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.log.WithError(e).Error("side effect failed")
		return
	}
	select {
	case p.errs <- e:
	default:
		p.log.WithError(e).Error("side effect error channel full")
	}
}

// Close stops accepting detached runs and waits for in-flight ones, or for ctx.
func (p *SideEffectPipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	started := p.started
	close(p.errs)
	p.mu.Unlock()

	if started {
		<-p.done
	}
	return nil
}
