package services

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/shopledger/backend/internal/config"
	"github.com/shopledger/backend/internal/metrics"
)

const (
	digitCharset        = "0123456789"
	alphanumericCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	orderCodeTimeLayout = "060102150405"
	orderCodeRandomLen  = 6
	txCodeRandomLen     = 6
	maxCodeLen          = 40
)

// One pass over every table that has ever held an order code, plus the ledger.
const takenCodesQuery = `
	SELECT COUNT(*) FROM (
		SELECT order_code FROM orders WHERE order_code = ANY($1)
		UNION ALL
		SELECT order_code FROM order_fulfillments WHERE order_code = ANY($1)
		UNION ALL
		SELECT order_code FROM order_canceled WHERE order_code = ANY($1)
		UNION ALL
		SELECT order_code FROM order_expired WHERE order_code = ANY($1)
		UNION ALL
		SELECT transaction_code FROM wallet_transactions WHERE transaction_code = $2
	) AS taken`

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CodeSet is a reserved group of order codes sharing one transaction code
type CodeSet struct {
	OrderCodes      []string  `json:"order_codes" validate:"required,dive,required,max=40"`
	TransactionCode string    `json:"transaction_code" validate:"required,max=40"`
	ExpiresAt       time.Time `json:"expires_at"`
}

func (c *CodeSet) all() []string {
	return append(append([]string{}, c.OrderCodes...), c.TransactionCode)
}

// CodeReserver holds generated codes for the window between generation and
// commit, on behalf of the account they were issued to.
type CodeReserver interface {
	Reserve(ctx context.Context, owner string, codes []string, ttl time.Duration) (bool, error)
	// Owners returns the current holder of each code, "" where the
	// reservation has lapsed.
	Owners(ctx context.Context, codes []string) ([]string, error)
}

// RedisReserver reserves codes with SETNX so two generators cannot hand out
// the same candidate before either commits.
type RedisReserver struct {
	client *redis.Client
	prefix string
}

func NewRedisReserver(client *redis.Client) *RedisReserver {
	return &RedisReserver{client: client, prefix: "code:reserved:"}
}

func (r *RedisReserver) Reserve(ctx context.Context, owner string, codes []string, ttl time.Duration) (bool, error) {
	taken := make([]string, 0, len(codes))
	for _, code := range codes {
		key := r.prefix + code
		ok, err := r.client.SetNX(ctx, key, owner, ttl).Result()
		if err != nil || !ok {
			if len(taken) > 0 {
				r.client.Del(ctx, taken...)
			}
			return false, err
		}
		taken = append(taken, key)
	}
	return true, nil
}

func (r *RedisReserver) Owners(ctx context.Context, codes []string) ([]string, error) {
	keys := make([]string, len(codes))
	for i, code := range codes {
		keys[i] = r.prefix + code
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	owners := make([]string, len(codes))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			owners[i] = s
		}
	}
	return owners, nil
}

type CodeGenerator struct {
	db             *sql.DB
	reserver       CodeReserver
	log            *logrus.Logger
	orderPrefix    string
	txPrefix       string
	maxAttempts    int
	maxCount       int
	reservationTTL time.Duration
	rand           io.Reader
	now            func() time.Time
}

// NewCodeGenerator builds a generator; reserver may be nil when Redis is unavailable.
func NewCodeGenerator(db *sql.DB, reserver CodeReserver, cfg config.SettlementConfig, log *logrus.Logger) *CodeGenerator {
	return &CodeGenerator{
		db:             db,
		reserver:       reserver,
		log:            log,
		orderPrefix:    cfg.OrderCodePrefix,
		txPrefix:       cfg.TransactionCodePrefix,
		maxAttempts:    cfg.MaxCodeAttempts,
		maxCount:       cfg.MaxItems,
		reservationTTL: cfg.ReservationTTL,
		rand:           rand.Reader,
		now:            time.Now,
	}
}

// Generate produces count order codes and one transaction code that collide
// with nothing ever issued, reserved for accountID. A collision discards the
// whole candidate set.
func (g *CodeGenerator) Generate(ctx context.Context, accountID string, count int) (*CodeSet, error) {
	if count < 1 || count > g.maxCount {
		return nil, fmt.Errorf("%w: %d (1-%d)", ErrInvalidCodeCount, count, g.maxCount)
	}

	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		set, err := g.candidate(count)
		if err != nil {
			return nil, err
		}

		if hasDuplicates(set.OrderCodes) {
			g.collision(attempt, "duplicate within candidate set")
			continue
		}

		taken, err := g.countTaken(ctx, g.db, set.OrderCodes, set.TransactionCode)
		if err != nil {
			return nil, fmt.Errorf("check code collisions: %w", err)
		}
		if taken > 0 {
			g.collision(attempt, "code already issued")
			continue
		}

		if g.reserver != nil {
			ok, err := g.reserver.Reserve(ctx, accountID, set.all(), g.reservationTTL)
			if err != nil {
				// the in-transaction re-check still guards uniqueness
				g.log.WithError(err).Warn("code reservation unavailable, continuing without it")
			} else if !ok {
				g.collision(attempt, "code reserved by a concurrent request")
				continue
			}
		}

		set.ExpiresAt = g.now().Add(g.reservationTTL)
		metrics.CodeAttempts.Observe(float64(attempt))
		return set, nil
	}

	g.log.WithField("count", count).Warn("code generation exhausted")
	return nil, ErrCodeGenerationExhausted
}

// CheckSupplied validates a client-supplied set and rejects it when any code
// is still reserved for a different account. Lapsed reservations pass; Verify
// inside the settlement transaction still guards uniqueness.
func (g *CodeGenerator) CheckSupplied(ctx context.Context, accountID string, set *CodeSet, items int) error {
	if len(set.OrderCodes) != items || set.TransactionCode == "" {
		return fmt.Errorf("%w: %d order codes for %d items", ErrInvalidCodeCount, len(set.OrderCodes), items)
	}
	all := set.all()
	for _, code := range all {
		if !validCode(code) {
			return fmt.Errorf("%w: %q", ErrInvalidCodes, code)
		}
	}
	if hasDuplicates(all) {
		return fmt.Errorf("%w: duplicate code in set", ErrInvalidCodes)
	}

	if g.reserver == nil {
		return nil
	}
	owners, err := g.reserver.Owners(ctx, all)
	if err != nil {
		g.log.WithError(err).Warn("code reservation lookup unavailable, continuing without it")
		return nil
	}
	for i, owner := range owners {
		if owner != "" && owner != accountID {
			g.log.WithFields(logrus.Fields{
				"account_id": accountID,
				"code":       all[i],
			}).Warn("supplied code is reserved by another account")
			return ErrCodesReserved
		}
	}
	return nil
}

// Verify re-checks a previously generated set through q, normally the
// settlement transaction, closing the window between generation and commit.
func (g *CodeGenerator) Verify(ctx context.Context, q queryer, set *CodeSet) error {
	taken, err := g.countTaken(ctx, q, set.OrderCodes, set.TransactionCode)
	if err != nil {
		return fmt.Errorf("verify codes: %w", err)
	}
	if taken > 0 {
		return ErrCodeCollision
	}
	return nil
}

// TransactionCodeTx mints one ledger code checked through the open transaction.
func (g *CodeGenerator) TransactionCodeTx(ctx context.Context, q queryer) (string, error) {
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		code, err := g.transactionCode()
		if err != nil {
			return "", err
		}
		taken, err := g.countTaken(ctx, q, nil, code)
		if err != nil {
			return "", fmt.Errorf("check transaction code: %w", err)
		}
		if taken == 0 {
			return code, nil
		}
		g.collision(attempt, "transaction code already issued")
	}
	return "", ErrCodeGenerationExhausted
}

func (g *CodeGenerator) countTaken(ctx context.Context, q queryer, orderCodes []string, txCode string) (int, error) {
	if orderCodes == nil {
		orderCodes = []string{}
	}
	var taken int
	err := q.QueryRowContext(ctx, takenCodesQuery, pq.Array(orderCodes), txCode).Scan(&taken)
	return taken, err
}

func (g *CodeGenerator) candidate(count int) (*CodeSet, error) {
	stamp := g.now().Format(orderCodeTimeLayout)
	set := &CodeSet{OrderCodes: make([]string, count)}
	for i := range set.OrderCodes {
		suffix, err := g.randomString(digitCharset, orderCodeRandomLen)
		if err != nil {
			return nil, err
		}
		set.OrderCodes[i] = g.orderPrefix + stamp + suffix
	}

	txCode, err := g.transactionCode()
	if err != nil {
		return nil, err
	}
	set.TransactionCode = txCode
	return set, nil
}

func (g *CodeGenerator) transactionCode() (string, error) {
	suffix, err := g.randomString(alphanumericCharset, txCodeRandomLen)
	if err != nil {
		return "", err
	}
	stamp := strings.ToUpper(strconv.FormatInt(g.now().UnixMilli(), 36))
	return g.txPrefix + stamp + suffix, nil
}

func (g *CodeGenerator) randomString(charset string, n int) (string, error) {
	out := make([]byte, n)
	limit := big.NewInt(int64(len(charset)))
	for i := range out {
		idx, err := rand.Int(g.rand, limit)
		if err != nil {
			return "", fmt.Errorf("read random source: %w", err)
		}
		out[i] = charset[idx.Int64()]
	}
	return string(out), nil
}

func (g *CodeGenerator) collision(attempt int, reason string) {
	metrics.CodeCollisions.Inc()
	g.log.WithFields(logrus.Fields{
		"attempt": attempt,
		"reason":  reason,
	}).Debug("discarding candidate code set")
}

func validCode(code string) bool {
	if code == "" || len(code) > maxCodeLen {
		return false
	}
	for _, c := range code {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

func hasDuplicates(codes []string) bool {
	seen := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		if _, ok := seen[c]; ok {
			return true
		}
		seen[c] = struct{}{}
	}
	return false
}
