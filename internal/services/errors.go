package services

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/shopledger/backend/internal/database"
)

var (
	// Business rejections: surfaced verbatim, never retried automatically
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidItems        = errors.New("invalid line items")
	ErrAmountMismatch      = errors.New("item prices do not sum to the settlement amount")
	ErrInvalidCodeCount    = errors.New("code count out of range")
	ErrInvalidCodes        = errors.New("malformed order or transaction code")
	ErrCodesReserved       = errors.New("codes are reserved by another account")
	ErrOrderNotFound       = errors.New("order not found")
	ErrInvalidTransition   = errors.New("invalid order status transition")
	ErrRefundExceedsPrice  = errors.New("refund exceeds item price")

	// Transient contention: the caller retries with freshly generated codes
	ErrCodeGenerationExhausted = errors.New("code generation exhausted, retry")
	ErrCodeCollision           = errors.New("order or transaction code already in use, regenerate codes")

	// Ledger entry failed its own arithmetic check; indicates a programming error
	ErrLedgerInvariant = errors.New("ledger entry violates balance invariant")
)

// IsTransient reports whether retrying the whole operation may succeed
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCodeGenerationExhausted) || errors.Is(err, ErrCodeCollision) {
		return true
	}
	if _, ok := database.UniqueViolation(err); ok {
		return true
	}
	if database.Contention(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// asCollision maps unique violations raised inside a settlement to ErrCodeCollision
func asCollision(err error) error {
	if constraint, ok := database.UniqueViolation(err); ok {
		return fmt.Errorf("%w: constraint %s", ErrCodeCollision, constraint)
	}
	return err
}
