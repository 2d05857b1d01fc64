package models

import "time"

// Cycle statuses
const (
	CycleStatusOpen   = "OPEN"
	CycleStatusClosed = "CLOSED"
)

// AccountingCycle is one accounting period used for tier evaluation
type AccountingCycle struct {
	ID          int64      `json:"id" db:"id"`
	PeriodStart time.Time  `json:"period_start" db:"period_start"`
	PeriodEnd   time.Time  `json:"period_end" db:"period_end"`
	Status      string     `json:"status" db:"status"`
	ClosedAt    *time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// AccountTier is the tier an account reached in a closed cycle
type AccountTier struct {
	CycleID   int64  `json:"cycle_id" db:"cycle_id"`
	AccountID string `json:"account_id" db:"account_id"`
	Spent     int64  `json:"spent" db:"spent"`
	Tier      string `json:"tier" db:"tier"`
}
