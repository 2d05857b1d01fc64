package audit

import (
	"time"

	"github.com/sirupsen/logrus"
)

type Event struct {
	Timestamp       time.Time `json:"timestamp"`
	EventType       string    `json:"event_type"`
	TransactionCode string    `json:"transaction_code"`
	AccountID       string    `json:"account_id"`
	Amount          int64     `json:"amount"`
	Status          string    `json:"status"`
	Details         any       `json:"details"`
}

// Logger writes AUDIT events for every money movement and its failures
type Logger struct {
	log *logrus.Logger
}

func NewLogger(log *logrus.Logger) *Logger {
	return &Logger{log: log}
}

func (a *Logger) LogSettlement(transactionCode, accountID string, amount int64, orderCodes []string, status string) {
	a.emit(Event{
		Timestamp:       time.Now(),
		EventType:       "SETTLEMENT",
		TransactionCode: transactionCode,
		AccountID:       accountID,
		Amount:          amount,
		Status:          status,
		Details:         map[string]any{"order_codes": orderCodes},
	})
}

func (a *Logger) LogError(transactionCode, accountID string, err error) {
	a.emit(Event{
		Timestamp:       time.Now(),
		EventType:       "ERROR",
		TransactionCode: transactionCode,
		AccountID:       accountID,
		Status:          "FAILED",
		Details:         map[string]string{"error": err.Error()},
	})
}

func (a *Logger) LogOperation(transactionCode, accountID, operation string, amount int64, details string) {
	a.emit(Event{
		Timestamp:       time.Now(),
		EventType:       operation,
		TransactionCode: transactionCode,
		AccountID:       accountID,
		Amount:          amount,
		Status:          "SUCCESS",
		Details:         map[string]string{"details": details},
	})
}

func (a *Logger) emit(event Event) {
	a.log.WithFields(logrus.Fields{
		"audit":            true,
		"event_type":       event.EventType,
		"transaction_code": event.TransactionCode,
		"account_id":       event.AccountID,
		"amount":           event.Amount,
		"status":           event.Status,
		"details":          event.Details,
		"event_time":       event.Timestamp,
	}).Info("AUDIT")
}
