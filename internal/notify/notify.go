// Package notify delivers order summaries to operators. Every sink is
// best-effort: the settlement engine logs delivery errors and moves on.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// Notifier is the outbound "send order summary" operation
type Notifier interface {
	SendOrderSummary(ctx context.Context, summary OrderSummary) error
}

type SummaryItem struct {
	OrderCode        string `json:"order_code"`
	ProductReference string `json:"product_reference"`
	Price            int64  `json:"price"`
	Status           string `json:"status"`
}

type OrderSummary struct {
	MessageID       string        `json:"message_id"`
	AccountID       string        `json:"account_id"`
	TransactionCode string        `json:"transaction_code"`
	PaymentMethod   string        `json:"payment_method"`
	TotalAmount     int64         `json:"total_amount"`
	Items           []SummaryItem `json:"items"`
	CreatedAt       time.Time     `json:"created_at"`
}

// Text renders the summary for chat channels
func (s OrderSummary) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Đơn hàng mới (%d sản phẩm)\n", len(s.Items))
	fmt.Fprintf(&b, "Tài khoản: %s\n", s.AccountID)
	fmt.Fprintf(&b, "Mã giao dịch: %s\n", s.TransactionCode)
	fmt.Fprintf(&b, "Thanh toán: %s\n", s.PaymentMethod)
	fmt.Fprintf(&b, "Tổng tiền: %sđ\n", humanize.Comma(s.TotalAmount))
	for _, item := range s.Items {
		fmt.Fprintf(&b, "- %s | %s | %sđ | %s\n", item.OrderCode, item.ProductReference, humanize.Comma(item.Price), item.Status)
	}
	return strings.TrimRight(b.String(), "\n")
}

// LogNotifier writes summaries to the log; used when no channel is configured
type LogNotifier struct {
	log *logrus.Logger
}

func NewLogNotifier(log *logrus.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) SendOrderSummary(ctx context.Context, summary OrderSummary) error {
	n.log.WithFields(logrus.Fields{
		"message_id":       summary.MessageID,
		"account_id":       summary.AccountID,
		"transaction_code": summary.TransactionCode,
		"total_amount":     summary.TotalAmount,
		"items":            len(summary.Items),
	}).Info("order summary")
	return nil
}

// Multi sends to every notifier; one failing sink does not stop the others
type Multi []Notifier

func (m Multi) SendOrderSummary(ctx context.Context, summary OrderSummary) error {
	var errs []error
	for _, n := range m {
		if err := n.SendOrderSummary(ctx, summary); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
