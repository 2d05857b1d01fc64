package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// OrderStatus is the operational status of an order code
type OrderStatus string

const (
	OrderStatusPendingPayment OrderStatus = "PENDING_PAYMENT"
	OrderStatusCreated        OrderStatus = "CREATED"
	OrderStatusFulfilling     OrderStatus = "FULFILLING"
	OrderStatusFulfilled      OrderStatus = "FULFILLED"
	OrderStatusCanceled       OrderStatus = "CANCELED"
	OrderStatusExpired        OrderStatus = "EXPIRED"
)

var orderStatusLabels = map[OrderStatus]string{
	OrderStatusPendingPayment: "Chờ Thanh Toán",
	OrderStatusCreated:        "Đã Thanh Toán",
	OrderStatusFulfilling:     "Đang Tạo Đơn",
	OrderStatusFulfilled:      "Đang Xử Lý",
	OrderStatusCanceled:       "Đã Hủy",
	OrderStatusExpired:        "Hết Hạn",
}

// Label returns the text shown to fulfillment staff and customers
func (s OrderStatus) Label() string {
	if l, ok := orderStatusLabels[s]; ok {
		return l
	}
	return string(s)
}

// Terminal reports whether no transition leaves the status
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCanceled || s == OrderStatusExpired
}

// Payment methods
const (
	PaymentMethodWallet       = "WALLET"
	PaymentMethodBankTransfer = "BANK_TRANSFER"
)

// Bounds for Extra
const (
	MaxExtraKeys       = 16
	MaxExtraKeyLength  = 64
	MaxExtraValueBytes = 512
)

var ErrExtraTooLarge = errors.New("extra exceeds size bounds")

// Extra is optional per-item key-value detail (target link, username, ...)
type Extra map[string]string

// Validate checks the documented size bounds
func (e Extra) Validate() error {
	if len(e) > MaxExtraKeys {
		return fmt.Errorf("%w: %d keys, max %d", ErrExtraTooLarge, len(e), MaxExtraKeys)
	}
	for k, v := range e {
		if len(k) == 0 || len(k) > MaxExtraKeyLength {
			return fmt.Errorf("%w: key %q", ErrExtraTooLarge, k)
		}
		if len(v) > MaxExtraValueBytes {
			return fmt.Errorf("%w: value for %q", ErrExtraTooLarge, k)
		}
	}
	return nil
}

// Value implements driver.Valuer for Extra
func (e Extra) Value() (driver.Value, error) {
	if e == nil {
		return nil, nil
	}
	return json.Marshal(e)
}

// Scan implements sql.Scanner for Extra
func (e *Extra) Scan(value any) error {
	if value == nil {
		*e = nil
		return nil
	}

	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(b, e)
}

// LineItem is one purchased item with its price already resolved by the caller
type LineItem struct {
	ProductReference string `json:"product_reference" validate:"required,max=120"`
	Price            int64  `json:"price" validate:"gt=0"`
	Slot             int    `json:"slot,omitempty" validate:"gte=0"`
	Note             string `json:"note,omitempty" validate:"max=500"`
	Supply           string `json:"supply,omitempty" validate:"max=120"`
	Expiry           string `json:"expiry,omitempty" validate:"max=60"`
	Extra            Extra  `json:"extra,omitempty"`
}

// OrderShell is the minimal per-item record written inside the settlement transaction
type OrderShell struct {
	OrderCode        string      `json:"order_code" db:"order_code"`
	AccountID        string      `json:"account_id" db:"account_id"`
	Status           OrderStatus `json:"status" db:"status"`
	PaymentReference string      `json:"payment_reference,omitempty" db:"payment_reference"`
	ProductReference string      `json:"product_reference" db:"product_reference"`
	Price            int64       `json:"price" db:"price"`
	Extra            Extra       `json:"extra,omitempty" db:"extra"`
	CreatedAt        time.Time   `json:"created_at" db:"created_at"`
	PaidAt           *time.Time  `json:"paid_at,omitempty" db:"paid_at"`
}

// FulfillmentRecord is the operational row consumed by fulfillment staff
type FulfillmentRecord struct {
	ID               int64       `json:"id" db:"id"`
	OrderCode        string      `json:"order_code" db:"order_code"`
	AccountID        string      `json:"account_id" db:"account_id"`
	ProductReference string      `json:"product_reference" db:"product_reference"`
	Price            int64       `json:"price" db:"price"`
	Status           OrderStatus `json:"status" db:"status"`
	Slot             int         `json:"slot" db:"slot"`
	Note             string      `json:"note" db:"note"`
	Supply           string      `json:"supply" db:"supply"`
	Expiry           string      `json:"expiry" db:"expiry"`
	Extra            Extra       `json:"extra,omitempty" db:"extra"`
	CreatedAt        time.Time   `json:"created_at" db:"created_at"`
}

// CanceledRecord is the terminal copy of a reversed fulfillment
type CanceledRecord struct {
	FulfillmentRecord
	Refund     int64     `json:"refund" db:"refund"`
	Reason     string    `json:"reason" db:"reason"`
	CanceledAt time.Time `json:"canceled_at" db:"canceled_at"`
}
