package services

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"
	"net/url"
	"strconv"

	"github.com/skip2/go-qrcode"

	"github.com/shopledger/backend/internal/config"
)

// PaymentQRService renders the bank-transfer QR shown for a pending order.
// The payment reference in the transfer note is what the provider callback
// echoes back as the order code group.
type PaymentQRService struct {
	baseURL string
	size    int
}

func NewPaymentQRService(cfg config.PaymentQRConfig) *PaymentQRService {
	size := cfg.Size
	if size <= 0 {
		size = 256
	}
	return &PaymentQRService{baseURL: cfg.BaseURL, size: size}
}

// Payload is the string encoded in the QR image
func (s *PaymentQRService) Payload(order *PendingOrder) string {
	q := url.Values{}
	q.Set("amount", strconv.FormatInt(order.Amount, 10))
	q.Set("note", order.PaymentReference)
	if len(order.OrderCodes) > 0 {
		q.Set("order", order.OrderCodes[0])
	}
	return s.baseURL + "?" + q.Encode()
}

// Generate returns the payload and a base64 PNG of it
func (s *PaymentQRService) Generate(order *PendingOrder) (string, string, error) {
	payload := s.Payload(order)

	qr, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		return "", "", fmt.Errorf("encode payment qr: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(s.size)); err != nil {
		return "", "", err
	}

	return payload, base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
