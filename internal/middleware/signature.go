package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/shopledger/backend/internal/services"
)

const maxWebhookBody = 1 << 20

// Sign returns the hex HMAC-SHA256 of body, as payment providers send it.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// WebhookSignature rejects callbacks whose signature header does not match
// the raw body. The body is restored for the handler.
func WebhookSignature(secret, header string, log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
			if err != nil {
				services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
				return
			}

			got, err := hex.DecodeString(r.Header.Get(header))
			want, _ := hex.DecodeString(Sign(secret, body))
			if secret == "" || err != nil || !hmac.Equal(got, want) {
				log.WithFields(logrus.Fields{
					"remote_addr": r.RemoteAddr,
					"path":        r.URL.Path,
				}).Warn("webhook signature mismatch")
				services.SendErrorResponse(w, "Invalid signature", http.StatusUnauthorized, nil)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
