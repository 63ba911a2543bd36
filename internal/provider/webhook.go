package provider

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dmrelay/internal/domain"
	"dmrelay/internal/metrics"
)

// maxWebhookBody bounds the payload read from an inbound webhook.
const maxWebhookBody = 1 << 20

// readBody reads at most maxWebhookBody bytes of the request body.
func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
}

// checkSignature enforces the HMAC header when secret is set. It writes
// the rejection itself and returns false when the request must be dropped.
func checkSignature(rw http.ResponseWriter, r *http.Request, body []byte, secret, header string, logger *slog.Logger) bool {
	if secret == "" {
		return true
	}
	sig := r.Header.Get(header)
	if sig == "" {
		metrics.WebhookRejected.Inc()
		logger.Warn("webhook missing signature", "header", header)
		http.Error(rw, "Missing signature", http.StatusUnauthorized)
		return false
	}
	if !verifyHMAC(body, secret, sig) {
		metrics.WebhookRejected.Inc()
		logger.Warn("webhook signature mismatch")
		http.Error(rw, "Invalid signature", http.StatusForbidden)
		return false
	}
	return true
}

// verifyHMAC compares an HMAC-SHA256 of body against signature, which may
// be bare hex or carry a "sha256=" prefix.
func verifyHMAC(body []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// Sign returns the "sha256=<hex>" signature of body, as upstreams send it.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ack acknowledges a webhook delivery. Upstreams retry anything else.
func ack(rw http.ResponseWriter) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	rw.Write([]byte(`{"success":true}`))
}

// flexString accepts a JSON string, number, or null.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

func (f flexString) String() string { return string(f) }

// isoTimestamp converts an upstream timestamp (epoch seconds, epoch millis,
// or RFC 3339) to the canonical layout. Unrecognized strings pass through.
func isoTimestamp(v flexString) string {
	s := strings.TrimSpace(string(v))
	if s == "" {
		return ""
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 1e12 {
			n *= 1000
		}
		return domain.FormatTime(time.UnixMilli(n))
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return domain.FormatTime(t)
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func joinNonEmpty(sep string, values ...string) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, sep)
}
