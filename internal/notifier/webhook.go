package notifier

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	HeaderSignature = "X-Harvester-Signature"
	HeaderEvent     = "X-Harvester-Event"
	HeaderDelivery  = "X-Harvester-Delivery"
)

// WebhookSender posts the message payload as JSON. When a secret is set the
// body is signed with HMAC-SHA256 in HeaderSignature as "sha256=<hex>".
type WebhookSender struct {
	client *http.Client
	secret string
}

func NewWebhookSender(secret string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{client: &http.Client{Timeout: timeout}, secret: secret}
}

func (w *WebhookSender) Channel() string { return ChannelWebhook }

func (w *WebhookSender) Send(ctx context.Context, url string, m Message) error {
	body := m.Payload
	if len(body) == 0 {
		body = []byte("{}")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, "group.completed")
	if m.GroupRunID != "" {
		req.Header.Set(HeaderDelivery, m.GroupRunID)
	}
	if w.secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+Sign(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	default:
		return permanent(fmt.Errorf("webhook status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a HeaderSignature value against body.
func VerifySignature(secret string, body []byte, header string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, body)), []byte(header[len(prefix):]))
}
