package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Payload is the body POSTed to a webhook destination when an item it is
// addressed to publishes.
type Payload struct {
	Event           string    `json:"event"`
	ItemID          string    `json:"itemId"`
	ItemKind        string    `json:"itemKind"`
	AuthorPseudonym string    `json:"authorPseudonym"`
	Content         string    `json:"content"`
	PublishedAt     time.Time `json:"publishedAt"`
}

type Sender struct {
	client *http.Client
	secret []byte
}

func NewSender(timeout time.Duration) *Sender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Sender{client: &http.Client{Timeout: timeout}}
}

// WithSecret enables HMAC-SHA256 payload signing. Receivers verify the
// X-Commonplace-Signature header against the raw request body.
func (s *Sender) WithSecret(secret string) *Sender {
	if secret != "" {
		s.secret = []byte(secret)
	}
	return s
}

// Deliver POSTs the payload to the webhook URL. Every call passes the
// internal-address guard first; a blocked URL is a delivery failure for this
// destination only.
func (s *Sender) Deliver(ctx context.Context, rawURL string, payload Payload) error {
	if IsInternalURL(rawURL) {
		return fmt.Errorf("webhook %s: blocked internal address", rawURL)
	}
	return s.post(ctx, rawURL, payload)
}

func (s *Sender) post(ctx context.Context, rawURL string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook %s: encode payload: %w", rawURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook %s: build request: %w", rawURL, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "commonplace-webhook/1.0")
	if len(s.secret) > 0 {
		req.Header.Set("X-Commonplace-Signature", "sha256="+signBody(s.secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: status %d", rawURL, resp.StatusCode)
	}
	return nil
}

func signBody(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
