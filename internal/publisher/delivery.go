package publisher

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

	"github.com/notifly/eventcore/internal/domain"
)

// deliverHTTP posts the event to the subscription's endpoint, signing the
// payload with the subscriber's HMAC secret when one is configured.
func (p *Publisher) deliverHTTP(ctx context.Context, sub *domain.Subscription, event domain.EventRecord) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", event.ID)
	req.Header.Set("X-Event-Type", event.EventType)

	p.mu.RLock()
	secret := p.secrets[sub.SubscriberID]
	p.mu.RUnlock()
	if secret != "" {
		req.Header.Set("X-Event-Signature", computeHMAC(payload, secret))
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", sub.Endpoint, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("endpoint %s returned status %d", sub.Endpoint, resp.StatusCode)
	}

	return nil
}

// computeHMAC generates an HMAC-SHA256 signature for the payload.
func computeHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
