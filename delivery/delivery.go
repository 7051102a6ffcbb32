// Package delivery performs signed federation POSTs to remote inboxes and
// owns the retry backoff schedule.
package delivery

import (
	"bytes"
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"time"

	"github.com/fedeng/deino/security"
	"github.com/fedeng/deino/util"
)

// MaxAttempts is the point where a delivery is abandoned for good.
const MaxAttempts = 10

var backoffMinutes = []int{1, 5, 15, 60, 240, 1440}

// Backoff returns how long to wait before the retry following the given
// attempt count.
func Backoff(attempts int) time.Duration {
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoffMinutes) {
		idx = len(backoffMinutes) - 1
	}
	return time.Duration(backoffMinutes[idx]) * time.Minute
}

// Deliverer posts activities to remote inboxes.
type Deliverer struct {
	client *http.Client
}

func NewDeliverer(conf *util.AppConfig) *Deliverer {
	timeout := time.Duration(conf.Conf.DeliverTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Deliverer{client: &http.Client{Timeout: timeout}}
}

// Deliver signs and posts one activity payload. Every non-2xx response and
// every transport error, timeouts included, is a plain failure for the
// caller's backoff accounting.
func (d *Deliverer) Deliver(ctx context.Context, inboxURI string, payload []byte, privateKey *rsa.PrivateKey, keyId string) error {
	req, err := http.NewRequestWithContext(ctx, "POST", inboxURI, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", "deino/1.0 ActivityPub")
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	if err := security.SignRequest(req, privateKey, keyId, payload); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("remote server returned status: %d", resp.StatusCode)
	}
	return nil
}
