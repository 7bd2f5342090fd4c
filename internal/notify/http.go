// Package notify hands freed slots to the next-candidate service.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"salon-waitlist/internal/models"
)

// IdempotencyHeader carries the releasing offer id. The candidate service
// must offer a slot at most once per key, because a request that timed out
// on our side may already have been handled.
const IdempotencyHeader = "Idempotency-Key"

// HTTPNotifier posts a released slot to the candidate service, which offers
// it to the next waiting customer.
type HTTPNotifier struct {
	hc  *http.Client
	url string
}

type notifyResponse struct {
	Notified bool   `json:"notified"`
	Error    string `json:"error"`
}

// NewHTTP builds a notifier for url. A non-positive timeout means 5s.
func NewHTTP(url string, timeout time.Duration) *HTTPNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPNotifier{
		hc:  &http.Client{Timeout: timeout},
		url: url,
	}
}

// HandleCancellation reports whether a candidate was notified for slot.
func (n *HTTPNotifier) HandleCancellation(ctx context.Context, slot models.SlotRelease) (bool, error) {
	body, err := json.Marshal(slot)
	if err != nil {
		return false, fmt.Errorf("marshal slot: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build notify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if slot.OfferID != "" {
		req.Header.Set(IdempotencyHeader, slot.OfferID)
	}

	resp, err := n.hc.Do(req)
	if err != nil {
		return false, fmt.Errorf("notify next candidate: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return false, fmt.Errorf("read notify response: %w", err)
	}
	var out notifyResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if decodeErr == nil && out.Error != "" {
			return false, fmt.Errorf("notify next candidate: %s (status=%d)", out.Error, resp.StatusCode)
		}
		return false, fmt.Errorf("notify next candidate (status=%d)", resp.StatusCode)
	}
	if decodeErr != nil {
		return false, fmt.Errorf("decode notify response: %w", decodeErr)
	}
	if out.Error != "" {
		return false, errors.New(out.Error)
	}
	return out.Notified, nil
}

// Noop never reaches anyone. Used when no candidate service is configured.
type Noop struct{}

func (Noop) HandleCancellation(context.Context, models.SlotRelease) (bool, error) {
	return false, nil
}
