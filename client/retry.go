package client

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/moltydex/autopay-go/metrics"
)

// maxJitter bounds the random component added to each backoff sleep.
const maxJitter = 500 * time.Millisecond

// HTTPError is a non-2xx response from the aggregator.
type HTTPError struct {
	Status  int
	Code    string
	Message string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

func newHTTPError(status int, body []byte) *HTTPError {
	he := &HTTPError{Status: status, Message: string(body)}

	// Structured API errors carry {error, code}; fall back to the raw body.
	var parsed struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Error != "" {
			he.Message = parsed.Error
		}
		he.Code = parsed.Code
	}
	return he
}

// retryableStatuses are the only HTTP statuses worth retrying. Any other 4xx
// means the request itself is wrong and repeating it cannot help.
var retryableStatuses = map[int]bool{
	408: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

func isRetryable(err error) bool {
	if he, ok := err.(*HTTPError); ok {
		return retryableStatuses[he.Status]
	}
	// Anything that never produced a status line is a transport failure.
	return true
}

// doWithRetry runs op up to maxRetries times with exponential backoff and
// jitter. Context errors and non-retryable API errors abort immediately.
func (c *Client) doWithRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryBase*(1<<(attempt-1)) + time.Duration(rand.Int63n(int64(maxJitter)))
			c.log.Debug("retrying request", map[string]any{
				"operation": op,
				"attempt":   attempt,
				"delay":     delay.String(),
				"error":     lastErr.Error(),
			})
			c.metrics.IncCounter(metrics.EventRetry, nil)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, c.maxRetries, lastErr)
}
