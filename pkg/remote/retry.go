package remote

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/odvcencio/minigit/pkg/errs"
)

// retryInitialInterval is the first backoff delay; tests shorten it.
var retryInitialInterval = 500 * time.Millisecond

// getWithRetry sends an idempotent GET with exponential backoff. Network
// errors, 429 and 5xx responses are retried up to maxAttempts. 4xx
// responses, including 401/403, fail immediately.
func (c *Client) getWithRetry(ctx context.Context, p string, maxBytes int64, contentType string) ([]byte, error) {
	attempt := 0
	op := func() ([]byte, error) {
		attempt++
		req, err := c.newRequest(ctx, http.MethodGet, p, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		body, err := c.do(req, maxBytes, contentType)
		if err == nil {
			return body, nil
		}
		if !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		c.log.WithField("attempt", attempt).WithError(err).Debug("retrying request")
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.maxAttempts)),
	)
}

// retryable reports whether a failed GET may be sent again.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return isRetryableStatus(he.Status)
	}
	return errors.Is(err, errs.ErrNetwork) && !errors.Is(err, errs.ErrAuth)
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}
