package api

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultRetryBackoff is the delay before the first retry; later retries wait
// proportionally longer.
const DefaultRetryBackoff = time.Second

// RetryingFetcher retries transport-level failures. Responses with an error
// status are returned to the caller untouched.
type RetryingFetcher struct {
	Inner   Fetcher
	Retries int
	Backoff time.Duration
}

// NewRetryingFetcher wraps inner with up to retries extra attempts.
func NewRetryingFetcher(inner Fetcher, retries int) *RetryingFetcher {
	return &RetryingFetcher{
		Inner:   inner,
		Retries: retries,
		Backoff: DefaultRetryBackoff,
	}
}

// Fetch implements Fetcher.
func (f *RetryingFetcher) Fetch(ctx context.Context, req *Request) ([]byte, error) {
	var (
		body []byte
		err  error
	)
	for attempt := 0; ; attempt++ {
		body, err = f.Inner.Fetch(ctx, req)
		if err == nil || !isTransportError(err) || attempt >= f.Retries {
			return body, err
		}
		log.WithField("url", req.URL).WithField("attempt", attempt+1).Warnf("Transport error, retrying: %s", err)
		select {
		case <-time.After(time.Duration(attempt+1) * f.Backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func isTransportError(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
