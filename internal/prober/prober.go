// Package prober discovers the live availability endpoint by watching the
// network traffic of a real page load.
package prober

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/example/slotwatch/internal/metrics"
	"github.com/rs/zerolog"
)

var (
	ErrCaptureExhausted = errors.New("prober: endpoint capture exhausted")
	// ErrNoMatch is returned by a Watcher when no response URL matched in time.
	ErrNoMatch = errors.New("prober: no matching response")
)

// Watcher performs one capture attempt: load pageURL and return the first
// response URL containing marker. Implementations must not leave a browser
// running when they return.
type Watcher interface {
	Watch(ctx context.Context, pageURL, marker string) (string, error)
}

type Prober struct {
	Watcher        Watcher
	PageURL        string
	Marker         string
	AttemptTimeout time.Duration
	Logger         zerolog.Logger
}

// Capture runs up to maxRetries attempts separated by retryDelay. It returns
// ErrCaptureExhausted when all attempts fail, or the context error if ctx
// ends first.
func (p *Prober) Capture(ctx context.Context, maxRetries int, retryDelay time.Duration) (string, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}
	timeout := p.AttemptTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	attempt := 0
	url, err := backoff.Retry(ctx, func() (string, error) {
		attempt++
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		u, err := p.Watcher.Watch(actx, p.PageURL, p.Marker)
		if err != nil {
			metrics.IncCaptureAttempt("failure")
			p.Logger.Warn().Err(err).Int("attempt", attempt).Int("max", maxRetries).Msg("capture attempt failed")
			if ctx.Err() != nil {
				return "", backoff.Permanent(ctx.Err())
			}
			return "", err
		}
		metrics.IncCaptureAttempt("success")
		return u, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(retryDelay)),
		backoff.WithMaxTries(uint(maxRetries)),
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w after %d attempts: %v", ErrCaptureExhausted, attempt, err)
	}

	p.Logger.Info().Str("endpoint", url).Int("attempt", attempt).Msg("endpoint captured")
	return url, nil
}
