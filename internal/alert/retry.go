package alert

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rcliao/care-companion/internal/config"
)

// RetryPolicy bounds delivery attempts on one channel.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
	Multiplier  float64
	Jitter      float64 // fraction of the delay, applied symmetrically
}

// PolicyFromConfig converts the alert section of the configuration.
func PolicyFromConfig(cfg config.AlertConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Base:        cfg.BaseBackoff,
		Max:         cfg.MaxBackoff,
		Multiplier:  cfg.Multiplier,
		Jitter:      cfg.Jitter,
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	delay := float64(p.Base)
	for i := 1; i < attempt; i++ {
		delay *= mult
		if p.Max > 0 && delay >= float64(p.Max) {
			delay = float64(p.Max)
			break
		}
	}
	if p.Max > 0 && delay > float64(p.Max) {
		delay = float64(p.Max)
	}

	if p.Jitter > 0 {
		delay += delay * p.Jitter * (2*rand.Float64() - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
