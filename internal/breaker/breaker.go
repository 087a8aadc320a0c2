// Package breaker builds the circuit breakers guarding remote calls.
package breaker

import (
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Config holds the settings for one circuit breaker.
type Config struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration

	// The breaker trips once MinRequests have been seen in the current
	// interval and at least FailureThreshold of them failed.
	FailureThreshold float64
	MinRequests      uint32
}

// Default returns the default configuration for a breaker called name.
func Default(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      5,
	}
}

// New creates a circuit breaker that logs its state changes.
// isFailure decides which errors count against the breaker; nil counts all.
func New(cfg Config, logger *zap.Logger, isFailure func(error) bool) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			if isFailure != nil {
				return !isFailure(err)
			}
			return false
		},
	})
}

// Rejected reports whether err came from the breaker refusing a call.
func Rejected(err error) bool {
	return err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests
}
