package qclient

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

// NewCircuitBreakerConfig returns a function that creates circuit breakers for nodes.
// This is a helper for common use cases.
//
// Only transport failures count against a node. A call cancelled by its
// caller is not a node failure.
func NewCircuitBreakerConfig(maxRequests uint32, interval, timeout time.Duration) func(string) *gobreaker.CircuitBreaker[bool] {
	return func(nodeURL string) *gobreaker.CircuitBreaker[bool] {
		settings := gobreaker.Settings{
			Name:        nodeURL,
			MaxRequests: maxRequests,
			Interval:    interval,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
		}
		return gobreaker.NewCircuitBreaker[bool](settings)
	}
}
