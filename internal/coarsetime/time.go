// Package coarsetime provides a clock that is cheap to read.
// It updates the current time at a fixed interval (50ms) in a separate goroutine,
// which is precise enough to timestamp node activity.
package coarsetime

import (
	"sync/atomic"
	"time"
)

const tick = 50 * time.Millisecond

var now atomic.Pointer[time.Time]

func init() {
	t := time.Now()
	now.Store(&t)

	ticker := time.NewTicker(tick)
	go func() {
		for t := range ticker.C {
			now.Store(&t)
		}
	}()
}

// Now returns the current time, at most one tick old.
func Now() time.Time {
	return *now.Load()
}
