package coarsetime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNow(t *testing.T) {
	assert.WithinDuration(t, time.Now(), Now(), 2*tick)

	first := Now()
	time.Sleep(3 * tick)
	assert.True(t, Now().After(first))
}

func BenchmarkNow(b *testing.B) {
	var t time.Time

	b.Run("time", func(b *testing.B) {
		for b.Loop() {
			t = time.Now()
		}
	})

	b.Run("coarsetime", func(b *testing.B) {
		for b.Loop() {
			t = Now()
		}
	})

	_ = t
}
