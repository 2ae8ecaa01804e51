package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJumpHash(t *testing.T) {
	assert.Equal(t, 0, JumpHash(42, 0))
	assert.Equal(t, 0, JumpHash(42, 1))

	for key := range uint64(1000) {
		b := JumpHash(key, 10)
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 10)
	}
}

func TestJumpHash_Monotone(t *testing.T) {
	// Growing the bucket count only ever moves a key to the new bucket.
	for key := range uint64(1000) {
		prev := JumpHash(key, 5)
		next := JumpHash(key, 6)
		if next != prev {
			assert.Equal(t, 5, next)
		}
	}
}

func TestBufferPool(t *testing.T) {
	p := NewBufferPool(16)

	buf := p.Get()
	buf.WriteString("payload")
	p.Put(buf)

	assert.Zero(t, p.Get().Len())

	big := p.Get()
	big.Grow(maxPooledBuffer + 1)
	p.Put(big)
}
