package internal

import (
	"bytes"
	"sync"
)

// BufferPool recycles response buffers between calls.
type BufferPool struct {
	pool sync.Pool
}

func NewBufferPool(initialSize int) *BufferPool {
	return &BufferPool{
		pool: sync.Pool{
			New: func() any {
				return bytes.NewBuffer(make([]byte, 0, initialSize))
			},
		},
	}
}

func (p *BufferPool) Get() *bytes.Buffer {
	return p.pool.Get().(*bytes.Buffer)
}

// Put returns buf to the pool. Oversized buffers are dropped so one large
// response does not pin memory.
func (p *BufferPool) Put(buf *bytes.Buffer) {
	if buf.Cap() > maxPooledBuffer {
		return
	}
	buf.Reset()
	p.pool.Put(buf)
}

const maxPooledBuffer = 8 << 20
