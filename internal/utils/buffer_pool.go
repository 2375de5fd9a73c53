package utils

import (
	"sync"
)

// buffer wraps a byte slice for use in sync.Pool.
type buffer struct {
	b []byte
}

// BufferPool provides reusable fixed-size byte buffers. The multipart
// uploader cycles one part-sized buffer per in-flight part through it, which
// is what keeps upload memory bounded by part size rather than object size.
type BufferPool struct {
	pool sync.Pool
	size int
}

// NewBufferPool creates a pool of buffers of the given size.
func NewBufferPool(bufferSize int) *BufferPool {
	return &BufferPool{
		size: bufferSize,
		pool: sync.Pool{
			New: func() interface{} {
				return &buffer{
					b: make([]byte, bufferSize),
				}
			},
		},
	}
}

// Get retrieves a buffer from the pool.
func (p *BufferPool) Get() []byte {
	buf := p.pool.Get().(*buffer)
	return buf.b[:p.size]
}

// Put returns a buffer to the pool. Buffers of the wrong size are dropped.
func (p *BufferPool) Put(buf []byte) {
	if cap(buf) == p.size {
		p.pool.Put(&buffer{b: buf})
	}
}
