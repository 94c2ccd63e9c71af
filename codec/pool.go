package codec

import "sync"

// maxPooledBuffer bounds the capacity of buffers returned to the pool
const maxPooledBuffer = 64 << 10

// ObjectPool provides a pool of reusable objects
type ObjectPool[T any] struct {
	pool sync.Pool
}

// NewObjectPool creates a new object pool
func NewObjectPool[T any](newFunc func() T) *ObjectPool[T] {
	return &ObjectPool[T]{
		pool: sync.Pool{
			New: func() any {
				return newFunc()
			},
		},
	}
}

// Get retrieves an object from the pool
func (p *ObjectPool[T]) Get() T {
	return p.pool.Get().(T)
}

// Put returns an object to the pool
func (p *ObjectPool[T]) Put(x T) {
	p.pool.Put(x)
}

// bufferPool holds scratch buffers for JSON encoding
var bufferPool = NewObjectPool(func() *[]byte {
	b := make([]byte, 0, 512)
	return &b
})

func getBuffer() *[]byte {
	return bufferPool.Get()
}

func putBuffer(b *[]byte) {
	if cap(*b) > maxPooledBuffer {
		return
	}
	*b = (*b)[:0]
	bufferPool.Put(b)
}
