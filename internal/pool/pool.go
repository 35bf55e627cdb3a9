/*
Package pool provides cache for buffer memory pools.

The main use case for this package is to reuse frame memory across
elements and graphs which produce buffers of the same size.
*/
package pool

import (
	"sync"
)

// Pool allocates byte slices of a fixed size.
type Pool struct {
	size int
	pool sync.Pool
}

var m = struct {
	sync.Mutex
	pools map[int]*Pool
}{
	pools: map[int]*Pool{},
}

// Get returns pool for provided size. Pools are cached internally, so
// multiple calls for same size will return the same pool instance.
func Get(size int) *Pool {
	m.Lock()
	defer m.Unlock()
	if p, ok := m.pools[size]; ok {
		return p
	}

	p := &Pool{size: size}
	p.pool.New = func() interface{} {
		b := make([]byte, size)
		return &b
	}
	m.pools[size] = p
	return p
}

// Wipe cleans up internal cache of pools.
func Wipe() {
	m.Lock()
	defer m.Unlock()
	m.pools = map[int]*Pool{}
}

// Size returns size of slices allocated by pool.
func (p *Pool) Size() int {
	return p.size
}

// Alloc returns a slice from pool. Content is not zeroed.
func (p *Pool) Alloc() []byte {
	return *(p.pool.Get().(*[]byte))
}

// Free returns slice to the pool. Slices of other capacity are dropped.
func (p *Pool) Free(b []byte) {
	if cap(b) != p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}
