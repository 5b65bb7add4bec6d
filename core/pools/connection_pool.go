package pools

import (
	"sync"
	"sync/atomic"
)

// Resettable is implemented by pooled objects that must be wiped before
// reuse.
type Resettable interface {
	Reset()
}

// ConnPool pools per-connection state objects for the engine.
type ConnPool struct {
	pool sync.Pool
	gets atomic.Uint64
	puts atomic.Uint64
}

// NewConnPool creates a pool producing objects from newFunc.
func NewConnPool(newFunc func() any) *ConnPool {
	cp := &ConnPool{}
	cp.pool.New = newFunc
	return cp
}

// Get retrieves an object from the pool.
func (cp *ConnPool) Get() any {
	cp.gets.Add(1)
	return cp.pool.Get()
}

// Put resets the object when it is Resettable and returns it to the pool.
func (cp *ConnPool) Put(obj any) {
	if r, ok := obj.(Resettable); ok {
		r.Reset()
	}
	cp.puts.Add(1)
	cp.pool.Put(obj)
}

// Stats reports gets, puts, and the put/get ratio.
func (cp *ConnPool) Stats() (gets, puts uint64, reuseRate float64) {
	g := cp.gets.Load()
	p := cp.puts.Load()
	if g > 0 {
		reuseRate = float64(p) / float64(g)
	}
	return g, p, reuseRate
}
