// Package pools provides the object pools backing the engine's hot path:
// tiered byte buffers for socket reads, a work-stealing task pool for
// handler execution, and a generic pool for connection state.
package pools

import "sync"

// Size tiers for HTTP workloads. Most requests fit the 4 KiB tier.
var bufferTiers = []int{1024, 4096, 16384, 65536}

// BytePool hands out byte slices from per-tier sync.Pools. Slices larger
// than the top tier are allocated directly and dropped on Put.
type BytePool struct {
	tiers []int
	pools []*sync.Pool
}

// NewBytePool creates a pool with the default size tiers.
func NewBytePool() *BytePool {
	return NewBytePoolTiers(bufferTiers)
}

// NewBytePoolTiers creates a pool with custom ascending size tiers.
func NewBytePoolTiers(tiers []int) *BytePool {
	bp := &BytePool{
		tiers: tiers,
		pools: make([]*sync.Pool, len(tiers)),
	}
	for i, tier := range tiers {
		size := tier
		bp.pools[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, size)
				return &buf
			},
		}
	}
	return bp
}

// Get returns a slice with the requested length backed by the smallest
// tier that fits it.
func (bp *BytePool) Get(size int) []byte {
	for i, tier := range bp.tiers {
		if size <= tier {
			buf := *bp.pools[i].Get().(*[]byte)
			return buf[:size]
		}
	}
	return make([]byte, size)
}

// Put returns a slice to its tier. Slices whose capacity matches no tier
// are left to the garbage collector.
func (bp *BytePool) Put(buf []byte) {
	c := cap(buf)
	for i, tier := range bp.tiers {
		if c == tier {
			buf = buf[:c]
			bp.pools[i].Put(&buf)
			return
		}
	}
}

var globalBytePool = NewBytePool()

// GetBytes returns a slice from the shared pool.
func GetBytes(size int) []byte { return globalBytePool.Get(size) }

// PutBytes returns a slice to the shared pool.
func PutBytes(buf []byte) { globalBytePool.Put(buf) }
