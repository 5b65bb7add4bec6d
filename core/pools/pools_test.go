package pools

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBytePoolTiers(t *testing.T) {
	bp := NewBytePool()

	buf := bp.Get(100)
	assert.Len(t, buf, 100)
	assert.Equal(t, 1024, cap(buf))
	bp.Put(buf)

	buf = bp.Get(5000)
	assert.Len(t, buf, 5000)
	assert.Equal(t, 16384, cap(buf))
	bp.Put(buf)

	// Over the top tier: direct allocation.
	buf = bp.Get(1 << 20)
	assert.Len(t, buf, 1<<20)
	bp.Put(buf) // no tier matches, dropped
}

func TestBytePoolReuse(t *testing.T) {
	bp := NewBytePoolTiers([]int{64})
	buf := bp.Get(64)
	buf[0] = 0xAA
	bp.Put(buf)

	again := bp.Get(64)
	assert.Equal(t, 64, cap(again))
}

func TestWorkerPoolRunsAllTasks(t *testing.T) {
	p := NewWorkerPool(4)

	var counter atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		ok := p.Submit(func() {
			counter.Add(1)
			wg.Done()
		})
		require.True(t, ok)
	}
	wg.Wait()
	p.Close()

	assert.Equal(t, int64(200), counter.Load())
	stats := p.Stats()
	assert.Equal(t, uint64(200), stats.Completed)
	assert.Equal(t, uint64(0), stats.Pending)
}

func TestWorkerPoolCloseDrains(t *testing.T) {
	p := NewWorkerPool(2)

	var counter atomic.Int64
	for i := 0; i < 50; i++ {
		p.Submit(func() {
			time.Sleep(time.Millisecond)
			counter.Add(1)
		})
	}
	p.Close()

	assert.Equal(t, int64(50), counter.Load())
	assert.False(t, p.Submit(func() {}))
}

func TestWorkerPoolInlineOverflow(t *testing.T) {
	p := NewWorkerPool(1)
	defer p.Close()

	block := make(chan struct{})
	// Occupy the single worker.
	p.Submit(func() { <-block })

	// Fill its queue.
	for i := 0; i < 2*queueDepth; i++ {
		p.Submit(func() {})
	}

	// Overflow executes inline on the submitting goroutine.
	var ran atomic.Bool
	p.Submit(func() { ran.Store(true) })
	assert.True(t, ran.Load())

	close(block)
}

func TestConnPool(t *testing.T) {
	type state struct {
		fd    int
		dirty bool
	}
	cp := NewConnPool(func() any { return &state{} })

	s := cp.Get().(*state)
	s.fd = 7
	s.dirty = true
	cp.Put(s)

	gets, puts, rate := cp.Stats()
	assert.Equal(t, uint64(1), gets)
	assert.Equal(t, uint64(1), puts)
	assert.Equal(t, 1.0, rate)
}

type resettableConn struct {
	fd int
}

func (c *resettableConn) Reset() { c.fd = -1 }

func TestConnPoolResetsOnPut(t *testing.T) {
	cp := NewConnPool(func() any { return &resettableConn{} })

	c := cp.Get().(*resettableConn)
	c.fd = 9
	cp.Put(c)
	assert.Equal(t, -1, c.fd)
}

func BenchmarkWorkerPoolSubmit(b *testing.B) {
	p := NewWorkerPool(8)
	defer p.Close()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			p.Submit(func() {})
		}
	})
}

func BenchmarkBytePoolGetPut(b *testing.B) {
	bp := NewBytePool()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			buf := bp.Get(2048)
			bp.Put(buf)
		}
	})
}
