package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramapi/ramapi/core/router"
)

func TestNewEngineDefaults(t *testing.T) {
	e := NewEngine(router.New(), Options{})
	defer e.workerPool.Close()

	assert.Equal(t, 100000, e.opts.MaxConnections)
	assert.Equal(t, 16384, e.opts.ReadBufferSize)
	assert.Equal(t, 30*time.Second, e.opts.IdleTimeout)
	assert.NotNil(t, e.workerPool)
	assert.Equal(t, int64(0), e.ActiveConnections())
}

func TestNewEngineInlineWorkers(t *testing.T) {
	e := NewEngine(router.New(), Options{Workers: -1})
	assert.Nil(t, e.workerPool)
}

func TestConnectionReset(t *testing.T) {
	c := &connection{
		fd:         5,
		state:      stateKeepalive,
		readBuf:    make([]byte, 10),
		readOffset: 3,
		lastActive: time.Now(),
	}
	c.Reset()
	assert.Equal(t, -1, c.fd)
	assert.Equal(t, stateReading, c.state)
	assert.Nil(t, c.readBuf)
	assert.Zero(t, c.readOffset)
	assert.True(t, c.lastActive.IsZero())
}

func TestGrowBufferPreservesData(t *testing.T) {
	e := NewEngine(router.New(), Options{Workers: -1})
	buf := e.bytePool.Get(1024)
	copy(buf, "hello")

	grown := e.growBuffer(buf, 5)
	require.Greater(t, cap(grown), 1024)
	assert.Equal(t, "hello", string(grown[:5]))
}

func TestShutdownBeforeRunHonorsContext(t *testing.T) {
	e := NewEngine(router.New(), Options{Workers: -1})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := e.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
