package observability

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderDisabledIsInert(t *testing.T) {
	rec := NewRecorder(8)
	root := rec.StartTrace("", "GET", "/x")
	require.Nil(t, root)

	// Nil spans are safe all the way down.
	child := root.Child("db")
	child.SetMeta("k", "v")
	child.End()
	rec.FinishTrace(root, "/x", 200)

	assert.Empty(t, rec.Traces())
}

func TestTraceRoundTrip(t *testing.T) {
	rec := NewRecorder(8)
	rec.SetEnabled(true)

	root := rec.StartTrace("trace-1", "GET", "/users/42")
	require.NotNil(t, root)

	db := root.Child("db.query")
	db.SetMeta("table", "users")
	db.End()
	cacheSpan := root.Child("cache.set")
	cacheSpan.End()

	rec.FinishTrace(root, "/users/:id", 200)

	tr, ok := rec.Trace("trace-1")
	require.True(t, ok)
	assert.Equal(t, "GET", tr.Method)
	assert.Equal(t, "/users/:id", tr.Route, "route pattern replaces the raw path")
	assert.Equal(t, 200, tr.Status)
	require.Len(t, tr.Spans, 3)
	assert.Equal(t, "request", tr.Spans[0].Name)
	assert.Equal(t, tr.Spans[0].ID, tr.Spans[1].ParentID)
	assert.Equal(t, "users", tr.Spans[1].Meta["table"])
	assert.GreaterOrEqual(t, tr.Duration, time.Duration(0))
}

func TestFinishClosesOpenSpans(t *testing.T) {
	rec := NewRecorder(8)
	rec.SetEnabled(true)

	root := rec.StartTrace("t", "GET", "/x")
	root.Child("leaked") // never ended
	rec.FinishTrace(root, "/x", 200)

	tr, ok := rec.Trace("t")
	require.True(t, ok)
	for _, s := range tr.Spans {
		assert.False(t, s.Ended.IsZero(), "span %s left open", s.Name)
	}
}

func TestRingEviction(t *testing.T) {
	rec := NewRecorder(4)
	rec.SetEnabled(true)

	for i := 0; i < 6; i++ {
		root := rec.StartTrace(fmt.Sprintf("t%d", i), "GET", "/x")
		rec.FinishTrace(root, "/x", 200)
	}

	traces := rec.Traces()
	require.Len(t, traces, 4)
	// Newest first.
	assert.Equal(t, "t5", traces[0].TraceID)
	assert.Equal(t, "t2", traces[3].TraceID)

	// Evicted traces are no longer addressable.
	_, ok := rec.Trace("t0")
	assert.False(t, ok)
	_, ok = rec.Trace("t5")
	assert.True(t, ok)
}

func TestClear(t *testing.T) {
	rec := NewRecorder(4)
	rec.SetEnabled(true)
	root := rec.StartTrace("t", "GET", "/x")
	rec.FinishTrace(root, "/x", 200)

	rec.Clear()
	assert.Empty(t, rec.Traces())
	_, ok := rec.Trace("t")
	assert.False(t, ok)

	// Stats survive a clear.
	stats := rec.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].Count)
}

func TestSpanCap(t *testing.T) {
	rec := NewRecorder(4)
	rec.SetEnabled(true)

	root := rec.StartTrace("t", "GET", "/x")
	for i := 0; i < maxSpansPerTrace+10; i++ {
		root.Child("s").End()
	}
	rec.FinishTrace(root, "/x", 200)

	tr, ok := rec.Trace("t")
	require.True(t, ok)
	assert.Len(t, tr.Spans, maxSpansPerTrace)
	assert.Equal(t, 11, tr.Dropped)
}

func TestStats(t *testing.T) {
	rec := NewRecorder(8)
	rec.SetEnabled(true)

	for _, status := range []int{200, 200, 500} {
		root := rec.StartTrace("", "GET", "/a")
		rec.FinishTrace(root, "/a", status)
	}
	root := rec.StartTrace("", "POST", "/a")
	rec.FinishTrace(root, "/a", 201)

	stats := rec.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "GET /a", stats[0].Route)
	assert.Equal(t, int64(3), stats[0].Count)
	assert.Equal(t, int64(1), stats[0].Errors)
	assert.Equal(t, "POST /a", stats[1].Route)
	assert.Equal(t, int64(1), stats[1].Count)
}

func TestWaterfallDepthAndOrder(t *testing.T) {
	rec := NewRecorder(8)
	rec.SetEnabled(true)

	root := rec.StartTrace("t", "GET", "/x")
	outer := root.Child("outer")
	inner := outer.Child("inner")
	inner.End()
	outer.End()
	rec.FinishTrace(root, "/x", 200)

	tr, _ := rec.Trace("t")
	entries := Waterfall(tr)
	require.Len(t, entries, 3)
	assert.Equal(t, "request", entries[0].Name)
	assert.Equal(t, 0, entries[0].Depth)
	assert.Equal(t, "outer", entries[1].Name)
	assert.Equal(t, 1, entries[1].Depth)
	assert.Equal(t, "inner", entries[2].Name)
	assert.Equal(t, 2, entries[2].Depth)

	for i := 1; i < len(entries); i++ {
		assert.GreaterOrEqual(t, entries[i].OffsetNs, entries[i-1].OffsetNs)
	}
}

func BenchmarkDisabledStartTrace(b *testing.B) {
	rec := NewRecorder(8)
	for i := 0; i < b.N; i++ {
		root := rec.StartTrace("", "GET", "/x")
		rec.FinishTrace(root, "/x", 200)
	}
}
