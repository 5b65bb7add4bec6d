// Package observability provides request profiling, the waterfall trace
// view, Prometheus metrics, and the OpenTelemetry export bridge.
//
// The profiler is inert until enabled: recording into a disabled Recorder
// is a nil-check and nothing more, so instrumented handlers cost nothing
// in production unless profiling is switched on.
package observability

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// defaultCapacity is the trace ring size when the caller passes zero.
const defaultCapacity = 1024

// maxSpansPerTrace caps span fan-out per trace. Children past the cap are
// timed but not retained, so a runaway loop cannot eat the heap.
const maxSpansPerTrace = 512

// Span is one timed operation inside a trace. Spans form a tree; the root
// span covers the whole request.
type Span struct {
	ID       string         `json:"id"`
	ParentID string         `json:"parentId,omitempty"`
	Name     string         `json:"name"`
	Start    time.Time      `json:"start"`
	Ended    time.Time      `json:"end"`
	Meta     map[string]any `json:"meta,omitempty"`

	trace *trace
}

// Child opens a sub-span. The caller must End it.
func (s *Span) Child(name string) *Span {
	if s == nil {
		return nil
	}
	child := &Span{
		ID:       uuid.NewString(),
		ParentID: s.ID,
		Name:     name,
		Start:    time.Now(),
		trace:    s.trace,
	}
	s.trace.attach(child)
	return child
}

// SetMeta attaches a key/value annotation to the span.
func (s *Span) SetMeta(key string, value any) {
	if s == nil {
		return
	}
	s.trace.mu.Lock()
	if s.Meta == nil {
		s.Meta = make(map[string]any, 4)
	}
	s.Meta[key] = value
	s.trace.mu.Unlock()
}

// End closes the span.
func (s *Span) End() {
	if s == nil {
		return
	}
	s.trace.mu.Lock()
	s.End0()
	s.trace.mu.Unlock()
}

// End0 closes the span without locking. Callers hold the trace lock.
func (s *Span) End0() {
	if s.Ended.IsZero() {
		s.Ended = time.Now()
	}
}

// Duration returns the span's elapsed time, zero while it is open.
func (s *Span) Duration() time.Duration {
	if s == nil || s.Ended.IsZero() {
		return 0
	}
	return s.Ended.Sub(s.Start)
}

type trace struct {
	mu      sync.Mutex
	id      string
	route   string
	method  string
	status  int
	spans   []*Span
	dropped int
}

func (t *trace) attach(s *Span) {
	t.mu.Lock()
	if len(t.spans) < maxSpansPerTrace {
		t.spans = append(t.spans, s)
	} else {
		t.dropped++
	}
	t.mu.Unlock()
}

// Trace is a finished request trace, as served by the profiling endpoints.
type Trace struct {
	TraceID  string        `json:"traceId"`
	Method   string        `json:"method"`
	Route    string        `json:"route"`
	Status   int           `json:"status"`
	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"durationNs"`
	Spans    []*Span       `json:"spans"`
	Dropped  int           `json:"droppedSpans,omitempty"`
}

// Recorder keeps a bounded ring of finished traces plus per-route latency
// stats. All methods are safe for concurrent use and near-free while the
// recorder is disabled.
type Recorder struct {
	enabled  atomic.Bool
	capacity int

	mu     sync.Mutex
	ring   []*Trace
	next   int
	filled bool
	byID   map[string]*Trace

	stats sync.Map // route pattern -> *routeStats

	// onFinish, when set, runs with every committed trace. Set before
	// serving; not guarded.
	onFinish func(*Trace)
}

// NewRecorder builds a Recorder holding up to capacity finished traces.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Recorder{
		capacity: capacity,
		ring:     make([]*Trace, capacity),
		byID:     make(map[string]*Trace, capacity),
	}
}

// SetEnabled switches recording on or off at runtime.
func (r *Recorder) SetEnabled(on bool) { r.enabled.Store(on) }

// Enabled reports whether traces are being recorded.
func (r *Recorder) Enabled() bool { return r.enabled.Load() }

// StartTrace opens a trace and returns its root span. Returns nil when the
// recorder is disabled; a nil root span is safe to use everywhere.
func (r *Recorder) StartTrace(traceID, method, route string) *Span {
	if !r.enabled.Load() {
		return nil
	}
	if traceID == "" {
		traceID = uuid.NewString()
	}
	tr := &trace{id: traceID, method: method, route: route}
	root := &Span{
		ID:    uuid.NewString(),
		Name:  "request",
		Start: time.Now(),
		trace: tr,
	}
	tr.spans = append(tr.spans, root)
	return root
}

// FinishTrace closes the root span and commits the trace to the ring.
// The route is re-read from the span's trace because dispatch attaches
// the matched pattern after the trace starts.
func (r *Recorder) FinishTrace(root *Span, route string, status int) {
	if root == nil {
		return
	}
	tr := root.trace

	tr.mu.Lock()
	for _, s := range tr.spans {
		s.End0()
	}
	if route != "" {
		tr.route = route
	}
	tr.status = status
	finished := &Trace{
		TraceID:  tr.id,
		Method:   tr.method,
		Route:    tr.route,
		Status:   status,
		Start:    root.Start,
		Duration: root.Ended.Sub(root.Start),
		Spans:    append([]*Span(nil), tr.spans...),
		Dropped:  tr.dropped,
	}
	tr.mu.Unlock()

	r.commit(finished)
	r.recordStats(finished)
	if r.onFinish != nil {
		r.onFinish(finished)
	}
}

// OnFinish registers a callback for every committed trace, used to
// mirror traces into an external exporter.
func (r *Recorder) OnFinish(fn func(*Trace)) { r.onFinish = fn }

func (r *Recorder) commit(tr *Trace) {
	r.mu.Lock()
	if old := r.ring[r.next]; old != nil {
		delete(r.byID, old.TraceID)
	}
	r.ring[r.next] = tr
	r.byID[tr.TraceID] = tr
	r.next++
	if r.next == r.capacity {
		r.next = 0
		r.filled = true
	}
	r.mu.Unlock()
}

// Trace returns a finished trace by ID.
func (r *Recorder) Trace(traceID string) (*Trace, bool) {
	r.mu.Lock()
	tr, ok := r.byID[traceID]
	r.mu.Unlock()
	return tr, ok
}

// Traces returns the retained traces, newest first.
func (r *Recorder) Traces() []*Trace {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.filled {
		n = r.capacity
	}
	out := make([]*Trace, 0, n)
	for i := 1; i <= n; i++ {
		idx := r.next - i
		if idx < 0 {
			idx += r.capacity
		}
		if r.ring[idx] != nil {
			out = append(out, r.ring[idx])
		}
	}
	return out
}

// Clear drops all retained traces. Stats survive.
func (r *Recorder) Clear() {
	r.mu.Lock()
	r.ring = make([]*Trace, r.capacity)
	r.byID = make(map[string]*Trace, r.capacity)
	r.next = 0
	r.filled = false
	r.mu.Unlock()
}

// Per-route stats

var latencyBuckets = [...]time.Duration{
	time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

type routeStats struct {
	mu      sync.Mutex
	count   int64
	errors  int64
	total   time.Duration
	min     time.Duration
	max     time.Duration
	buckets [len(latencyBuckets) + 1]int64
}

func (r *Recorder) recordStats(tr *Trace) {
	key := tr.Method + " " + tr.Route
	v, _ := r.stats.LoadOrStore(key, &routeStats{})
	st := v.(*routeStats)

	st.mu.Lock()
	st.count++
	if tr.Status >= 500 {
		st.errors++
	}
	st.total += tr.Duration
	if st.min == 0 || tr.Duration < st.min {
		st.min = tr.Duration
	}
	if tr.Duration > st.max {
		st.max = tr.Duration
	}
	idx := len(latencyBuckets)
	for i, b := range latencyBuckets {
		if tr.Duration <= b {
			idx = i
			break
		}
	}
	st.buckets[idx]++
	st.mu.Unlock()
}

// RouteStat is one route's aggregate latency profile.
type RouteStat struct {
	Route   string           `json:"route"`
	Count   int64            `json:"count"`
	Errors  int64            `json:"errors"`
	MeanNs  time.Duration    `json:"meanNs"`
	MinNs   time.Duration    `json:"minNs"`
	MaxNs   time.Duration    `json:"maxNs"`
	Buckets map[string]int64 `json:"buckets"`
}

// Stats returns per-route aggregates sorted by route key.
func (r *Recorder) Stats() []RouteStat {
	var out []RouteStat
	r.stats.Range(func(k, v any) bool {
		st := v.(*routeStats)
		st.mu.Lock()
		stat := RouteStat{
			Route:   k.(string),
			Count:   st.count,
			Errors:  st.errors,
			MinNs:   st.min,
			MaxNs:   st.max,
			Buckets: make(map[string]int64, len(st.buckets)),
		}
		if st.count > 0 {
			stat.MeanNs = st.total / time.Duration(st.count)
		}
		for i, b := range latencyBuckets {
			stat.Buckets["le_"+b.String()] = st.buckets[i]
		}
		stat.Buckets["inf"] = st.buckets[len(latencyBuckets)]
		st.mu.Unlock()
		out = append(out, stat)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Route < out[j].Route })
	return out
}
