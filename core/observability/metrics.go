package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	ramhttp "github.com/ramapi/ramapi/core/http"
	"github.com/ramapi/ramapi/core/middleware"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ramapi",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route pattern, method, and status.",
	}, []string{"route", "method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ramapi",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route pattern and method.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
	}, []string{"route", "method"})

	requestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ramapi",
		Subsystem: "http",
		Name:      "requests_in_flight",
		Help:      "Requests currently being handled.",
	})
)

// Metrics returns middleware recording Prometheus metrics per request.
// Labels use the matched route pattern, not the raw path, so parameterized
// routes stay at one series each.
func Metrics() middleware.Middleware {
	return func(next ramhttp.Handler) ramhttp.Handler {
		return func(ctx *ramhttp.Context) error {
			start := time.Now()
			requestsInFlight.Inc()

			err := next(ctx)

			requestsInFlight.Dec()
			status := ctx.Status()
			if err != nil {
				status = ramhttp.ErrorFrom(err).Status
			}
			route := ctx.Route()
			if route == "" {
				route = "unmatched"
			}
			requestsTotal.WithLabelValues(route, ctx.Method(), strconv.Itoa(status)).Inc()
			requestDuration.WithLabelValues(route, ctx.Method()).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// MetricsHandler serves the Prometheus exposition format. It renders into
// the context's response buffer through the promhttp handler.
func MetricsHandler() ramhttp.Handler {
	h := promhttp.Handler()
	return func(ctx *ramhttp.Context) error {
		rec := newExpositionWriter()
		h.ServeHTTP(rec, rec.request())
		return ctx.Data(rec.status, rec.contentType(), rec.body.Bytes())
	}
}
