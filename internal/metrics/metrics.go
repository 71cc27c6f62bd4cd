// Package metrics holds the mixer's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mixer"

const (
	OutcomeOK        = "ok"
	OutcomeFailed    = "failed"
	OutcomeClaimLost = "claim_lost"
)

type Metrics struct {
	registry *prometheus.Registry

	requestsCreated   *prometheus.CounterVec
	depositsConfirmed *prometheus.CounterVec
	hops              *prometheus.CounterVec
	hopDuration       *prometheus.HistogramVec
	completed         *prometheus.CounterVec
	failed            *prometheus.CounterVec
	feeForwardErrors  *prometheus.CounterVec
	stranded          *prometheus.GaugeVec
	poolWallets       *prometheus.GaugeVec
	leader            prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers every collector, plus the Go and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "requests", Name: "created_total",
			Help: "Mix requests created.",
		}, []string{"chain"}),
		depositsConfirmed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "requests", Name: "deposits_confirmed_total",
			Help: "Deposits confirmed.",
		}, []string{"chain"}),
		hops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "hops_total",
			Help: "Hop attempts by outcome.",
		}, []string{"chain", "outcome"}),
		hopDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "hop_duration_seconds",
			Help:    "Wall time of one hop including confirmation.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"chain"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "requests", Name: "completed_total",
			Help: "Mix requests delivered to the recipient.",
		}, []string{"chain"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "requests", Name: "failed_total",
			Help: "Mix requests that ended in failed.",
		}, []string{"chain"}),
		feeForwardErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "fee_forward_failures_total",
			Help: "Fee forwards that failed after a successful final hop.",
		}, []string{"chain"}),
		stranded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "intervention", Name: "stranded_requests",
			Help: "Failed requests whose funds remain in a pool wallet.",
		}, []string{"chain"}),
		poolWallets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "wallets",
			Help: "Usable pool wallets.",
		}, []string{"chain"}),
		leader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "leader",
			Help: "1 while this instance holds the scheduler lease.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "route"}),
	}
	m.registry.MustRegister(
		m.requestsCreated, m.depositsConfirmed, m.hops, m.hopDuration,
		m.completed, m.failed, m.feeForwardErrors, m.stranded, m.poolWallets, m.leader,
		m.httpRequests, m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RequestCreated(chain string) {
	if m != nil {
		m.requestsCreated.WithLabelValues(chain).Inc()
	}
}

func (m *Metrics) DepositConfirmed(chain string) {
	if m != nil {
		m.depositsConfirmed.WithLabelValues(chain).Inc()
	}
}

func (m *Metrics) Hop(chain, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.hops.WithLabelValues(chain, outcome).Inc()
	if outcome == OutcomeOK {
		m.hopDuration.WithLabelValues(chain).Observe(took.Seconds())
	}
}

func (m *Metrics) Completed(chain string) {
	if m != nil {
		m.completed.WithLabelValues(chain).Inc()
	}
}

func (m *Metrics) Failed(chain string) {
	if m != nil {
		m.failed.WithLabelValues(chain).Inc()
	}
}

func (m *Metrics) FeeForwardFailed(chain string) {
	if m != nil {
		m.feeForwardErrors.WithLabelValues(chain).Inc()
	}
}

func (m *Metrics) SetStranded(chain string, n int) {
	if m != nil {
		m.stranded.WithLabelValues(chain).Set(float64(n))
	}
}

func (m *Metrics) SetPoolWallets(chain string, n int) {
	if m != nil {
		m.poolWallets.WithLabelValues(chain).Set(float64(n))
	}
}

func (m *Metrics) SetLeader(leader bool) {
	if m == nil {
		return
	}
	if leader {
		m.leader.Set(1)
	} else {
		m.leader.Set(0)
	}
}

// Instrument records request counts and latency labelled by the chi route pattern,
// so path parameters such as request ids never become label values.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
