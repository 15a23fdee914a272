// Package metrics exposes raffle, keeper and HTTP activity to Prometheus.
package metrics

import (
	"bufio"
	"errors"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lox/autoraffle/internal/raffle"
	"github.com/lox/autoraffle/internal/upkeep"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autoraffle"

// Metrics owns a registry and the collectors registered on it.
type Metrics struct {
	registry *prometheus.Registry

	entries        *prometheus.CounterVec
	rounds         *prometheus.CounterVec
	requests       *prometheus.CounterVec
	reissues       *prometheus.CounterVec
	prizes         *prometheus.CounterVec
	players        *prometheus.GaugeVec
	pool           *prometheus.GaugeVec
	upkeepOutcomes *prometheus.CounterVec
	httpInFlight   prometheus.Gauge
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

var _ upkeep.Observer = (*Metrics)(nil)

// New builds a fresh registry. Process and Go runtime collectors are
// included.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "raffle",
			Name:      "entries_total",
			Help:      "Total number of accepted entries.",
		}, []string{"raffle"}),
		rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "raffle",
			Name:      "rounds_total",
			Help:      "Total number of rounds paid out.",
		}, []string{"raffle"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "raffle",
			Name:      "randomness_requests_total",
			Help:      "Total number of rounds closed with a randomness request.",
		}, []string{"raffle"}),
		reissues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "raffle",
			Name:      "request_reissues_total",
			Help:      "Total number of expired randomness requests replaced.",
		}, []string{"raffle"}),
		prizes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "raffle",
			Name:      "prizes_paid_wei_total",
			Help:      "Total value paid to winners, in wei.",
		}, []string{"raffle"}),
		players: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "raffle",
			Name:      "players",
			Help:      "Entries in the current round.",
		}, []string{"raffle"}),
		pool: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "raffle",
			Name:      "pool_wei",
			Help:      "Value held for the current round, in wei.",
		}, []string{"raffle"}),
		upkeepOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upkeep",
			Name:      "ticks_total",
			Help:      "Keeper ticks by outcome.",
		}, []string{"raffle", "outcome"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		m.entries,
		m.rounds,
		m.requests,
		m.reissues,
		m.prizes,
		m.players,
		m.pool,
		m.upkeepOutcomes,
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveUpkeep counts one keeper tick. Keepers are named after their raffle.
func (m *Metrics) ObserveUpkeep(keeper string, outcome upkeep.Outcome) {
	m.upkeepOutcomes.WithLabelValues(keeper, outcome.String()).Inc()
}

// RaffleSubscriber returns an event subscriber that feeds the raffle
// collectors for the named raffle.
func (m *Metrics) RaffleSubscriber(name string) raffle.EventSubscriber {
	m.players.WithLabelValues(name).Set(0)
	m.pool.WithLabelValues(name).Set(0)
	return raffle.SubscriberFunc(func(event raffle.Event) {
		switch e := event.(type) {
		case raffle.EnteredEvent:
			m.entries.WithLabelValues(name).Inc()
			m.players.WithLabelValues(name).Set(float64(e.Players))
			m.pool.WithLabelValues(name).Set(weiFloat(e.Pool))
		case raffle.WinnerRequestedEvent:
			m.requests.WithLabelValues(name).Inc()
		case raffle.RequestReissuedEvent:
			m.reissues.WithLabelValues(name).Inc()
		case raffle.WinnerPickedEvent:
			m.rounds.WithLabelValues(name).Inc()
			m.prizes.WithLabelValues(name).Add(weiFloat(e.Prize))
			m.players.WithLabelValues(name).Set(0)
			m.pool.WithLabelValues(name).Set(0)
		}
	})
}

// InstrumentHandler records request counts and latency keyed by the chi
// route pattern, so path parameters do not explode label cardinality.
func (m *Metrics) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		method := strings.ToUpper(r.Method)
		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
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

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack passes websocket upgrades through to the underlying writer.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func weiFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
