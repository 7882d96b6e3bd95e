package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()
	once     sync.Once

	matchingLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "matcher_command_latency_seconds",
		Help:    "Time spent by an order book processing one command.",
		Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
	}, []string{"symbol", "command"})
	ordersProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matcher_orders_total",
			Help: "Orders processed by final status.",
		},
		[]string{"symbol", "status"},
	)
	tradesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matcher_trades_total",
			Help: "Total number of trades created.",
		},
		[]string{"symbol"},
	)
	orderbookDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "matcher_orderbook_depth",
			Help: "Number of price levels per side.",
		},
		[]string{"symbol", "side"},
	)
	bookState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "matcher_orderbook_state",
			Help: "Order book state: 0 running, 1 suspended, 2 halted.",
		},
		[]string{"symbol"},
	)
	pipelineBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matcher_pipeline_backlog",
		Help: "Events published by order books and not yet persisted.",
	})
	persistRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matcher_persist_retries_total",
			Help: "Event store write retries.",
		},
		[]string{"symbol"},
	)
	persistFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matcher_persist_failures_total",
			Help: "Events the event store could not record after all retries.",
		},
		[]string{"symbol"},
	)
	notifierFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matcher_notifier_failures_total",
			Help: "Notifier retry rounds that failed. The event is retried again later.",
		},
		[]string{"notifier", "reason"},
	)
	notifierBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "matcher_notifier_backlog",
			Help: "Persisted events waiting for delivery, per notifier.",
		},
		[]string{"notifier"},
	)
)

// Init registers metrics with the registry once.
func Init() {
	once.Do(func() {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			matchingLatency,
			ordersProcessed,
			tradesCreated,
			orderbookDepth,
			bookState,
			pipelineBacklog,
			persistRetries,
			persistFailures,
			notifierFailures,
			notifierBacklog,
		)
	})
}

// Handler exposes the Prometheus metrics endpoint handler.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveCommandLatency records how long a book spent on one command.
func ObserveCommandLatency(symbol, command string, d time.Duration) {
	Init()
	matchingLatency.WithLabelValues(symbol, command).Observe(d.Seconds())
}

// IncOrders counts a processed order by its final status.
func IncOrders(symbol, status string) {
	Init()
	ordersProcessed.WithLabelValues(symbol, status).Inc()
}

// AddTrades increments the trades counter for a symbol by n.
func AddTrades(symbol string, n int) {
	Init()
	if n <= 0 {
		return
	}
	tradesCreated.WithLabelValues(symbol).Add(float64(n))
}

// SetOrderbookDepth sets the current number of price levels for a symbol and side.
func SetOrderbookDepth(symbol, side string, depth float64) {
	Init()
	orderbookDepth.WithLabelValues(symbol, side).Set(depth)
}

// SetBookState records the lifecycle state of a symbol's book.
func SetBookState(symbol string, state float64) {
	Init()
	bookState.WithLabelValues(symbol).Set(state)
}

// SetPipelineBacklog sets the number of events waiting for persistence.
func SetPipelineBacklog(n int64) {
	Init()
	pipelineBacklog.Set(float64(n))
}

// IncPersistRetry counts one event store retry.
func IncPersistRetry(symbol string) {
	Init()
	persistRetries.WithLabelValues(symbol).Inc()
}

// IncPersistFailure counts an event that exhausted its retries.
func IncPersistFailure(symbol string) {
	Init()
	persistFailures.WithLabelValues(symbol).Inc()
}

// IncNotifierFailure counts a failed notifier retry round.
func IncNotifierFailure(notifier, reason string) {
	Init()
	notifierFailures.WithLabelValues(notifier, reason).Inc()
}

// SetNotifierBacklog sets how many events a notifier has not delivered yet.
func SetNotifierBacklog(notifier string, n int) {
	Init()
	notifierBacklog.WithLabelValues(notifier).Set(float64(n))
}
