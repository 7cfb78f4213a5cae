package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes application metrics that are safe to scrape via Prometheus.
type Metrics struct {
	registry         *prometheus.Registry
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	commandsCreated  *prometheus.CounterVec
	commandsClaimed  prometheus.Counter
	commandsFinished *prometheus.CounterVec
	creditsCharged   prometheus.Counter
	creditsRefunded  prometheus.Counter
	pollWaitDuration prometheus.Histogram
	pollersWaiting   prometheus.Gauge
}

// New creates a fresh Metrics registry with HTTP and relay metrics registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "http_requests_total",
		Help:      "Count of HTTP requests processed by core-go",
	}, []string{"method", "path", "status"})

	httpDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relay",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests served by core-go",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	commandsCreated := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "commands_created_total",
		Help:      "Commands accepted into the queue, by risk level",
	}, []string{"risk"})

	commandsClaimed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "commands_claimed_total",
		Help:      "Commands handed to devices via poll claims",
	})

	commandsFinished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "commands_finished_total",
		Help:      "Commands that reached a terminal state, by status",
	}, []string{"status"})

	creditsCharged := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "credits_charged_total",
		Help:      "Credits debited for command submissions",
	})

	creditsRefunded := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "credits_refunded_total",
		Help:      "Credits refunded for rejected commands",
	})

	pollWaitDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "relay",
		Name:      "poll_wait_duration_seconds",
		Help:      "Time a device long-poll spent waiting before returning",
		Buckets:   []float64{0.05, 0.25, 1, 2, 5, 10, 20, 30},
	})

	pollersWaiting := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "pollers_waiting",
		Help:      "Device long-poll requests currently held open",
	})

	registry.MustRegister(
		httpRequests,
		httpDuration,
		commandsCreated,
		commandsClaimed,
		commandsFinished,
		creditsCharged,
		creditsRefunded,
		pollWaitDuration,
		pollersWaiting,
	)

	return &Metrics{
		registry:         registry,
		httpRequests:     httpRequests,
		httpDuration:     httpDuration,
		commandsCreated:  commandsCreated,
		commandsClaimed:  commandsClaimed,
		commandsFinished: commandsFinished,
		creditsCharged:   creditsCharged,
		creditsRefunded:  creditsRefunded,
		pollWaitDuration: pollWaitDuration,
		pollersWaiting:   pollersWaiting,
	}
}

// ObserveHTTPRequest records a single HTTP request/response cycle.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpDuration.With(labels).Observe(duration.Seconds())
}

// IncCommandCreated counts a command accepted into the queue.
func (m *Metrics) IncCommandCreated(risk string) {
	if m == nil {
		return
	}
	m.commandsCreated.WithLabelValues(risk).Inc()
}

// AddCommandsClaimed counts commands handed out by a poll claim.
func (m *Metrics) AddCommandsClaimed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.commandsClaimed.Add(float64(n))
}

// IncCommandFinished counts a terminal transition.
func (m *Metrics) IncCommandFinished(status string) {
	if m == nil {
		return
	}
	m.commandsFinished.WithLabelValues(status).Inc()
}

// AddCreditsCharged accumulates debited credits.
func (m *Metrics) AddCreditsCharged(amount int32) {
	if m == nil || amount <= 0 {
		return
	}
	m.creditsCharged.Add(float64(amount))
}

// AddCreditsRefunded accumulates refunded credits.
func (m *Metrics) AddCreditsRefunded(amount int32) {
	if m == nil || amount <= 0 {
		return
	}
	m.creditsRefunded.Add(float64(amount))
}

// ObservePollWait records how long a device poll was held open.
func (m *Metrics) ObservePollWait(duration time.Duration) {
	if m == nil {
		return
	}
	m.pollWaitDuration.Observe(duration.Seconds())
}

// PollerStarted/PollerFinished track the number of held-open polls.
func (m *Metrics) PollerStarted() {
	if m == nil {
		return
	}
	m.pollersWaiting.Inc()
}

func (m *Metrics) PollerFinished() {
	if m == nil {
		return
	}
	m.pollersWaiting.Dec()
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
