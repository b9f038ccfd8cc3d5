// Package metrics holds the prometheus collectors shared by the sync engine and the local API.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "todosync"

var (
	registerOnce sync.Once

	datagrams = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "datagrams_total",
			Help:      "Datagrams sent and received.",
		},
		[]string{"direction"},
	)
	transportErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "errors_total",
			Help:      "Transport send and receive failures.",
		},
		[]string{"direction"},
	)
	fragmentErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fragment",
			Name:      "dropped_total",
			Help:      "Malformed or inconsistent fragments dropped.",
		},
	)
	reassemblyPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fragment",
			Name:      "pending_messages",
			Help:      "Incomplete messages waiting for more fragments.",
		},
	)
	reassemblyEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fragment",
			Name:      "evicted_total",
			Help:      "Incomplete messages dropped because they went idle or the buffer limit was reached.",
		},
	)
	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "messages_total",
			Help:      "Sync messages broadcast or received.",
		},
		[]string{"direction", "kind"},
	)
	changesApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "changes_applied_total",
			Help:      "Changes that entered the local history.",
		},
		[]string{"origin"},
	)
	mergeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "merge_errors_total",
			Help:      "Remote changes discarded as corrupt.",
		},
	)
	peersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "peers_active",
			Help:      "Peers heard from within the liveness window.",
		},
	)
	saves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persist",
			Name:      "saves_total",
			Help:      "Snapshot writes by result.",
		},
		[]string{"success"},
	)
	saveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "persist",
			Name:      "save_duration_seconds",
			Help:      "Snapshot write duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			datagrams, transportErrors,
			fragmentErrors, reassemblyPending, reassemblyEvicted,
			messages, changesApplied, mergeErrors, peersActive,
			saves, saveDuration,
			httpRequests, httpDuration,
		)
	})
}

func DatagramSent()     { datagrams.WithLabelValues("out").Inc() }
func DatagramReceived() { datagrams.WithLabelValues("in").Inc() }
func SendFailed()       { transportErrors.WithLabelValues("out").Inc() }
func ReceiveFailed()    { transportErrors.WithLabelValues("in").Inc() }
func FragmentDropped()  { fragmentErrors.Inc() }
func MergeFailed()      { mergeErrors.Inc() }

func Reassembly(pending int, evicted int) {
	reassemblyPending.Set(float64(pending))
	if evicted > 0 {
		reassemblyEvicted.Add(float64(evicted))
	}
}

func MessageSent(full bool)     { messages.WithLabelValues("out", kind(full)).Inc() }
func MessageReceived(full bool) { messages.WithLabelValues("in", kind(full)).Inc() }

func kind(full bool) string {
	if full {
		return "full"
	}
	return "delta"
}

func ChangesApplied(origin string, n int) {
	if n > 0 {
		changesApplied.WithLabelValues(origin).Add(float64(n))
	}
}

func PeersActive(n int) { peersActive.Set(float64(n)) }

func RecordSave(success bool, duration time.Duration) {
	saves.WithLabelValues(strconv.FormatBool(success)).Inc()
	saveDuration.Observe(duration.Seconds())
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
