package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RelayMetrics instruments the relay core and its adjacent stores.
//
// The nil value is valid and records nothing.
type RelayMetrics struct {
	activeSessions   prometheus.Gauge
	connectedClients prometheus.Gauge
	eventsTotal      *prometheus.CounterVec
	eventDuration    *prometheus.HistogramVec
	chunksStored     prometheus.Counter
	chunkBytes       prometheus.Counter
	broadcastsTotal  *prometheus.CounterVec
	replayItems      prometheus.Histogram
	authFailures     prometheus.Counter
}

// NewRelayMetrics creates the relay collectors. Returns nil if metrics are
// not enabled (InitRegistry not called).
func NewRelayMetrics() *RelayMetrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &RelayMetrics{
		activeSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "sharethings_active_sessions",
				Help: "Number of sessions with at least one connected client",
			},
		),
		connectedClients: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "sharethings_connected_clients",
				Help: "Total number of connected clients across all sessions",
			},
		),
		eventsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "sharethings_events_total",
				Help: "Total number of relay events processed by type and status",
			},
			[]string{"event", "status"}, // status: "ok", "error"
		),
		eventDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "sharethings_event_duration_milliseconds",
				Help: "Duration of relay event handling in milliseconds",
				Buckets: []float64{
					0.5,  // in-memory events
					1,    // 1ms
					5,    // 5ms
					10,   // 10ms
					50,   // 50ms - chunk persistence
					100,  // 100ms
					500,  // 500ms
					1000, // 1s
					5000, // 5s - worst case disk stalls
				},
			},
			[]string{"event"},
		),
		chunksStored: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "sharethings_chunks_stored_total",
				Help: "Total number of chunks persisted",
			},
		),
		chunkBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "sharethings_chunk_bytes_total",
				Help: "Total encrypted chunk bytes persisted",
			},
		),
		broadcastsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "sharethings_broadcasts_total",
				Help: "Total number of room broadcasts by event and status",
			},
			[]string{"event", "status"}, // status: "ok", "dropped"
		),
		replayItems: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sharethings_replay_items",
				Help:    "Distribution of content items replayed per join",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
			},
		),
		authFailures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "sharethings_auth_failures_total",
				Help: "Total number of rejected events due to failed authorization",
			},
		),
	}
}

// SetActiveSessions records the current number of active sessions.
func (m *RelayMetrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// SetConnectedClients records the current number of connected clients.
func (m *RelayMetrics) SetConnectedClients(n int) {
	if m == nil {
		return
	}
	m.connectedClients.Set(float64(n))
}

// ObserveEvent records one handled event with its outcome and duration.
func (m *RelayMetrics) ObserveEvent(event string, err error, duration time.Duration) {
	if m == nil {
		return
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	m.eventsTotal.WithLabelValues(event, status).Inc()
	m.eventDuration.WithLabelValues(event).Observe(duration.Seconds() * 1000)
}

// ObserveChunkStored records one persisted chunk.
func (m *RelayMetrics) ObserveChunkStored(bytes int) {
	if m == nil {
		return
	}
	m.chunksStored.Inc()
	m.chunkBytes.Add(float64(bytes))
}

// ObserveBroadcast records one room broadcast attempt.
func (m *RelayMetrics) ObserveBroadcast(event string, dropped bool) {
	if m == nil {
		return
	}

	status := "ok"
	if dropped {
		status = "dropped"
	}
	m.broadcastsTotal.WithLabelValues(event, status).Inc()
}

// ObserveReplay records the number of items replayed on a join.
func (m *RelayMetrics) ObserveReplay(items int) {
	if m == nil {
		return
	}
	m.replayItems.Observe(float64(items))
}

// ObserveAuthFailure records one rejected event.
func (m *RelayMetrics) ObserveAuthFailure() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}
