package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for one peer process.
type Metrics struct {
	registry *prometheus.Registry

	offsetSeconds prometheus.Gauge
	lastRTTMs     prometheus.Gauge
	samples       prometheus.Gauge
	peers         prometheus.Gauge
	playing       prometheus.Gauge
	leader        prometheus.Gauge
	hub           prometheus.Gauge
	phase         prometheus.Gauge

	pingsSent     prometheus.Counter
	pongsAccepted prometheus.Counter
	beatsEmitted  prometheus.Counter
	relayed       prometheus.Counter
	sendErrors    prometheus.Counter
	dropped       *prometheus.CounterVec

	rtt prometheus.Histogram
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "goopbeat", Name: name, Help: help})
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: "goopbeat", Name: name, Help: help})
	}

	m := &Metrics{
		registry:      prometheus.NewRegistry(),
		offsetSeconds: gauge("clock_offset_seconds", "Effective offset to the leader clock"),
		lastRTTMs:     gauge("last_rtt_milliseconds", "Round trip of the newest sync sample"),
		samples:       gauge("sync_samples", "Samples in the offset window"),
		peers:         gauge("room_peers", "Advisory peer count of the room"),
		playing:       gauge("playing", "1 while playback is scheduled"),
		leader:        gauge("is_leader", "1 while this peer leads the room"),
		hub:           gauge("is_hub", "1 if this peer holds the hub identity"),
		phase:         gauge("sync_phase", "0 uncalibrated, 1 calibrating, 2 synced"),
		pingsSent:     counter("pings_sent_total", "Sync pings sent to the leader"),
		pongsAccepted: counter("pongs_accepted_total", "Pongs turned into offset samples"),
		beatsEmitted:  counter("beats_emitted_total", "Beats produced by the emitter"),
		relayed:       counter("relayed_messages_total", "Records the hub forwarded to spokes"),
		sendErrors:    counter("send_errors_total", "Channel sends that failed"),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goopbeat",
			Name:      "dropped_messages_total",
			Help:      "Inbound records ignored, by reason",
		}, []string{"reason"}),
		rtt: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "goopbeat",
			Name:      "rtt_milliseconds",
			Help:      "Sync round-trip times",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000},
		}),
	}

	m.registry.MustRegister(
		m.offsetSeconds, m.lastRTTMs, m.samples, m.peers,
		m.playing, m.leader, m.hub, m.phase,
		m.pingsSent, m.pongsAccepted, m.beatsEmitted, m.relayed,
		m.sendErrors, m.dropped, m.rtt,
	)
	return m
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Snapshot is the gauge state refreshed before each scrape.
type Snapshot struct {
	OffsetSeconds float64
	LastRTTMs     float64
	Samples       int
	Peers         int
	Playing       bool
	Leader        bool
	Hub           bool
	Phase         int
}

func (m *Metrics) SetGauges(s Snapshot) {
	if m == nil {
		return
	}
	m.offsetSeconds.Set(s.OffsetSeconds)
	m.lastRTTMs.Set(s.LastRTTMs)
	m.samples.Set(float64(s.Samples))
	m.peers.Set(float64(s.Peers))
	m.playing.Set(b2f(s.Playing))
	m.leader.Set(b2f(s.Leader))
	m.hub.Set(b2f(s.Hub))
	m.phase.Set(float64(s.Phase))
}

// The recording methods below accept a nil *Metrics so callers can run
// without a registry.

func (m *Metrics) IncPings() {
	if m != nil {
		m.pingsSent.Inc()
	}
}

func (m *Metrics) IncBeats() {
	if m != nil {
		m.beatsEmitted.Inc()
	}
}

func (m *Metrics) IncRelayed() {
	if m != nil {
		m.relayed.Inc()
	}
}

func (m *Metrics) IncSendErr() {
	if m != nil {
		m.sendErrors.Inc()
	}
}

// ObservePong records an accepted sample.
func (m *Metrics) ObservePong(rttMs float64) {
	if m == nil {
		return
	}
	m.pongsAccepted.Inc()
	m.rtt.Observe(rttMs)
}

// IncDropped counts an ignored inbound record.
func (m *Metrics) IncDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry. refresh runs before each scrape so gauges are
// current.
func (m *Metrics) Handler(refresh func() Snapshot) http.Handler {
	inner := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if refresh != nil {
			m.SetGauges(refresh())
		}
		inner.ServeHTTP(w, r)
	})
}
