// Package monitoring exports session health as Prometheus metrics.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "warudo"

var States = []string{"new", "connecting", "connected", "disconnected", "failed", "closed"}

// Collector records one engine's metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	sessionState     *prometheus.GaugeVec
	stateChanges     *prometheus.CounterVec
	sessionsCreated  prometheus.Counter
	iceRestarts      prometheus.Counter
	reconnectAttempt prometheus.Counter
	reconnectFailure prometheus.Counter
	gathering        *prometheus.CounterVec
	observerPanics   *prometheus.CounterVec
	negotiation      *prometheus.HistogramVec

	bitrate    prometheus.Gauge
	fps        prometheus.Gauge
	packetLoss prometheus.Gauge
	rtt        prometheus.Gauge
	jitter     prometheus.Gauge
}

// NewCollector registers the engine's metrics on reg, labelled with engine.
func NewCollector(reg prometheus.Registerer, engine string) *Collector {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"engine": engine}

	return &Collector{
		sessionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "session_state",
			Help:        "1 for the current canonical connection state, 0 otherwise",
			ConstLabels: labels,
		}, []string{"state"}),

		stateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "state_observations_total",
			Help:        "Connection state observations by state",
			ConstLabels: labels,
		}, []string{"state"}),

		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "sessions_created_total",
			Help:        "Sessions created by CreateSession. Rebuilds keep the session and count as reconnect attempts",
			ConstLabels: labels,
		}),

		iceRestarts: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "ice_restarts_total",
			Help:        "ICE restarts performed",
			ConstLabels: labels,
		}),

		reconnectAttempt: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "reconnect_attempts_total",
			Help:        "Full reconnect attempts started",
			ConstLabels: labels,
		}),

		reconnectFailure: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "reconnect_exhausted_total",
			Help:        "Times every reconnect attempt was used up",
			ConstLabels: labels,
		}),

		gathering: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "ice_gathering_total",
			Help:        "ICE gathering waits by outcome",
			ConstLabels: labels,
		}, []string{"result"}),

		observerPanics: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "observer_panics_total",
			Help:        "Panics recovered from observer callbacks",
			ConstLabels: labels,
		}, []string{"observer"}),

		negotiation: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "negotiation_duration_seconds",
			Help:        "Duration of offer/answer steps including gathering",
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
			ConstLabels: labels,
		}, []string{"op", "result"}),

		bitrate: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "bitrate_bps", Help: "Combined video bitrate", ConstLabels: labels,
		}),
		fps: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "frames_per_second", Help: "Video frame rate", ConstLabels: labels,
		}),
		packetLoss: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "packet_loss_percent", Help: "Inbound video packet loss", ConstLabels: labels,
		}),
		rtt: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "round_trip_time_seconds", Help: "Round trip time", ConstLabels: labels,
		}),
		jitter: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "jitter_seconds", Help: "Inbound video jitter", ConstLabels: labels,
		}),
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveState(state string) {
	if c == nil {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		c.sessionState.WithLabelValues(s).Set(v)
	}
	c.stateChanges.WithLabelValues(state).Inc()
}

func (c *Collector) SessionCreated() {
	if c == nil {
		return
	}
	c.sessionsCreated.Inc()
}

func (c *Collector) ICERestart() {
	if c == nil {
		return
	}
	c.iceRestarts.Inc()
}

func (c *Collector) ReconnectAttempt() {
	if c == nil {
		return
	}
	c.reconnectAttempt.Inc()
}

func (c *Collector) ReconnectExhausted() {
	if c == nil {
		return
	}
	c.reconnectFailure.Inc()
}

func (c *Collector) Gathering(complete bool) {
	if c == nil {
		return
	}
	result := "complete"
	if !complete {
		result = "timeout"
	}
	c.gathering.WithLabelValues(result).Inc()
}

func (c *Collector) ObserverPanic(observer string) {
	if c == nil {
		return
	}
	c.observerPanics.WithLabelValues(observer).Inc()
}

func (c *Collector) Negotiation(op string, d time.Duration, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.negotiation.WithLabelValues(op, result).Observe(d.Seconds())
}

// Health mirrors the derived stream metrics.
type Health struct {
	BitrateBps           float64
	FPS                  float64
	PacketLossPercent    float64
	RoundTripTimeSeconds float64
	JitterSeconds        float64
}

func (c *Collector) ObserveHealth(h Health) {
	if c == nil {
		return
	}
	c.bitrate.Set(h.BitrateBps)
	c.fps.Set(h.FPS)
	c.packetLoss.Set(h.PacketLossPercent)
	c.rtt.Set(h.RoundTripTimeSeconds)
	c.jitter.Set(h.JitterSeconds)
}
