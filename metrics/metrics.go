package metrics

import (
	"context"
	"net/http"

	"dpos-node/events"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dpos"

// Metrics groups the node's collectors on a private registry. All methods
// are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	round           prometheus.Gauge
	height          prometheus.Gauge
	networkHeight   prometheus.Gauge
	quorum          prometheus.Gauge
	syncPercent     prometheus.Gauge
	rateLimited     *prometheus.CounterVec
	linkageFailures *prometheus.CounterVec
}

// New registers every collector on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		round: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "round", Help: "Current DPoS round",
		}),
		height: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "height", Help: "Height of the last applied block",
		}),
		networkHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "network_height", Help: "Median height reported by sampled peers",
		}),
		quorum: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "network_quorum", Help: "Ratio of sampled peers agreeing with our tip",
		}),
		syncPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sync", Name: "percent", Help: "Chain synchronization progress",
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "p2p", Name: "rate_limited_total", Help: "Requests rejected by the rate limiter",
		}, []string{"endpoint"}),
		linkageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chain", Name: "linkage_violations_total", Help: "Blocks rejected for not extending the chain",
		}, []string{"reason"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.round, m.height, m.networkHeight, m.quorum, m.syncPercent,
		m.rateLimited, m.linkageFailures,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SetRound(round uint64) {
	if m != nil {
		m.round.Set(float64(round))
	}
}

func (m *Metrics) SetHeight(height uint64) {
	if m != nil {
		m.height.Set(float64(height))
	}
}

// SetNetworkState records the outcome of a quorum poll
func (m *Metrics) SetNetworkState(networkHeight uint64, quorum float64) {
	if m != nil {
		m.networkHeight.Set(float64(networkHeight))
		m.quorum.Set(quorum)
	}
}

func (m *Metrics) SetSyncPercent(percent float64) {
	if m != nil {
		m.syncPercent.Set(percent)
	}
}

func (m *Metrics) RateLimited(endpoint string) {
	if m != nil {
		m.rateLimited.WithLabelValues(endpoint).Inc()
	}
}

func (m *Metrics) LinkageViolation(reason string) {
	if m != nil {
		m.linkageFailures.WithLabelValues(reason).Inc()
	}
}

// Watch feeds round and sync progress events into the gauges until ctx is
// done.
func (m *Metrics) Watch(ctx context.Context, d *events.Dispatcher) {
	rounds := make(chan events.RoundChanged, 16)
	progress := make(chan events.SyncProgress, 16)
	roundSub := d.SubscribeRoundChanged(rounds)
	defer roundSub.Unsubscribe()
	progressSub := d.SubscribeSyncProgress(progress)
	defer progressSub.Unsubscribe()

	for {
		select {
		case ev := <-rounds:
			m.SetRound(ev.Round)
		case ev := <-progress:
			m.SetSyncPercent(ev.Percent)
		case <-ctx.Done():
			return
		}
	}
}
