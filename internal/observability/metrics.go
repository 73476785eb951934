package observability

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ligun0805/jar-burn/internal/jar"
)

// Metrics is the monitor's Prometheus instrumentation on its own registry.
type Metrics struct {
	reg *prometheus.Registry

	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	priceChunks   *prometheus.CounterVec
	jarValue      prometheus.Gauge
	burnCost      prometheus.Gauge
	netProfit     prometheus.Gauge
	tokens        prometheus.Gauge
	profitable    prometheus.Gauge
	releases      *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		fetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jarburn_fetch_total",
			Help: "Stage fetches by outcome",
		}, []string{"stage", "outcome"}),
		fetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jarburn_fetch_duration_seconds",
			Help:    "Time taken by each stage fetch",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),
		priceChunks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jarburn_price_chunks_total",
			Help: "Price service chunk requests by outcome",
		}, []string{"outcome"}),
		jarValue: f.NewGauge(prometheus.GaugeOpts{
			Name: "jarburn_jar_value_usd",
			Help: "Total USD value of the jar",
		}),
		burnCost: f.NewGauge(prometheus.GaugeOpts{
			Name: "jarburn_burn_cost_usd",
			Help: "USD cost of the burn quantity",
		}),
		netProfit: f.NewGauge(prometheus.GaugeOpts{
			Name: "jarburn_net_profit_usd",
			Help: "Jar value minus burn cost",
		}),
		tokens: f.NewGauge(prometheus.GaugeOpts{
			Name: "jarburn_tokens",
			Help: "Valued tokens in the jar",
		}),
		profitable: f.NewGauge(prometheus.GaugeOpts{
			Name: "jarburn_profitable",
			Help: "1 when releasing now is profitable",
		}),
		releases: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jarburn_release_total",
			Help: "Release submissions by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) ObserveFetch(stage string, err error, took time.Duration) {
	m.fetches.WithLabelValues(stage, outcome(err)).Inc()
	m.fetchDuration.WithLabelValues(stage).Observe(took.Seconds())
}

func (m *Metrics) ObserveSnapshot(s jar.Snapshot) {
	m.jarValue.Set(s.TotalValue)
	m.burnCost.Set(s.BurnCost)
	m.netProfit.Set(s.NetProfit)
	m.tokens.Set(float64(len(s.Tokens)))
	if s.Profitable() {
		m.profitable.Set(1)
	} else {
		m.profitable.Set(0)
	}
}

// PriceChunk counts one price service chunk.
func (m *Metrics) PriceChunk(ok bool) {
	if ok {
		m.priceChunks.WithLabelValues("ok").Inc()
	} else {
		m.priceChunks.WithLabelValues("error").Inc()
	}
}

func (m *Metrics) Release(err error) { m.releases.WithLabelValues(outcome(err)).Inc() }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, jar.ErrNetwork):
		return "network"
	default:
		return "error"
	}
}
