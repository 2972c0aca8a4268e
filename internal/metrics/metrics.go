// Package metrics exposes engine activity to Prometheus. The Collector is an
// event sink, so it counts exactly what the components publish.
package metrics

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sigmaSquared/internal/model"
)

const namespace = "sigma"

// Collector counts published events and hosts gauges over component state.
type Collector struct {
	registry *prometheus.Registry
	events   *prometheus.CounterVec
	bets     *prometheus.CounterVec
	redraws  prometheus.Counter
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events published, by kind.",
		}, []string{"kind"}),
		bets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bets_settled_total",
			Help:      "Settled bets, by outcome.",
		}, []string{"outcome"}),
		redraws: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lottery_redraws_total",
			Help:      "Rejected lottery samples that had to be rehashed.",
		}),
	}
	c.registry.MustRegister(c.events, c.bets, c.redraws)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Publish(_ context.Context, event model.Event) error {
	c.events.WithLabelValues(string(event.Kind)).Inc()
	switch payload := event.Payload.(type) {
	case model.BetSettledData:
		c.bets.WithLabelValues(payload.Outcome).Inc()
	case model.RoundSettledData:
		c.redraws.Add(float64(payload.Redraws))
	}
	return nil
}

// RegisterGauge exposes fn as a gauge evaluated on every scrape.
func (c *Collector) RegisterGauge(name, help string, fn func() float64) error {
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
	if err := c.registry.Register(gauge); err != nil {
		return fmt.Errorf("register gauge %s: %w", name, err)
	}
	return nil
}

// Float converts an amount for a gauge. Precision loss is acceptable there.
func Float(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	out, _ := new(big.Float).SetInt(v).Float64()
	return out
}

// HealthFunc reports whether the process can serve.
type HealthFunc func(ctx context.Context) error

// Serve starts an HTTP server with /metrics and /healthz in the background.
func Serve(addr string, c *Collector, health HealthFunc) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()

		if health != nil {
			if err := health(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(fmt.Sprintf("unhealthy: %v", err)))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}
