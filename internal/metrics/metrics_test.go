package metrics

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"sigmaSquared/internal/model"
)

func counterValue(t *testing.T, c *Collector, name, label, value string) float64 {
	t.Helper()
	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if label == "" {
				return metric.GetCounter().GetValue()
			}
			for _, pair := range metric.GetLabel() {
				if pair.GetName() == label && pair.GetValue() == value {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestCollectorCountsEvents(t *testing.T) {
	ctx := context.Background()
	c := NewCollector()

	_ = c.Publish(ctx, model.NewEvent(model.EventBetAccepted, "bernoulli", 1, model.BetAcceptedData{}))
	_ = c.Publish(ctx, model.NewEvent(model.EventBetSettled, "bernoulli", 2, model.BetSettledData{Outcome: "win"}))
	_ = c.Publish(ctx, model.NewEvent(model.EventBetSettled, "bernoulli", 3, model.BetSettledData{Outcome: "loss"}))
	_ = c.Publish(ctx, model.NewEvent(model.EventBetSettled, "bernoulli", 4, model.BetSettledData{Outcome: "loss"}))
	_ = c.Publish(ctx, model.NewEvent(model.EventRoundSettled, "lottery", 5, model.RoundSettledData{Redraws: 2}))

	if got := counterValue(t, c, "sigma_events_total", "kind", string(model.EventBetSettled)); got != 3 {
		t.Fatalf("settled events mismatch: %v", got)
	}
	if got := counterValue(t, c, "sigma_bets_settled_total", "outcome", "loss"); got != 2 {
		t.Fatalf("loss count mismatch: %v", got)
	}
	if got := counterValue(t, c, "sigma_lottery_redraws_total", "", ""); got != 2 {
		t.Fatalf("redraw count mismatch: %v", got)
	}
}

func TestRegisterGauge(t *testing.T) {
	c := NewCollector()
	if err := c.RegisterGauge("total_at_risk", "Net liability of pending bets.", func() float64 { return Float(big.NewInt(42)) }); err != nil {
		t.Fatalf("register gauge: %v", err)
	}
	if err := c.RegisterGauge("total_at_risk", "duplicate", func() float64 { return 0 }); err == nil {
		t.Fatalf("expected duplicate registration error")
	}

	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, family := range families {
		if family.GetName() == "sigma_total_at_risk" {
			found = family.GetMetric()[0].GetGauge().GetValue() == 42
		}
	}
	if !found {
		t.Fatalf("gauge not exported")
	}
}

func TestHealthHandler(t *testing.T) {
	c := NewCollector()
	srv := Serve("127.0.0.1:0", c, func(context.Context) error { return errors.New("rpc down") })
	defer srv.Close()

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status mismatch: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status mismatch: %d", rec.Code)
	}
}
