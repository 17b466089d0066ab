package infra

import (
	"context"
	"errors"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusStatsStore expõe as decisões como contadores Prometheus.
// Key e Path ficam de fora dos labels por causa da cardinalidade.
type PrometheusStatsStore struct {
	decisions *prometheus.CounterVec
	failOpen  prometheus.Counter
}

func NewPrometheusStatsStore(reg prometheus.Registerer, namespace string) (*PrometheusStatsStore, error) {
	s := &PrometheusStatsStore{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Admission decisions by route class and outcome.",
		}, []string{"class", "outcome"}),
		failOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_fail_open_total",
			Help:      "Requests admitted because the counter store was unavailable.",
		}),
	}

	if err := reg.Register(s.decisions); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		s.decisions = are.ExistingCollector.(*prometheus.CounterVec)
	}
	if err := reg.Register(s.failOpen); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		s.failOpen = are.ExistingCollector.(prometheus.Counter)
	}
	return s, nil
}

func (s *PrometheusStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	s.decisions.WithLabelValues(string(ev.Class), ev.Outcome.String()).Inc()
	if ev.FailOpen {
		s.failOpen.Inc()
	}
	return nil
}

// MultiStats encaminha o evento para vários stores e junta os erros.
type MultiStats []domain.StatsStore

func (m MultiStats) Record(ctx context.Context, ev domain.StatsEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
