package usage

import (
	"context"
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/and161185/external-metrics/model"
)

// OtherCategory is the Prometheus label of every category without a name.
const OtherCategory = "other"

// PromSink exports counter samples as a Prometheus counter vector labelled
// by outcome and category. Unnamed categories share the OtherCategory label.
type PromSink struct {
	events *prometheus.CounterVec
}

// NewPromSink registers the counter vector with reg.
func NewPromSink(reg prometheus.Registerer) (*PromSink, error) {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "external_metrics",
		Name:      "events_total",
		Help:      "Collected external metric events by outcome and category",
	}, []string{"outcome", "category"})

	if err := reg.Register(events); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		existing, ok := are.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, err
		}
		events = existing
	}
	return &PromSink{events: events}, nil
}

func (s *PromSink) Save(_ context.Context, m *model.Metric) error {
	if m == nil || m.Delta == nil {
		return nil
	}
	var outcome, category string
	switch {
	case strings.HasPrefix(m.ID, ProducedPrefix+"."):
		outcome, category = "produced", strings.TrimPrefix(m.ID, ProducedPrefix+".")
	case strings.HasPrefix(m.ID, DroppedPrefix+"."):
		outcome, category = "dropped", strings.TrimPrefix(m.ID, DroppedPrefix+".")
	default:
		return nil
	}
	if !knownCategoryName(category) {
		category = OtherCategory
	}
	s.events.WithLabelValues(outcome, category).Add(float64(*m.Delta))
	return nil
}

// MultiSink fans samples out to several sinks.
type MultiSink []CounterSink

func (ms MultiSink) Save(ctx context.Context, m *model.Metric) error {
	var errs []error
	for _, s := range ms {
		if err := s.Save(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
