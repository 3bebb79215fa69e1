package storage

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/and161185/external-metrics/model"
)

var ErrInvalidSample = errors.New("invalid sample")

// MemStorage accumulates counter samples by name and remembers how many
// samples each name received.
type MemStorage struct {
	metrics map[string]*model.Metric
	samples map[string]int
	mu      sync.RWMutex
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		metrics: make(map[string]*model.Metric),
		samples: make(map[string]int),
	}
}

func (store *MemStorage) Save(_ context.Context, m *model.Metric) error {
	if m == nil || m.ID == "" {
		return ErrInvalidSample
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	store.samples[m.ID]++

	existing, ok := store.metrics[m.ID]
	switch {
	case !ok:
		cp := *m
		if m.Delta != nil {
			v := *m.Delta
			cp.Delta = &v
		}
		store.metrics[m.ID] = &cp
	case m.Type == model.Gauge:
		cp := *m
		store.metrics[m.ID] = &cp
	case m.Type == model.Counter && m.Delta != nil:
		if existing.Delta != nil {
			*existing.Delta += *m.Delta
		} else {
			v := *m.Delta
			existing.Delta = &v
		}
	}
	return nil
}

func (store *MemStorage) GetAll(_ context.Context) (map[string]*model.Metric, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	result := make(map[string]*model.Metric, len(store.metrics))
	for k, v := range store.metrics {
		cp := *v
		result[k] = &cp
	}
	return result, nil
}

// SampleCountsForPrefix returns, per metric name starting with prefix, the
// number of samples recorded.
func (store *MemStorage) SampleCountsForPrefix(prefix string) map[string]int {
	store.mu.RLock()
	defer store.mu.RUnlock()

	result := make(map[string]int)
	for k, n := range store.samples {
		if strings.HasPrefix(k, prefix) {
			result[k] = n
		}
	}
	return result
}

// SumForPrefix adds up counter values of every metric name starting with
// prefix.
func (store *MemStorage) SumForPrefix(prefix string) int64 {
	store.mu.RLock()
	defer store.mu.RUnlock()

	var sum int64
	for k, m := range store.metrics {
		if strings.HasPrefix(k, prefix) && m.Delta != nil {
			sum += *m.Delta
		}
	}
	return sum
}
