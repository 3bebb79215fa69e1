// Package storage keeps counter samples emitted by the collector.
package storage

import (
	"context"

	"github.com/and161185/external-metrics/model"
)

type Storage interface {
	Save(ctx context.Context, metric *model.Metric) error
	GetAll(ctx context.Context) (map[string]*model.Metric, error)
}
