// Package usage tallies, per category, how many events a collection cycle
// produced and dropped, and flushes the tallies as counter samples.
package usage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/and161185/external-metrics/internal/utils"
	"github.com/and161185/external-metrics/model"
)

const (
	ProducedPrefix = "ExternalMetricsProduced"
	DroppedPrefix  = "ExternalMetricsDropped"
)

// Project name hashes of the categories the agent knows by name.
const (
	CategoryWiFi      uint64 = 4320592646346933548
	CategoryBluetooth uint64 = 9074739597929991885
	CategoryCellular  uint64 = 8206859287963243715
)

var categoryNames = map[uint64]string{
	CategoryWiFi:      "WiFi",
	CategoryBluetooth: "Bluetooth",
	CategoryCellular:  "Cellular",
}

// CategoryName returns the display name of a category, falling back to the
// decimal hash.
func CategoryName(category uint64) string {
	if name, ok := categoryNames[category]; ok {
		return name
	}
	return strconv.FormatUint(category, 10)
}

func knownCategoryName(name string) bool {
	for _, n := range categoryNames {
		if n == name {
			return true
		}
	}
	return false
}

// CounterSink receives one sample per flushed counter.
type CounterSink interface {
	Save(ctx context.Context, metric *model.Metric) error
}

// Tally is the per-category outcome of one cycle.
type Tally struct {
	Produced int64
	Dropped  int64
}

// Recorder accumulates tallies for a single cycle. It is not safe for
// concurrent use.
type Recorder struct {
	tallies map[uint64]*Tally
}

func NewRecorder() *Recorder {
	return &Recorder{tallies: make(map[uint64]*Tally)}
}

func (r *Recorder) tally(category uint64) *Tally {
	t, ok := r.tallies[category]
	if !ok {
		t = &Tally{}
		r.tallies[category] = t
	}
	return t
}

// Produced records an event admitted to the output batch.
func (r *Recorder) Produced(category uint64) { r.tally(category).Produced++ }

// Dropped records an event rejected by policy or budget.
func (r *Recorder) Dropped(category uint64) { r.tally(category).Dropped++ }

// Totals returns the produced and dropped counts over all categories.
func (r *Recorder) Totals() (produced, dropped int64) {
	for _, t := range r.tallies {
		produced += t.Produced
		dropped += t.Dropped
	}
	return produced, dropped
}

// Samples builds the counter samples of the cycle: one per category and
// outcome with a non-zero tally, ordered by category.
func (r *Recorder) Samples() []model.Metric {
	categories := make([]uint64, 0, len(r.tallies))
	for c := range r.tallies {
		categories = append(categories, c)
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i] < categories[j] })

	samples := make([]model.Metric, 0, 2*len(categories))
	for _, c := range categories {
		t := r.tallies[c]
		name := CategoryName(c)
		if t.Produced > 0 {
			samples = append(samples, model.Metric{
				ID:    ProducedPrefix + "." + name,
				Type:  model.Counter,
				Delta: utils.I64Ptr(t.Produced),
			})
		}
		if t.Dropped > 0 {
			samples = append(samples, model.Metric{
				ID:    DroppedPrefix + "." + name,
				Type:  model.Counter,
				Delta: utils.I64Ptr(t.Dropped),
			})
		}
	}
	return samples
}

// Flush hands every sample to sink. All samples are attempted; the errors
// are joined.
func (r *Recorder) Flush(ctx context.Context, sink CounterSink) error {
	if sink == nil {
		return nil
	}
	var errs []error
	for _, s := range r.Samples() {
		m := s
		if err := sink.Save(ctx, &m); err != nil {
			errs = append(errs, fmt.Errorf("save %s: %w", m.ID, err))
		}
	}
	return errors.Join(errs...)
}
