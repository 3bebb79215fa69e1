// Package collector runs collection cycles over a directory that external
// processes drop encoded event batches into.
//
// A cycle drains the directory, decodes every file, filters events through
// the category policy and the per-cycle budget, tallies produced and dropped
// events per category, and returns the merged batch. Every file seen by the
// cycle is deleted whether or not its content was usable.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/external-metrics/internal/budget"
	"github.com/and161185/external-metrics/internal/drain"
	"github.com/and161185/external-metrics/internal/policy"
	"github.com/and161185/external-metrics/internal/usage"
	"github.com/and161185/external-metrics/model"
)

// ErrCollectInProgress is returned when a cycle is requested while another
// one is still draining the directory.
var ErrCollectInProgress = errors.New("collection already in progress")

// DefaultFileLimit is the per-cycle event cap used when none is configured.
const DefaultFileLimit = budget.Unlimited

// Stats are cumulative counters over the collector lifetime.
type Stats struct {
	Cycles         int64     `json:"cycles"`
	FilesSeen      int64     `json:"files_seen"`
	Produced       int64     `json:"produced"`
	Dropped        int64     `json:"dropped"`
	DecodeFailures int64     `json:"decode_failures"`
	ReadErrors     int64     `json:"read_errors"`
	DeleteErrors   int64     `json:"delete_errors"`
	LastCycleAt    time.Time `json:"last_cycle_at"`
	LastCycleTook  string    `json:"last_cycle_took"`

	// Keyed by policy decision name or DropBudget.
	DroppedByReason map[string]int64 `json:"dropped_by_reason"`
}

// Collector owns the collection directory and the filtering configuration.
type Collector struct {
	dir      string
	interval time.Duration
	deliver  func(model.Batch)
	drainer  *drain.Drainer
	sink     usage.CounterSink
	logger   *zap.SugaredLogger
	workers  int

	mu                   sync.RWMutex
	recordingEnabled     bool
	sensitiveKindEnabled bool
	fileLimit            int
	disallowed           map[uint64]struct{}

	// held for the whole duration of a cycle
	cycleMu sync.Mutex

	statsMu sync.Mutex
	stats   Stats
}

// Option configures a Collector.
type Option func(*Collector)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Collector) { c.logger = l }
}

// WithSink sets where per-category counters are flushed after each cycle.
func WithSink(s usage.CounterSink) Option {
	return func(c *Collector) { c.sink = s }
}

func WithFileLimit(n int) Option {
	return func(c *Collector) { c.fileLimit = n }
}

// WithWorkers sets how many files are read in parallel.
func WithWorkers(n int) Option {
	return func(c *Collector) { c.workers = n }
}

func WithRecordingEnabled(enabled bool) Option {
	return func(c *Collector) { c.recordingEnabled = enabled }
}

func WithSensitiveKindEnabled(enabled bool) Option {
	return func(c *Collector) { c.sensitiveKindEnabled = enabled }
}

func WithDisallowedCategories(ids ...uint64) Option {
	return func(c *Collector) {
		for _, id := range ids {
			c.disallowed[id] = struct{}{}
		}
	}
}

// New creates a collector for dir. Recording starts disabled. deliver, if
// not nil, receives the merged batch of every cycle run by CollectEvents.
func New(dir string, interval time.Duration, deliver func(model.Batch), opts ...Option) *Collector {
	c := &Collector{
		dir:        dir,
		interval:   interval,
		deliver:    deliver,
		fileLimit:  DefaultFileLimit,
		disallowed: make(map[uint64]struct{}),
		workers:    1,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop().Sugar()
	}
	c.drainer = drain.New(dir, c.workers, c.logger)
	return c
}

// Dir returns the collection directory.
func (c *Collector) Dir() string { return c.dir }

func (c *Collector) EnableRecording() {
	c.mu.Lock()
	c.recordingEnabled = true
	c.mu.Unlock()
}

func (c *Collector) DisableRecording() {
	c.mu.Lock()
	c.recordingEnabled = false
	c.mu.Unlock()
}

func (c *Collector) RecordingEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.recordingEnabled
}

// AddDisallowedCategory excludes every event of the category from future
// cycles.
func (c *Collector) AddDisallowedCategory(id uint64) {
	c.mu.Lock()
	c.disallowed[id] = struct{}{}
	c.mu.Unlock()
}

func (c *Collector) RemoveDisallowedCategory(id uint64) {
	c.mu.Lock()
	delete(c.disallowed, id)
	c.mu.Unlock()
}

// DisallowedCategories returns the excluded categories, sorted.
func (c *Collector) DisallowedCategories() []uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]uint64, 0, len(c.disallowed))
	for id := range c.disallowed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SetFileLimit sets the maximum number of events admitted per cycle.
// A negative value removes the cap.
func (c *Collector) SetFileLimit(n int) {
	c.mu.Lock()
	c.fileLimit = n
	c.mu.Unlock()
}

func (c *Collector) SetSensitiveKindEnabled(enabled bool) {
	c.mu.Lock()
	c.sensitiveKindEnabled = enabled
	c.mu.Unlock()
}

// Stats returns a copy of the cumulative counters.
func (c *Collector) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	st := c.stats
	st.DroppedByReason = make(map[string]int64, len(c.stats.DroppedByReason))
	for k, v := range c.stats.DroppedByReason {
		st.DroppedByReason[k] = v
	}
	return st
}

func (c *Collector) snapshot() (policy.Policy, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]uint64, 0, len(c.disallowed))
	for id := range c.disallowed {
		ids = append(ids, id)
	}
	return policy.New(c.recordingEnabled, c.sensitiveKindEnabled, ids), c.fileLimit
}

// Collect runs one cycle and returns the merged batch. It returns
// ErrCollectInProgress without touching the directory if another cycle is
// running. A directory that cannot be listed yields an empty batch along
// with the error.
func (c *Collector) Collect(ctx context.Context) (model.Batch, error) {
	if !c.cycleMu.TryLock() {
		return model.Batch{}, ErrCollectInProgress
	}
	defer c.cycleMu.Unlock()

	start := time.Now()
	pol, limit := c.snapshot()
	cyc := newCycle(pol, limit)

	ds, err := c.drainer.Drain(func(name string, data []byte) {
		if derr := cyc.ingest(data); derr != nil {
			c.logger.Debugw("discarding undecodable file", "file", name, "error", derr)
		}
	})
	if err != nil {
		err = fmt.Errorf("drain %s: %w", c.dir, err)
	}

	if ferr := cyc.recorder.Flush(ctx, c.sink); ferr != nil {
		c.logger.Warnw("failed to flush usage counters", "error", ferr)
	}

	produced, dropped := cyc.recorder.Totals()
	took := time.Since(start)
	c.statsMu.Lock()
	c.stats.Cycles++
	c.stats.FilesSeen += int64(ds.Seen)
	c.stats.Produced += produced
	c.stats.Dropped += dropped
	c.stats.DecodeFailures += int64(cyc.decodeFailures)
	c.stats.ReadErrors += int64(ds.ReadErrors)
	c.stats.DeleteErrors += int64(ds.DeleteErrors)
	if c.stats.DroppedByReason == nil {
		c.stats.DroppedByReason = make(map[string]int64)
	}
	for reason, n := range cyc.droppedBy {
		c.stats.DroppedByReason[reason] += n
	}
	c.stats.LastCycleAt = start
	c.stats.LastCycleTook = took.String()
	c.statsMu.Unlock()

	c.logger.Debugw("collection cycle finished",
		"files", ds.Seen,
		"produced", produced,
		"dropped", dropped,
		"decode_failures", cyc.decodeFailures,
		"budget_remaining", cyc.budget.Remaining(),
		"took", took,
	)

	return cyc.output, err
}

// CollectEvents runs one cycle and hands its batch to the delivery callback.
// Errors are logged; a cycle that fails to list the directory still
// delivers its (empty) batch.
func (c *Collector) CollectEvents(ctx context.Context) {
	batch, err := c.Collect(ctx)
	if errors.Is(err, ErrCollectInProgress) {
		c.logger.Debugw("skipping collection, previous cycle still running")
		return
	}
	if err != nil {
		c.logger.Errorw("collection cycle failed", "error", err)
	}
	if c.deliver != nil {
		c.deliver(batch)
	}
}

// Run calls CollectEvents every interval until ctx is done.
func (c *Collector) Run(ctx context.Context) {
	if c.interval <= 0 {
		return
	}
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.CollectEvents(ctx)
		}
	}
}
