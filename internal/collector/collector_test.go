package collector

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/and161185/external-metrics/internal/batchstore"
	"github.com/and161185/external-metrics/internal/policy"
	"github.com/and161185/external-metrics/internal/usage"
	"github.com/and161185/external-metrics/model"
	"github.com/and161185/external-metrics/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// makeBatch builds a batch with one event per id, all in category.
func makeBatch(ids []uint64, category uint64) model.Batch {
	b := model.Batch{Events: make([]model.Event, 0, len(ids))}
	for _, id := range ids {
		b.Events = append(b.Events, model.Event{CategoryID: category, SequenceID: id})
	}
	return b
}

func writeBatch(t *testing.T, dir, name string, b model.Batch) {
	t.Helper()
	data, err := batchstore.Encode(b)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o600))
}

func writeRaw(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func requireDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

// newTestCollector returns a collector with recording enabled and an
// in-memory counter sink.
func newTestCollector(t *testing.T, opts ...Option) (*Collector, *storage.MemStorage, string) {
	t.Helper()
	dir := t.TempDir()
	st := storage.NewMemStorage()
	opts = append([]Option{WithSink(st)}, opts...)
	c := New(dir, time.Hour, nil, opts...)
	c.EnableRecording()
	return c, st, dir
}

func collect(t *testing.T, c *Collector) model.Batch {
	t.Helper()
	b, err := c.Collect(context.Background())
	require.NoError(t, err)
	return b
}

func TestCollect_ReadOneFile(t *testing.T) {
	c, _, dir := newTestCollector(t)
	writeBatch(t, dir, "myproto", makeBatch([]uint64{111, 222, 333}, 0))

	b := collect(t, c)

	require.Equal(t, []uint64{111, 222, 333}, b.SequenceIDs())
	for _, e := range b.Events {
		require.Nil(t, e.EventKind)
		require.Empty(t, e.Payload)
	}
	requireDirEmpty(t, dir)
}

func TestCollect_ReadManyFiles(t *testing.T) {
	c, _, dir := newTestCollector(t, WithWorkers(3))
	writeBatch(t, dir, "first", makeBatch([]uint64{111, 222, 333}, 0))
	writeBatch(t, dir, "second", makeBatch([]uint64{444, 555, 666}, 0))
	writeBatch(t, dir, "third", makeBatch([]uint64{777, 888, 999}, 0))

	b := collect(t, c)

	require.ElementsMatch(t, []uint64{111, 222, 333, 444, 555, 666, 777, 888, 999}, b.SequenceIDs())
	requireDirEmpty(t, dir)
}

func TestCollect_ReadZeroFiles(t *testing.T) {
	c, st, dir := newTestCollector(t)

	b := collect(t, c)

	require.Zero(t, b.Len())
	require.NotNil(t, b.Events)
	require.Empty(t, st.SampleCountsForPrefix(""))
	requireDirEmpty(t, dir)
}

func TestCollect_Twice(t *testing.T) {
	c, _, dir := newTestCollector(t)

	writeBatch(t, dir, "first", makeBatch([]uint64{111, 222, 333}, 0))
	require.Equal(t, []uint64{111, 222, 333}, collect(t, c).SequenceIDs())

	writeBatch(t, dir, "first", makeBatch([]uint64{444}, 0))
	require.Equal(t, []uint64{444}, collect(t, c).SequenceIDs())
	requireDirEmpty(t, dir)
}

func TestCollect_HandleCorruptFile(t *testing.T) {
	core, obs := observer.New(zap.DebugLevel)
	c, _, dir := newTestCollector(t, WithLogger(zap.New(core).Sugar()))

	writeRaw(t, dir, "invalid", "surprise i'm not a proto")
	writeBatch(t, dir, "valid", makeBatch([]uint64{111, 222, 333}, 0))

	b := collect(t, c)

	require.Equal(t, []uint64{111, 222, 333}, b.SequenceIDs())
	requireDirEmpty(t, dir)
	require.EqualValues(t, 1, c.Stats().DecodeFailures)
	require.Equal(t, 1, obs.FilterMessage("discarding undecodable file").Len())
}

func TestCollect_FilterSensitiveEvents(t *testing.T) {
	c, _, dir := newTestCollector(t)

	kind := policy.SensitiveEventKind
	var b model.Batch
	for _, id := range []uint64{101, 1, 2, 102, 103, 3, 104} {
		e := model.Event{SequenceID: id}
		if id > 100 {
			e.EventKind = &kind
		}
		b.Events = append(b.Events, e)
	}
	writeBatch(t, dir, "proto", b)

	require.Equal(t, []uint64{1, 2, 3}, collect(t, c).SequenceIDs())

	c.SetSensitiveKindEnabled(true)
	writeBatch(t, dir, "proto", b)
	require.Equal(t, []uint64{101, 1, 2, 102, 103, 3, 104}, collect(t, c).SequenceIDs())
	requireDirEmpty(t, dir)
}

func TestCollect_FileLimitCapsEvents(t *testing.T) {
	const fileLimit = 2
	c, st, dir := newTestCollector(t, WithFileLimit(fileLimit))

	writeBatch(t, dir, "first", makeBatch([]uint64{111}, 0))
	writeBatch(t, dir, "second", makeBatch([]uint64{222}, 0))
	writeBatch(t, dir, "third", makeBatch([]uint64{333}, 0))

	b := collect(t, c)

	require.Equal(t, fileLimit, b.Len())
	require.Subset(t, []uint64{111, 222, 333}, b.SequenceIDs())
	require.EqualValues(t, 1, st.SumForPrefix(usage.DroppedPrefix+"."))
	requireDirEmpty(t, dir)
}

func TestCollect_BudgetSpansFileBoundaries(t *testing.T) {
	c, st, dir := newTestCollector(t, WithFileLimit(4))

	writeBatch(t, dir, "a", makeBatch([]uint64{1, 2, 3}, 10))
	writeBatch(t, dir, "b", makeBatch([]uint64{4, 5, 6}, 20))
	writeBatch(t, dir, "c", makeBatch([]uint64{7, 8, 9}, 30))

	b := collect(t, c)

	require.Equal(t, 4, b.Len())
	require.EqualValues(t, 4, st.SumForPrefix(usage.ProducedPrefix+"."))
	require.EqualValues(t, 5, st.SumForPrefix(usage.DroppedPrefix+"."))
	requireDirEmpty(t, dir)
}

func TestCollect_ZeroLimitAdmitsNothing(t *testing.T) {
	c, _, dir := newTestCollector(t, WithFileLimit(0))
	writeBatch(t, dir, "a", makeBatch([]uint64{1}, 0))

	require.Zero(t, collect(t, c).Len())
	requireDirEmpty(t, dir)
}

func TestCollect_FilterDisallowedCategories(t *testing.T) {
	c, st, dir := newTestCollector(t)
	c.AddDisallowedCategory(2)

	writeBatch(t, dir, "first", makeBatch([]uint64{111}, 1))
	writeBatch(t, dir, "second", makeBatch([]uint64{222}, 2))
	writeBatch(t, dir, "third", makeBatch([]uint64{333}, 1))

	b := collect(t, c)

	require.ElementsMatch(t, []uint64{111, 333}, b.SequenceIDs())
	require.Equal(t, map[string]int{"ExternalMetricsDropped.2": 1}, st.SampleCountsForPrefix(usage.DroppedPrefix+"."))
	requireDirEmpty(t, dir)

	c.RemoveDisallowedCategory(2)
	writeBatch(t, dir, "second", makeBatch([]uint64{222}, 2))
	require.Equal(t, []uint64{222}, collect(t, c).SequenceIDs())
}

func TestCollect_DisallowedNotAffectedByBudget(t *testing.T) {
	c, _, dir := newTestCollector(t, WithFileLimit(1), WithDisallowedCategories(2))

	writeBatch(t, dir, "a", makeBatch([]uint64{1, 2}, 2))
	writeBatch(t, dir, "b", makeBatch([]uint64{3}, 1))

	require.Equal(t, []uint64{3}, collect(t, c).SequenceIDs())
	require.Equal(t, []uint64{2}, c.DisallowedCategories())
}

func TestCollect_DroppedEventsWhenDisabled(t *testing.T) {
	c, st, dir := newTestCollector(t)
	c.DisableRecording()
	require.False(t, c.RecordingEnabled())

	writeBatch(t, dir, "first", makeBatch([]uint64{111}, 1))
	writeBatch(t, dir, "second", makeBatch([]uint64{222}, 2))
	writeBatch(t, dir, "third", makeBatch([]uint64{333}, 1))

	b := collect(t, c)

	require.Zero(t, b.Len())
	require.Empty(t, st.SampleCountsForPrefix(usage.ProducedPrefix))
	require.EqualValues(t, 3, st.SumForPrefix(usage.DroppedPrefix))
	requireDirEmpty(t, dir)
}

func TestCollect_ProducedAndDroppedCounters(t *testing.T) {
	const fileLimit = 5
	c, st, dir := newTestCollector(t, WithFileLimit(fileLimit))

	categories := []uint64{
		usage.CategoryWiFi, usage.CategoryWiFi,
		usage.CategoryBluetooth, usage.CategoryBluetooth,
		usage.CategoryCellular, usage.CategoryCellular,
		usage.CategoryWiFi, usage.CategoryWiFi,
		usage.CategoryBluetooth, usage.CategoryBluetooth,
	}
	for i, cat := range categories {
		writeBatch(t, dir, "event"+string(rune('a'+i)), makeBatch([]uint64{uint64(i)}, cat))
	}

	b := collect(t, c)
	require.Equal(t, fileLimit, b.Len())

	produced := map[uint64]int{}
	for _, e := range b.Events {
		produced[e.CategoryID]++
	}
	total := map[uint64]int{}
	for _, cat := range categories {
		total[cat]++
	}

	// one sample per category that produced, one per category that dropped
	var wantProducedSamples, wantDroppedSamples int
	for cat, n := range total {
		if produced[cat] > 0 {
			wantProducedSamples++
		}
		if produced[cat] < n {
			wantDroppedSamples++
		}
	}

	producedSamples := st.SampleCountsForPrefix(usage.ProducedPrefix + ".")
	droppedSamples := st.SampleCountsForPrefix(usage.DroppedPrefix + ".")
	require.Len(t, producedSamples, wantProducedSamples)
	require.Len(t, droppedSamples, wantDroppedSamples)
	require.EqualValues(t, fileLimit, st.SumForPrefix(usage.ProducedPrefix+"."))
	require.EqualValues(t, len(categories)-fileLimit, st.SumForPrefix(usage.DroppedPrefix+"."))
	requireDirEmpty(t, dir)

	stats := c.Stats()
	require.EqualValues(t, 1, stats.Cycles)
	require.EqualValues(t, 10, stats.FilesSeen)
	require.EqualValues(t, fileLimit, stats.Produced)
	require.EqualValues(t, len(categories)-fileLimit, stats.Dropped)
}

func TestCollect_DroppedByReason(t *testing.T) {
	c, _, dir := newTestCollector(t, WithFileLimit(1), WithDisallowedCategories(7))

	kind := policy.SensitiveEventKind
	writeBatch(t, dir, "a", model.Batch{Events: []model.Event{
		{CategoryID: 1, SequenceID: 1},
		{CategoryID: 7, SequenceID: 2},
		{CategoryID: 1, SequenceID: 3, EventKind: &kind},
		{CategoryID: 1, SequenceID: 4},
		{CategoryID: 1, SequenceID: 5},
	}})
	require.Equal(t, []uint64{1}, collect(t, c).SequenceIDs())

	c.DisableRecording()
	writeBatch(t, dir, "b", makeBatch([]uint64{6}, 1))
	collect(t, c)

	stats := c.Stats()
	require.Equal(t, map[string]int64{
		policy.RejectedDisallowed.String(): 1,
		policy.RejectedSensitive.String():  1,
		policy.RejectedDisabled.String():   1,
		DropBudget:                         2,
	}, stats.DroppedByReason)
	require.EqualValues(t, 5, stats.Dropped)

	// callers get a copy
	stats.DroppedByReason[DropBudget] = 100
	require.EqualValues(t, 2, c.Stats().DroppedByReason[DropBudget])
}

func TestCollect_RejectsConcurrentCycle(t *testing.T) {
	c, _, dir := newTestCollector(t)
	writeBatch(t, dir, "a", makeBatch([]uint64{1}, 0))

	c.cycleMu.Lock()
	_, err := c.Collect(context.Background())
	c.cycleMu.Unlock()
	require.ErrorIs(t, err, ErrCollectInProgress)

	// the rejected call left the directory alone
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.Equal(t, []uint64{1}, collect(t, c).SequenceIDs())
}

func TestCollect_ParallelCallersNeverDuplicate(t *testing.T) {
	c, _, dir := newTestCollector(t, WithWorkers(4))
	for i := 0; i < 20; i++ {
		writeBatch(t, dir, "f"+string(rune('a'+i)), makeBatch([]uint64{uint64(i)}, 0))
	}

	var (
		mu  sync.Mutex
		ids []uint64
		wg  sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := c.Collect(context.Background())
			if err != nil {
				return
			}
			mu.Lock()
			ids = append(ids, b.SequenceIDs()...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, ids, 20)
	requireDirEmpty(t, dir)
}

func TestCollect_MissingDirectory(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "missing"), time.Hour, nil)
	c.EnableRecording()

	b, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Zero(t, b.Len())
}

func TestCollectEvents_Delivers(t *testing.T) {
	var got []model.Batch
	dir := t.TempDir()
	c := New(dir, time.Hour, func(b model.Batch) { got = append(got, b) }, WithRecordingEnabled(true))

	writeBatch(t, dir, "a", makeBatch([]uint64{7}, 0))
	c.CollectEvents(context.Background())
	c.CollectEvents(context.Background())

	require.Len(t, got, 2)
	require.Equal(t, []uint64{7}, got[0].SequenceIDs())
	require.Zero(t, got[1].Len())
}

func TestCollectEvents_SkipsWhenBusy(t *testing.T) {
	delivered := false
	c := New(t.TempDir(), time.Hour, func(model.Batch) { delivered = true })

	c.cycleMu.Lock()
	c.CollectEvents(context.Background())
	c.cycleMu.Unlock()

	require.False(t, delivered)
}

func TestRun_CollectsPeriodically(t *testing.T) {
	dir := t.TempDir()
	batches := make(chan model.Batch, 16)
	c := New(dir, 10*time.Millisecond, func(b model.Batch) {
		select {
		case batches <- b:
		default:
		}
	}, WithRecordingEnabled(true))

	writeBatch(t, dir, "a", makeBatch([]uint64{42}, 0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for found := false; !found; {
		select {
		case b := <-batches:
			found = b.Len() == 1 && b.Events[0].SequenceID == 42
		case <-deadline:
			t.Fatal("no batch delivered")
		}
	}

	cancel()
	<-done
	requireDirEmpty(t, dir)
}

func TestRun_NoIntervalReturnsImmediately(t *testing.T) {
	c := New(t.TempDir(), 0, nil)
	c.Run(context.Background())
}
