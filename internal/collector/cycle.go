package collector

import (
	"github.com/and161185/external-metrics/internal/batchstore"
	"github.com/and161185/external-metrics/internal/budget"
	"github.com/and161185/external-metrics/internal/policy"
	"github.com/and161185/external-metrics/internal/usage"
	"github.com/and161185/external-metrics/model"
)

// cycle is the state of a single Collect call. It never outlives it.
type cycle struct {
	policy         policy.Policy
	budget         *budget.Tracker
	recorder       *usage.Recorder
	output         model.Batch
	decodeFailures int
	droppedBy      map[string]int64
}

// DropBudget is the drop reason of events refused by the per-cycle limit.
const DropBudget = "budget"

func newCycle(p policy.Policy, limit int) *cycle {
	return &cycle{
		policy:    p,
		budget:    budget.New(limit),
		recorder:  usage.NewRecorder(),
		output:    model.Batch{Events: []model.Event{}},
		droppedBy: make(map[string]int64),
	}
}

// ingest decodes one file and admits its events. Events past the budget are
// still walked so their category is counted as dropped.
func (c *cycle) ingest(data []byte) error {
	batch, err := batchstore.Decode(data)
	if err != nil {
		c.decodeFailures++
		return err
	}
	for _, e := range batch.Events {
		c.admit(e)
	}
	return nil
}

func (c *cycle) admit(e model.Event) {
	if d := c.policy.Evaluate(e); d != policy.Eligible {
		c.drop(e, d.String())
		return
	}
	if !c.budget.TryAdmit() {
		c.drop(e, DropBudget)
		return
	}
	c.output.Events = append(c.output.Events, e)
	c.recorder.Produced(e.CategoryID)
}

func (c *cycle) drop(e model.Event, reason string) {
	c.droppedBy[reason]++
	c.recorder.Dropped(e.CategoryID)
}
