// Package model contains core data types for the project.
package model

// MetricType defines the type of a metric sample.
type MetricType string

const (
	Gauge   MetricType = "gauge"   // Gauge represents a float64 metric.
	Counter MetricType = "counter" // Counter represents an int64 metric.
)

// Metric is a single named sample handed to a counter sink.
type Metric struct {
	ID    string     `json:"id"`              // Metric name.
	Type  MetricType `json:"type"`            // Metric type: gauge or counter.
	Delta *int64     `json:"delta,omitempty"` // Value for counter metrics.
	Value *float64   `json:"value,omitempty"` // Value for gauge metrics.
}

// Event is one metric record written by an external process.
type Event struct {
	CategoryID uint64         `json:"category_id"`          // Hashed project name.
	EventKind  *uint64        `json:"event_kind,omitempty"` // Event name hash, nil when untyped.
	SequenceID uint64         `json:"sequence_id"`          // Per-record identifier.
	Payload    map[string]any `json:"payload,omitempty"`    // Named numeric or string fields.
}

// HasKind reports whether the event carries the given event kind.
func (e Event) HasKind(kind uint64) bool {
	return e.EventKind != nil && *e.EventKind == kind
}

// Batch is an ordered sequence of events, either decoded from one file or
// accumulated for output.
type Batch struct {
	Events []Event `json:"events"`
}

// Len returns the number of events in the batch.
func (b Batch) Len() int { return len(b.Events) }

// SequenceIDs returns the sequence ids of the batch in order.
func (b Batch) SequenceIDs() []uint64 {
	ids := make([]uint64, 0, len(b.Events))
	for _, e := range b.Events {
		ids = append(ids, e.SequenceID)
	}
	return ids
}
