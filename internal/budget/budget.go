// Package budget caps the number of events admitted in one collection cycle.
package budget

// Unlimited disables the cap.
const Unlimited = -1

// Tracker counts down the remaining admissions of a cycle. It is owned by a
// single cycle and is not safe for concurrent use.
type Tracker struct {
	remaining int
	unlimited bool
}

// New returns a tracker admitting at most limit events. A negative limit
// admits everything.
func New(limit int) *Tracker {
	return &Tracker{remaining: limit, unlimited: limit < 0}
}

// TryAdmit consumes one unit of budget. Once the budget is exhausted it
// returns false and leaves the tracker unchanged.
func (t *Tracker) TryAdmit() bool {
	if t.unlimited {
		return true
	}
	if t.remaining <= 0 {
		return false
	}
	t.remaining--
	return true
}

// Remaining returns the admissions left, or Unlimited.
func (t *Tracker) Remaining() int {
	if t.unlimited {
		return Unlimited
	}
	return t.remaining
}
