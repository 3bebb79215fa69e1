// Package policy decides whether a collected event may be forwarded.
package policy

import "github.com/and161185/external-metrics/model"

// SensitiveEventKind is the event name hash of the Bluetooth
// pairing-state-changed event. It stays suppressed until the
// sensitive-events switch is turned on.
const SensitiveEventKind uint64 = 11839023048095184048

// Decision is the outcome of evaluating one event.
type Decision int

const (
	Eligible Decision = iota
	RejectedDisabled
	RejectedDisallowed
	RejectedSensitive
)

func (d Decision) String() string {
	switch d {
	case Eligible:
		return "eligible"
	case RejectedDisabled:
		return "recording_disabled"
	case RejectedDisallowed:
		return "category_disallowed"
	case RejectedSensitive:
		return "sensitive_kind"
	default:
		return "unknown"
	}
}

// Policy is an immutable snapshot of the filtering configuration.
type Policy struct {
	RecordingEnabled     bool
	SensitiveKindEnabled bool
	disallowed           map[uint64]struct{}
}

// New builds a policy. The disallowed ids are copied.
func New(recordingEnabled, sensitiveKindEnabled bool, disallowed []uint64) Policy {
	p := Policy{
		RecordingEnabled:     recordingEnabled,
		SensitiveKindEnabled: sensitiveKindEnabled,
		disallowed:           make(map[uint64]struct{}, len(disallowed)),
	}
	for _, id := range disallowed {
		p.disallowed[id] = struct{}{}
	}
	return p
}

// Disallowed reports whether the category is excluded.
func (p Policy) Disallowed(category uint64) bool {
	_, ok := p.disallowed[category]
	return ok
}

// Evaluate applies the rules in order and returns the first that matches.
func (p Policy) Evaluate(e model.Event) Decision {
	if !p.RecordingEnabled {
		return RejectedDisabled
	}
	if p.Disallowed(e.CategoryID) {
		return RejectedDisallowed
	}
	if !p.SensitiveKindEnabled && e.HasKind(SensitiveEventKind) {
		return RejectedSensitive
	}
	return Eligible
}
