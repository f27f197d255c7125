// Package alert routes operational events to a single external webhook
// with severity-based filtering, a bounded priority buffer, and a circuit
// breaker around delivery.
package alert

// Severity orders alert importance. Higher values evict lower ones when
// the buffer is full.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}

// The classification sets are closed. Anything not listed is info.
var criticalEvents = map[string]struct{}{
	"execution.single_leg_exposure":       {},
	"risk.limit.breached":                 {},
	"trading.halted":                      {},
	"system.health.critical":              {},
	"reconciliation.discrepancy.detected": {},
	"time.drift.halt":                     {},
}

var warningEvents = map[string]struct{}{
	"execution.failed":               {},
	"risk.limit.approaching":         {},
	"platform.health.degraded":       {},
	"time.drift.critical":            {},
	"time.drift.warning":             {},
	"degradation.protocol.activated": {},
}

// Info events delivered externally. All other info events are audited
// but never sent.
var infoAllowList = map[string]struct{}{
	"execution.order.filled":           {},
	"position.exit.triggered":          {},
	"detection.opportunity.identified": {},
	"platform.health.recovered":        {},
	"trading.resumed":                  {},
	"execution.single_leg_resolved":    {},
}

// Classify maps an event type to its severity.
func Classify(eventType string) Severity {
	if _, ok := criticalEvents[eventType]; ok {
		return SeverityCritical
	}
	if _, ok := warningEvents[eventType]; ok {
		return SeverityWarning
	}
	return SeverityInfo
}

// Deliverable reports whether an event of the given type should be sent
// externally. Critical and warning always deliver; info only when
// allow-listed.
func Deliverable(eventType string) bool {
	switch Classify(eventType) {
	case SeverityCritical, SeverityWarning:
		return true
	default:
		_, ok := infoAllowList[eventType]
		return ok
	}
}
