package monitor

import (
	"fmt"

	"execution-core/internal/events"
	"execution-core/internal/reconciliation"
)

// CycleErrorThreshold is the per-cycle error count that raises a warning.
const CycleErrorThreshold = 3

// Evaluate maps a bus message to an alert; false when nothing is alertable.
func Evaluate(msg events.Message) (Alert, bool) {
	a := Alert{Time: msg.Time}
	switch p := msg.Payload.(type) {
	case events.NakedPosition:
		a.Severity, a.Kind, a.Symbol = SeverityCritical, "NAKED_POSITION", p.Symbol
		a.Message = fmt.Sprintf("entry %s (%.8f) unprotected: %s", p.EntryID, p.Qty, p.Reason)
	case events.GuardDecision:
		if p.Outcome != "blocked" {
			return a, false
		}
		a.Severity, a.Kind = SeverityCritical, "GUARD_BLOCKED"
		a.Message = "live trading refused: " + p.Reason
	case reconciliation.CycleSummary:
		if len(p.Errors) < CycleErrorThreshold {
			return a, false
		}
		a.Severity, a.Kind = SeverityWarning, "RECONCILE_ERRORS"
		a.Message = fmt.Sprintf("cycle %d finished with %d errors, first: %s", p.Cycle, len(p.Errors), p.Errors[0])
	default:
		return a, false
	}
	return a, true
}
