package events

import "time"

// Event enumerates high-level topics inside the execution engine.
type Event string

const (
	EventOrderPlaced       Event = "order.placed"
	EventOrderFilled       Event = "order.filled"
	EventBracketProtected  Event = "bracket.protected"
	EventNakedPosition     Event = "bracket.naked"
	EventProtectiveFilled  Event = "protective.filled"
	EventOCOCancelled      Event = "oco.cancelled"
	EventPositionChange    Event = "position.change"
	EventReconcileComplete Event = "reconcile.cycle"
	EventGuardDecision     Event = "guard.decision"
)

// OrderPlaced is published after the venue accepts an order.
type OrderPlaced struct {
	OrderID string  `json:"order_id"`
	Symbol  string  `json:"symbol"`
	Side    string  `json:"side"`
	Kind    string  `json:"kind"`
	Qty     float64 `json:"qty"`
	Price   float64 `json:"price"`
	Source  string  `json:"source,omitempty"`
}

// OrderFilled is published on a confirmed fill.
type OrderFilled struct {
	OrderID string  `json:"order_id"`
	Symbol  string  `json:"symbol"`
	Side    string  `json:"side"`
	Qty     float64 `json:"qty"`
	Price   float64 `json:"price"`
	Kind    string  `json:"kind"`
}

// BracketProtected is published once an entry's target is live.
type BracketProtected struct {
	EntryID  string  `json:"entry_id"`
	TargetID string  `json:"target_id"`
	StopID   string  `json:"stop_id,omitempty"`
	Symbol   string  `json:"symbol"`
	Qty      float64 `json:"qty"`
}

// NakedPosition reports an entry whose protection is not (yet) in place.
type NakedPosition struct {
	EntryID string    `json:"entry_id"`
	Symbol  string    `json:"symbol"`
	Qty     float64   `json:"qty"`
	Reason  string    `json:"reason"`
	Since   time.Time `json:"since"`
}

// OCOCancelled reports a sibling cancelled by the OCO monitor.
type OCOCancelled struct {
	EntryID     string `json:"entry_id"`
	CancelledID string `json:"cancelled_id"`
	Symbol      string `json:"symbol"`
	Reason      string `json:"reason"`
}

// PositionChange reports a mental position add or removal.
type PositionChange struct {
	Symbol  string `json:"symbol"`
	Action  string `json:"action"` // added | removed
	Source  string `json:"source,omitempty"`
	Trigger string `json:"trigger,omitempty"`
}

// GuardDecision reports the instance guard's startup outcome.
type GuardDecision struct {
	Outcome string `json:"outcome"`
	Reason  string `json:"reason"`
	Host    string `json:"host"`
	PID     int    `json:"pid"`
}
