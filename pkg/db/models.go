package db

import "time"

// Child order types.
const (
	OrderTypeEntry  = "entry_pending_target"
	OrderTypeTarget = "target"
	OrderTypeStop   = "stop"
)

// Child order statuses.
const (
	StatusPending  = "pending"
	StatusFilled   = "filled"
	StatusComplete = "complete"
)

// Executed order kinds.
const (
	KindEntry             = "entry"
	KindExit              = "exit"
	KindTarget            = "target"
	KindStop              = "stop"
	KindCancel            = "cancel"
	KindCatchupEntry      = "catchup_entry"
	KindCatchupProtective = "catchup_protective"
)

// Exit reasons recorded when a bracket completes.
const (
	ExitTPFilled     = "tp_filled"
	ExitSLFilled     = "sl_filled"
	ExitBothFilled   = "both_filled"
	ExitOCOCancelled = "oco_cancelled"
	ExitCanceled     = "canceled"
)

// ChildOrder is one pending_child_orders row: an entry awaiting its target,
// or a protective order awaiting a terminal state.
type ChildOrder struct {
	OrderID            string    `json:"order_id"`
	OrderType          string    `json:"order_type"`
	ParentOrderID      string    `json:"parent_order_id"`
	Symbol             string    `json:"symbol"`
	Side               string    `json:"side"`
	Quantity           float64   `json:"quantity"`
	Price              float64   `json:"price"`
	StopPrice          float64   `json:"stop_price"`
	TargetPrice        float64   `json:"target_price"`
	Mode               string    `json:"mode"`
	Status             string    `json:"status"`
	FilledQty          float64   `json:"filled_qty"`
	AvgFillPrice       float64   `json:"avg_fill_price"`
	BracketInitialized bool      `json:"bracket_initialized"`
	TargetOrderID      string    `json:"target_order_id"`
	StopOrderID        string    `json:"stop_order_id"`
	ExitReason         string    `json:"exit_reason"`
	StopLookupMisses   int       `json:"stop_lookup_misses"`
	StopEscalated      bool      `json:"stop_escalated"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// ExecutedOrder is a confirmed fill or cancellation in the local log.
type ExecutedOrder struct {
	OrderID    string    `json:"order_id"`
	Kind       string    `json:"kind"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	Mode       string    `json:"mode"`
	Source     string    `json:"source"`
	Reason     string    `json:"reason"`
	ExecutedAt time.Time `json:"executed_at"`
}

// ForensicEvent is an append-only audit record.
type ForensicEvent struct {
	ID        string
	Kind      string
	Symbol    string
	OrderID   string
	Reason    string
	Payload   string // JSON
	CreatedAt time.Time
}

// ReconciliationRun is the persisted summary of one reconciliation cycle.
type ReconciliationRun struct {
	ID         string    `json:"id"`
	Cycle      int64     `json:"cycle"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	ErrorCount int       `json:"error_count"`
	Summary    string    `json:"summary"` // JSON
}
