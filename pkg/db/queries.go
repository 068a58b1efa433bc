package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("record not found")

// ChildOrders returns queries over pending_child_orders.
func (d *Database) ChildOrders() *ChildOrderQueries { return &ChildOrderQueries{db: d.DB} }

// Executions returns queries over executed_orders.
func (d *Database) Executions() *ExecutionQueries { return &ExecutionQueries{db: d.DB} }

// Audit returns queries over forensic_events and reconciliation_runs.
func (d *Database) Audit() *AuditQueries { return &AuditQueries{db: d.DB} }

// ----------------------------------------
// Child order queries
// ----------------------------------------

// ChildOrderQueries reads and writes the pending-order ledger.
type ChildOrderQueries struct {
	db *sql.DB
}

const childColumns = `order_id, order_type, parent_order_id, symbol, side, quantity, price,
	stop_price, target_price, mode, status, filled_qty, avg_fill_price, bracket_initialized,
	target_order_id, stop_order_id, exit_reason, stop_lookup_misses, stop_escalated,
	created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanChild(s scanner) (ChildOrder, error) {
	var c ChildOrder
	var initialized, escalated int
	err := s.Scan(&c.OrderID, &c.OrderType, &c.ParentOrderID, &c.Symbol, &c.Side, &c.Quantity, &c.Price,
		&c.StopPrice, &c.TargetPrice, &c.Mode, &c.Status, &c.FilledQty, &c.AvgFillPrice, &initialized,
		&c.TargetOrderID, &c.StopOrderID, &c.ExitReason, &c.StopLookupMisses, &escalated,
		&c.CreatedAt, &c.UpdatedAt)
	c.BracketInitialized = initialized == 1
	c.StopEscalated = escalated == 1
	return c, err
}

func (q *ChildOrderQueries) list(ctx context.Context, where string, args ...any) ([]ChildOrder, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+childColumns+` FROM pending_child_orders WHERE `+where+` ORDER BY created_at, order_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query child orders: %w", err)
	}
	defer rows.Close()

	var out []ChildOrder
	for rows.Next() {
		c, err := scanChild(rows)
		if err != nil {
			return nil, fmt.Errorf("scan child order: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Upsert inserts a row, or refreshes its descriptive columns. Lifecycle
// columns (status, fill state, bracket flag) are never reset by an upsert.
func (q *ChildOrderQueries) Upsert(ctx context.Context, c ChildOrder) error {
	if c.OrderID == "" {
		return errors.New("child order id is required")
	}
	if c.Status == "" {
		c.Status = StatusPending
	}
	now := time.Now().UTC()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO pending_child_orders (order_id, order_type, parent_order_id, symbol, side, quantity, price,
			stop_price, target_price, mode, status, filled_qty, avg_fill_price, target_order_id, stop_order_id,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			parent_order_id = CASE WHEN excluded.parent_order_id != '' THEN excluded.parent_order_id ELSE parent_order_id END,
			quantity = excluded.quantity,
			price = excluded.price,
			stop_price = CASE WHEN excluded.stop_price > 0 THEN excluded.stop_price ELSE stop_price END,
			target_price = CASE WHEN excluded.target_price > 0 THEN excluded.target_price ELSE target_price END,
			updated_at = excluded.updated_at
	`, c.OrderID, c.OrderType, c.ParentOrderID, c.Symbol, c.Side, c.Quantity, c.Price,
		c.StopPrice, c.TargetPrice, c.Mode, c.Status, c.FilledQty, c.AvgFillPrice, c.TargetOrderID, c.StopOrderID,
		now, now)
	if err != nil {
		return fmt.Errorf("upsert child order %s: %w", c.OrderID, err)
	}
	return nil
}

// Get returns one row by order id.
func (q *ChildOrderQueries) Get(ctx context.Context, orderID string) (*ChildOrder, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+childColumns+` FROM pending_child_orders WHERE order_id = ?`, orderID)
	c, err := scanChild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get child order %s: %w", orderID, err)
	}
	return &c, nil
}

// ListPendingEntries returns entries still waiting for their target.
func (q *ChildOrderQueries) ListPendingEntries(ctx context.Context) ([]ChildOrder, error) {
	return q.list(ctx, `order_type = ? AND status = ? AND bracket_initialized = 0`, OrderTypeEntry, StatusPending)
}

// ListEntriesMissingStop returns non-complete entries with no recorded stop id.
func (q *ChildOrderQueries) ListEntriesMissingStop(ctx context.Context) ([]ChildOrder, error) {
	return q.list(ctx, `order_type = ? AND status != ? AND stop_order_id = '' AND filled_qty > 0`, OrderTypeEntry, StatusComplete)
}

// ListActiveBrackets returns initialized entries whose OCO pair is unresolved.
func (q *ChildOrderQueries) ListActiveBrackets(ctx context.Context) ([]ChildOrder, error) {
	return q.list(ctx, `order_type = ? AND bracket_initialized = 1 AND status != ? AND target_order_id != ''`, OrderTypeEntry, StatusComplete)
}

// ListPendingProtective returns target and stop rows not yet terminal.
func (q *ChildOrderQueries) ListPendingProtective(ctx context.Context) ([]ChildOrder, error) {
	return q.list(ctx, `order_type IN (?, ?) AND status = ?`, OrderTypeTarget, OrderTypeStop, StatusPending)
}

// ListByParent returns child rows of one entry, optionally filtered by type.
func (q *ChildOrderQueries) ListByParent(ctx context.Context, parentID, orderType string) ([]ChildOrder, error) {
	if orderType == "" {
		return q.list(ctx, `parent_order_id = ?`, parentID)
	}
	return q.list(ctx, `parent_order_id = ? AND order_type = ?`, parentID, orderType)
}

// ListOpen returns every row that is not complete, newest last.
func (q *ChildOrderQueries) ListOpen(ctx context.Context) ([]ChildOrder, error) {
	return q.list(ctx, `status != ?`, StatusComplete)
}

// UpdateFill persists the cumulative filled quantity of a pending row.
func (q *ChildOrderQueries) UpdateFill(ctx context.Context, orderID string, filledQty, avgPrice float64) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE pending_child_orders SET filled_qty = ?, avg_fill_price = ?, updated_at = ?
		WHERE order_id = ?
	`, filledQty, avgPrice, time.Now().UTC(), orderID)
	if err != nil {
		return fmt.Errorf("update fill %s: %w", orderID, err)
	}
	return nil
}

// ClaimBracketInit flips an entry to filled and bracket-initialized. It
// returns false when another caller already owns the transition.
func (q *ChildOrderQueries) ClaimBracketInit(ctx context.Context, orderID string, filledQty, avgPrice float64, targetID string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE pending_child_orders
		SET status = ?, bracket_initialized = 1, filled_qty = ?, avg_fill_price = ?, target_order_id = ?, updated_at = ?
		WHERE order_id = ? AND bracket_initialized = 0
	`, StatusFilled, filledQty, avgPrice, targetID, time.Now().UTC(), orderID)
	if err != nil {
		return false, fmt.Errorf("claim bracket init %s: %w", orderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetStopOrderID records the discovered stop id on an entry row.
func (q *ChildOrderQueries) SetStopOrderID(ctx context.Context, orderID, stopID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE pending_child_orders SET stop_order_id = ?, stop_lookup_misses = 0, updated_at = ?
		WHERE order_id = ?
	`, stopID, time.Now().UTC(), orderID)
	if err != nil {
		return fmt.Errorf("set stop id %s: %w", orderID, err)
	}
	return nil
}

// IncrementStopMisses bumps the stop lookup miss counter and returns the new value.
func (q *ChildOrderQueries) IncrementStopMisses(ctx context.Context, orderID string) (int, error) {
	if _, err := q.db.ExecContext(ctx, `
		UPDATE pending_child_orders SET stop_lookup_misses = stop_lookup_misses + 1, updated_at = ?
		WHERE order_id = ?
	`, time.Now().UTC(), orderID); err != nil {
		return 0, fmt.Errorf("increment stop misses %s: %w", orderID, err)
	}
	var misses int
	if err := q.db.QueryRowContext(ctx, `SELECT stop_lookup_misses FROM pending_child_orders WHERE order_id = ?`, orderID).Scan(&misses); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return misses, nil
}

// MarkStopEscalated sets the escalation flag once; false if already set.
func (q *ChildOrderQueries) MarkStopEscalated(ctx context.Context, orderID string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE pending_child_orders SET stop_escalated = 1, updated_at = ?
		WHERE order_id = ? AND stop_escalated = 0
	`, time.Now().UTC(), orderID)
	if err != nil {
		return false, fmt.Errorf("mark stop escalated %s: %w", orderID, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SetStatus moves a row to status with an optional exit reason.
func (q *ChildOrderQueries) SetStatus(ctx context.Context, orderID, status, reason string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE pending_child_orders
		SET status = ?, exit_reason = CASE WHEN ? != '' THEN ? ELSE exit_reason END, updated_at = ?
		WHERE order_id = ?
	`, status, reason, reason, time.Now().UTC(), orderID)
	if err != nil {
		return fmt.Errorf("set status %s: %w", orderID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IsProtective reports whether orderID is a known target or stop row.
func (q *ChildOrderQueries) IsProtective(ctx context.Context, orderID string) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM pending_child_orders WHERE order_id = ? AND order_type IN (?, ?)
	`, orderID, OrderTypeTarget, OrderTypeStop).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup protective %s: %w", orderID, err)
	}
	return n > 0, nil
}

// ----------------------------------------
// Execution log queries
// ----------------------------------------

// ExecutionQueries reads and writes executed_orders.
type ExecutionQueries struct {
	db *sql.DB
}

// Insert logs an execution; duplicates of (order_id, kind) are ignored.
// Returns true when a row was written.
func (q *ExecutionQueries) Insert(ctx context.Context, e ExecutedOrder) (bool, error) {
	if e.ExecutedAt.IsZero() {
		e.ExecutedAt = time.Now().UTC()
	}
	res, err := q.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO executed_orders (order_id, kind, symbol, side, quantity, price, mode, source, reason, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.OrderID, e.Kind, e.Symbol, e.Side, e.Quantity, e.Price, e.Mode, e.Source, e.Reason, e.ExecutedAt)
	if err != nil {
		return false, fmt.Errorf("insert executed order %s: %w", e.OrderID, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// LoggedOrderIDs returns order ids with any fill kind logged (cancellations excluded).
func (q *ExecutionQueries) LoggedOrderIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT DISTINCT order_id FROM executed_orders WHERE kind != ?`, KindCancel)
	if err != nil {
		return nil, fmt.Errorf("query logged order ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// Recent returns the latest executions, newest first.
func (q *ExecutionQueries) Recent(ctx context.Context, limit int) ([]ExecutedOrder, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT order_id, kind, symbol, side, quantity, price, mode, source, reason, executed_at
		FROM executed_orders ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []ExecutedOrder
	for rows.Next() {
		var e ExecutedOrder
		if err := rows.Scan(&e.OrderID, &e.Kind, &e.Symbol, &e.Side, &e.Quantity, &e.Price, &e.Mode, &e.Source, &e.Reason, &e.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of rows of kind, or all rows when kind is empty.
func (q *ExecutionQueries) Count(ctx context.Context, kind string) (int, error) {
	var n int
	var err error
	if kind == "" {
		err = q.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM executed_orders`).Scan(&n)
	} else {
		err = q.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM executed_orders WHERE kind = ?`, kind).Scan(&n)
	}
	return n, err
}

// ----------------------------------------
// Audit queries
// ----------------------------------------

// AuditQueries covers forensic events and reconciliation runs.
type AuditQueries struct {
	db *sql.DB
}

// InsertForensicEvents writes a batch in one transaction.
func (q *AuditQueries) InsertForensicEvents(ctx context.Context, events []ForensicEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin forensic batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO forensic_events (id, kind, symbol, order_id, reason, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare forensic insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if e.Payload == "" {
			e.Payload = "{}"
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, e.ID, e.Kind, e.Symbol, e.OrderID, e.Reason, e.Payload, e.CreatedAt); err != nil {
			return fmt.Errorf("insert forensic event %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

// ForensicEvents returns recent events of kind (all kinds when empty), newest first.
func (q *AuditQueries) ForensicEvents(ctx context.Context, kind string, limit int) ([]ForensicEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, kind, symbol, order_id, reason, payload, created_at FROM forensic_events`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query forensic events: %w", err)
	}
	defer rows.Close()

	var out []ForensicEvent
	for rows.Next() {
		var e ForensicEvent
		if err := rows.Scan(&e.ID, &e.Kind, &e.Symbol, &e.OrderID, &e.Reason, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan forensic event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertRun stores a reconciliation cycle summary.
func (q *AuditQueries) InsertRun(ctx context.Context, r ReconciliationRun) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO reconciliation_runs (id, cycle, started_at, duration_ms, error_count, summary)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.Cycle, r.StartedAt.UTC(), r.DurationMs, r.ErrorCount, r.Summary)
	if err != nil {
		return fmt.Errorf("insert reconciliation run: %w", err)
	}
	return nil
}

// LastRun returns the most recent reconciliation run.
func (q *AuditQueries) LastRun(ctx context.Context) (*ReconciliationRun, error) {
	var r ReconciliationRun
	err := q.db.QueryRowContext(ctx, `
		SELECT id, cycle, started_at, duration_ms, error_count, summary
		FROM reconciliation_runs ORDER BY started_at DESC, id DESC LIMIT 1
	`).Scan(&r.ID, &r.Cycle, &r.StartedAt, &r.DurationMs, &r.ErrorCount, &r.Summary)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("last reconciliation run: %w", err)
	}
	return &r, nil
}
