package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS pending_child_orders (
    order_id TEXT PRIMARY KEY,
    order_type TEXT NOT NULL,
    parent_order_id TEXT NOT NULL DEFAULT '',
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    quantity REAL NOT NULL,
    price REAL NOT NULL DEFAULT 0,
    mode TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    filled_qty REAL NOT NULL DEFAULT 0,
    bracket_initialized INTEGER NOT NULL DEFAULT 0,
    target_order_id TEXT NOT NULL DEFAULT '',
    stop_order_id TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_child_orders_status ON pending_child_orders(order_type, status);
CREATE INDEX IF NOT EXISTS idx_child_orders_parent ON pending_child_orders(parent_order_id);

CREATE TABLE IF NOT EXISTS executed_orders (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    quantity REAL NOT NULL,
    price REAL NOT NULL,
    mode TEXT NOT NULL,
    source TEXT NOT NULL DEFAULT '',
    reason TEXT NOT NULL DEFAULT '',
    executed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(order_id, kind)
);

CREATE TABLE IF NOT EXISTS forensic_events (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    symbol TEXT NOT NULL DEFAULT '',
    order_id TEXT NOT NULL DEFAULT '',
    reason TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS reconciliation_runs (
    id TEXT PRIMARY KEY,
    cycle INTEGER NOT NULL,
    started_at DATETIME NOT NULL,
    duration_ms INTEGER NOT NULL,
    error_count INTEGER NOT NULL DEFAULT 0,
    summary TEXT NOT NULL
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Columns added after the first ledger version; idempotent for older DB files.
	columns := []struct{ name, definition string }{
		{"stop_price", "REAL NOT NULL DEFAULT 0"},
		{"target_price", "REAL NOT NULL DEFAULT 0"},
		{"avg_fill_price", "REAL NOT NULL DEFAULT 0"},
		{"exit_reason", "TEXT NOT NULL DEFAULT ''"},
		{"stop_lookup_misses", "INTEGER NOT NULL DEFAULT 0"},
		{"stop_escalated", "INTEGER NOT NULL DEFAULT 0"},
	}
	for _, c := range columns {
		if err := ensureColumn(d.DB, "pending_child_orders", c.name, c.definition); err != nil {
			return err
		}
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
