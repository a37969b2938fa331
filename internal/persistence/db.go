// Package persistence provides SQLite-based marketplace storage: listings,
// demand events, stats, hidden accumulators, and market metadata.
package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// DB wraps a SQLite connection for marketplace persistence.
// Writers are serialized; readers run concurrently under WAL.
type DB struct {
	conn *sqlx.DB
	mu   sync.Mutex
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := openSQLite(path)
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := migrate(conn, marketSchema, marketColumns); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

func openSQLite(path string) (*sqlx.DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return conn, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Update runs fn in a write transaction. Only one Update runs at a time,
// which serializes every read-check-write sequence on the store.
func (db *DB) Update(ctx context.Context, fn func(tx *Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Tx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// View runs fn in a read transaction.
func (db *DB) View(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	return fn(&Tx{tx: tx})
}

// Tx is a store transaction handed to Update and View callbacks.
type Tx struct {
	tx *sqlx.Tx
}

const marketSchema = `
	CREATE TABLE IF NOT EXISTS listings (
		seller TEXT NOT NULL,
		commodity_key TEXT NOT NULL,
		item TEXT NOT NULL DEFAULT '',
		quantity TEXT NOT NULL DEFAULT '0',
		price REAL NOT NULL DEFAULT 0,
		PRIMARY KEY (seller, commodity_key)
	);

	CREATE TABLE IF NOT EXISTS demand_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		commodity_key TEXT NOT NULL,
		quantity TEXT NOT NULL,
		ts INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS stats (
		participant TEXT PRIMARY KEY,
		items_bought TEXT NOT NULL DEFAULT '0',
		items_sold TEXT NOT NULL DEFAULT '0',
		money_spent TEXT NOT NULL DEFAULT '0',
		money_earned TEXT NOT NULL DEFAULT '0'
	);

	CREATE TABLE IF NOT EXISTS accumulators (
		kind TEXT NOT NULL,
		seller TEXT NOT NULL,
		commodity_key TEXT NOT NULL,
		amount TEXT NOT NULL DEFAULT '0',
		PRIMARY KEY (kind, seller, commodity_key)
	);

	CREATE TABLE IF NOT EXISTS autosell_rules (
		participant TEXT NOT NULL,
		commodity_key TEXT NOT NULL,
		PRIMARY KEY (participant, commodity_key)
	);

	CREATE TABLE IF NOT EXISTS market_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_listings_key ON listings(commodity_key);
	CREATE INDEX IF NOT EXISTS idx_demand_key_ts ON demand_events(commodity_key, ts);
	CREATE INDEX IF NOT EXISTS idx_demand_ts ON demand_events(ts);
	`

// column is a column that re-opening an older database must add.
type column struct {
	table string
	name  string
	def   string
}

// Columns added after a table's first release. CREATE TABLE IF NOT EXISTS
// leaves existing tables alone, so these are reconciled on every open.
var marketColumns = []column{
	{"listings", "item", "TEXT NOT NULL DEFAULT ''"},
	{"listings", "price", "REAL NOT NULL DEFAULT 0"},
	{"stats", "items_bought", "TEXT NOT NULL DEFAULT '0'"},
	{"stats", "items_sold", "TEXT NOT NULL DEFAULT '0'"},
	{"stats", "money_spent", "TEXT NOT NULL DEFAULT '0'"},
	{"stats", "money_earned", "TEXT NOT NULL DEFAULT '0'"},
}

func migrate(conn *sqlx.DB, schema string, columns []column) error {
	if _, err := conn.Exec(schema); err != nil {
		return err
	}

	existing := make(map[string]map[string]bool)
	for _, c := range columns {
		if _, ok := existing[c.table]; !ok {
			names, err := tableColumns(conn, c.table)
			if err != nil {
				return err
			}
			existing[c.table] = names
		}
		if existing[c.table][c.name] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", c.table, c.name, c.def)
		if _, err := conn.Exec(stmt); err != nil {
			return fmt.Errorf("add column %s.%s: %w", c.table, c.name, err)
		}
		existing[c.table][c.name] = true
		slog.Info("schema column added", "table", c.table, "column", c.name)
	}
	return nil
}

func tableColumns(conn *sqlx.DB, table string) (map[string]bool, error) {
	var cols []struct {
		CID     int     `db:"cid"`
		Name    string  `db:"name"`
		Type    string  `db:"type"`
		NotNull int     `db:"notnull"`
		Default *string `db:"dflt_value"`
		PK      int     `db:"pk"`
	}
	if err := conn.Select(&cols, fmt.Sprintf("PRAGMA table_info(%s)", table)); err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	names := make(map[string]bool, len(cols))
	for _, c := range cols {
		names[strings.ToLower(c.Name)] = true
	}
	return names, nil
}

// Meta retrieves a metadata value. Missing keys return "" and no error.
func (t *Tx) Meta(ctx context.Context, key string) (string, error) {
	var values []string
	if err := t.tx.SelectContext(ctx, &values, "SELECT value FROM market_meta WHERE key = ?", key); err != nil {
		return "", fmt.Errorf("get meta %s: %w", key, err)
	}
	if len(values) == 0 {
		return "", nil
	}
	return values[0], nil
}

// SetMeta stores a key-value pair in market metadata.
func (t *Tx) SetMeta(ctx context.Context, key, value string) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO market_meta (key, value) VALUES (?, ?)",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}
