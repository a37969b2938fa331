package persistence

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/talgya/mini-market/internal/economy"
)

// Accounts is a SQLite-backed currency ledger. It lives in its own database
// file so ledger writes never contend with an open listing transaction.
type Accounts struct {
	conn *sqlx.DB
	mu   sync.Mutex
}

const accountsSchema = `
	CREATE TABLE IF NOT EXISTS accounts (
		participant TEXT PRIMARY KEY,
		balance TEXT NOT NULL DEFAULT '0'
	);
	`

// OpenAccounts opens or creates the ledger database at path.
func OpenAccounts(path string) (*Accounts, error) {
	conn, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := migrate(conn, accountsSchema, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate accounts: %w", err)
	}
	return &Accounts{conn: conn}, nil
}

// Close closes the ledger database.
func (a *Accounts) Close() error {
	return a.conn.Close()
}

func balanceOf(ctx context.Context, q sqlx.QueryerContext, participant string) (decimal.Decimal, error) {
	var values []string
	if err := sqlx.SelectContext(ctx, q, &values,
		"SELECT balance FROM accounts WHERE participant = ?", participant); err != nil {
		return decimal.Zero, fmt.Errorf("select balance %s: %w", participant, err)
	}
	if len(values) == 0 {
		return decimal.Zero, nil
	}
	bal, err := decimal.NewFromString(values[0])
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance %s: %w", participant, err)
	}
	return bal, nil
}

// Balance returns a participant's balance.
func (a *Accounts) Balance(ctx context.Context, participant string) (decimal.Decimal, error) {
	return balanceOf(ctx, a.conn, participant)
}

// Transfer credits or debits a participant. Overdrafts fail with
// economy.ErrInsufficientFunds and change nothing.
func (a *Accounts) Transfer(ctx context.Context, participant string, amount decimal.Decimal) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	tx, err := a.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	bal, err := balanceOf(ctx, tx, participant)
	if err != nil {
		return err
	}
	next := bal.Add(amount)
	if next.IsNegative() {
		return economy.ErrInsufficientFunds
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO accounts (participant, balance) VALUES (?, ?)",
		participant, next.String()); err != nil {
		return fmt.Errorf("save balance %s: %w", participant, err)
	}
	return tx.Commit()
}

// TotalCurrency sums every balance.
func (a *Accounts) TotalCurrency(ctx context.Context) (decimal.Decimal, error) {
	var values []string
	if err := a.conn.SelectContext(ctx, &values, "SELECT balance FROM accounts"); err != nil {
		return decimal.Zero, fmt.Errorf("select balances: %w", err)
	}
	total := decimal.Zero
	for _, v := range values {
		bal, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("balance %q: %w", v, err)
		}
		total = total.Add(bal)
	}
	return total, nil
}
