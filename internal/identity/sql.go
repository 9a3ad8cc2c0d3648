package identity

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// SQLDirectory reads accounts and their from-addresses from the database.
type SQLDirectory struct {
	db *sqlx.DB
}

// NewSQLDirectory returns a directory over db.
func NewSQLDirectory(db *sqlx.DB) *SQLDirectory {
	return &SQLDirectory{db: db}
}

// Accounts lists every account with at least one address.
func (d *SQLDirectory) Accounts(ctx context.Context) ([]Account, error) {
	var rows []struct {
		ID      string `db:"account_id"`
		Name    string `db:"account_name"`
		Address string `db:"address"`
	}
	err := d.db.SelectContext(ctx, &rows, `SELECT a.account_id, COALESCE(a.account_name, '') AS account_name, d.address
		FROM whups_accounts a
		JOIN whups_account_addresses d ON d.account_id = a.account_id
		ORDER BY a.account_id, d.address`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	var out []Account
	for _, row := range rows {
		if n := len(out); n > 0 && out[n-1].ID == row.ID {
			out[n-1].FromAddresses = append(out[n-1].FromAddresses, row.Address)
			continue
		}
		out = append(out, Account{ID: row.ID, Name: row.Name, FromAddresses: []string{row.Address}})
	}
	return out, nil
}

// AddAddress registers an additional from-address for an account, creating
// the account row when needed.
func (d *SQLDirectory) AddAddress(ctx context.Context, id, name, address string) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var n int
	if err := tx.GetContext(ctx, &n, tx.Rebind(`SELECT COUNT(*) FROM whups_accounts WHERE account_id = ?`), id); err != nil {
		return fmt.Errorf("check account %s: %w", id, err)
	}
	if n == 0 {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO whups_accounts (account_id, account_name) VALUES (?, ?)`), id, name); err != nil {
			return fmt.Errorf("insert account %s: %w", id, err)
		}
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO whups_account_addresses (account_id, address) VALUES (?, ?)`), id, address); err != nil {
		return fmt.Errorf("insert address for %s: %w", id, err)
	}
	return tx.Commit()
}
