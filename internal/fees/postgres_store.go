package fees

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
)

// PostgresStore persists fee balances in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed fee store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Accrue(ctx context.Context, mediumKey string, amount *big.Int) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO fee_balances (medium_key, balance, updated_at)
		VALUES ($1, $2::NUMERIC(78,0), NOW())
		ON CONFLICT (medium_key) DO UPDATE SET
			balance    = fee_balances.balance + EXCLUDED.balance,
			updated_at = NOW()`,
		mediumKey, amount.String(),
	)
	return err
}

func (p *PostgresStore) Balance(ctx context.Context, mediumKey string) (*big.Int, error) {
	var balance string
	err := p.db.QueryRowContext(ctx,
		`SELECT balance::TEXT FROM fee_balances WHERE medium_key = $1`, mediumKey,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	return parseBalance(balance)
}

func (p *PostgresStore) Drain(ctx context.Context, mediumKey string) (*big.Int, error) {
	var balance string
	err := p.db.QueryRowContext(ctx, `
		UPDATE fee_balances f SET balance = 0, updated_at = NOW()
		FROM (SELECT medium_key, balance FROM fee_balances WHERE medium_key = $1 FOR UPDATE) old
		WHERE f.medium_key = old.medium_key
		RETURNING old.balance::TEXT`,
		mediumKey,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	return parseBalance(balance)
}

func (p *PostgresStore) Balances(ctx context.Context) (map[string]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT medium_key, balance::TEXT FROM fee_balances WHERE balance > 0`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var key, balance string
		if err := rows.Scan(&key, &balance); err != nil {
			return nil, err
		}
		out[key] = balance
	}
	return out, rows.Err()
}

func parseBalance(s string) (*big.Int, error) {
	b, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("fees: malformed balance %q", s)
	}
	return b, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
