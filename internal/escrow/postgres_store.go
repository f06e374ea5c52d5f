package escrow

import (
	"context"
	"database/sql"
	"time"

	"github.com/tokenbay/nftescrow/internal/payment"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	return p.db.QueryRowContext(ctx, `
		INSERT INTO escrows (
			seller_addr, buyer_addr, asset_contract, asset_id,
			amount, medium_kind, token_ref, status,
			created_at, paid_at, resolved_at
		) VALUES (
			$1, $2, $3, $4,
			$5::NUMERIC(78,0), $6, $7, $8,
			$9, $10, $11
		)
		RETURNING id`,
		e.Seller, e.Buyer, e.Asset.Contract, e.Asset.ID,
		e.Amount, string(e.Medium.Kind), nullString(e.Medium.Token), string(e.Status),
		e.CreatedAt, nullTime(e.PaidAt), nullTime(e.ResolvedAt),
	).Scan(&e.ID)
}

const escrowColumns = `id, seller_addr, buyer_addr, asset_contract, asset_id,
		       amount::TEXT, medium_kind, token_ref, status,
		       created_at, paid_at, resolved_at`

func (p *PostgresStore) Get(ctx context.Context, id uint64) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, paid_at = $2, resolved_at = $3
		WHERE id = $4`,
		string(e.Status), nullTime(e.PaidAt), nullTime(e.ResolvedAt), e.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, addr string, beforeID uint64, limit int) ([]*Escrow, error) {
	// beforeID 0 means no upper bound; the cursor is exclusive otherwise.
	query := `
		SELECT ` + escrowColumns + `
		FROM escrows
		WHERE (seller_addr = $1 OR buyer_addr = $1)
		  AND ($2::BIGINT = 0 OR id < $2)
		ORDER BY id DESC
		LIMIT $3`
	rows, err := p.db.QueryContext(ctx, query, addr, beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		mediumKind string
		tokenRef   sql.NullString
		status     string
		paidAt     sql.NullTime
		resolvedAt sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.Seller, &e.Buyer, &e.Asset.Contract, &e.Asset.ID,
		&e.Amount, &mediumKind, &tokenRef, &status,
		&e.CreatedAt, &paidAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Medium = payment.Medium{Kind: payment.Kind(mediumKind), Token: tokenRef.String}
	e.Status = Status(status)
	if paidAt.Valid {
		e.PaidAt = &paidAt.Time
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
