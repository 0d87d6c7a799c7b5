package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger keeps available stock in the products table. Every mutation is a
// single conditional UPDATE, so concurrent reserves on one row serialize on the row
// lock and the second one re-evaluates the stock predicate.
type PostgresLedger struct{ DB *pgxpool.Pool }

func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{DB: db}
}

func (l *PostgresLedger) Reserve(ctx context.Context, productID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	ct, err := l.DB.Exec(ctx, `
		UPDATE products SET stock = stock - $2, updated_at = now()
		WHERE id = $1 AND stock >= $2`, productID, qty)
	if err != nil {
		return fmt.Errorf("reserve %s: %w", productID, err)
	}
	if ct.RowsAffected() == 1 {
		return nil
	}

	// nothing updated: either the row is missing or stock was short
	exists, err := l.exists(ctx, productID)
	if err != nil {
		return fmt.Errorf("reserve %s: %w", productID, err)
	}
	if !exists {
		return ErrProductNotFound
	}
	return ErrInsufficientStock
}

func (l *PostgresLedger) Release(ctx context.Context, productID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	ct, err := l.DB.Exec(ctx, `
		UPDATE products SET stock = stock + $2, updated_at = now()
		WHERE id = $1`, productID, qty)
	if err != nil {
		return fmt.Errorf("release %s: %w", productID, err)
	}
	if ct.RowsAffected() != 1 {
		return ErrProductNotFound
	}
	return nil
}

func (l *PostgresLedger) GetProduct(ctx context.Context, id string) (Product, error) {
	var p Product
	err := l.DB.QueryRow(ctx, `
		SELECT id, sku, name, price_cents, stock, created_at, updated_at
		FROM products WHERE id = $1`, id).
		Scan(&p.ID, &p.SKU, &p.Name, &p.PriceCents, &p.Stock, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrProductNotFound
	}
	if err != nil {
		return Product{}, err
	}
	return p, nil
}

func (l *PostgresLedger) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := l.DB.Query(ctx, `SELECT id, sku, name, price_cents, stock, created_at, updated_at
                                FROM products ORDER BY sku`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.PriceCents, &p.Stock, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) exists(ctx context.Context, productID string) (bool, error) {
	var ok bool
	err := l.DB.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&ok)
	return ok, err
}
