package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is a Postgres-backed Querier using a pgx connection pool.
type PGStore struct {
	pool *pgxpool.Pool
}

// OpenPG connects a pool and verifies it with a ping.
func OpenPG(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PGStore) Close() { s.pool.Close() }

func (s *PGStore) Drugs(ctx context.Context) ([]Drug, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, total_stock, purchase_price FROM drugs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: query drugs: %w", err)
	}
	defer rows.Close()
	var out []Drug
	for rows.Next() {
		var d Drug
		if err := rows.Scan(&d.ID, &d.Name, &d.TotalStock, &d.PurchasePrice); err != nil {
			return nil, fmt.Errorf("store: scan drug: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PGStore) BatchesExpiringBefore(ctx context.Context, cutoff time.Time) ([]DrugBatch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT drug_id, lot_number, expiry_date, quantity_in_stock
		   FROM drug_batches
		  WHERE quantity_in_stock > 0 AND expiry_date < $1
		  ORDER BY expiry_date`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: query batches: %w", err)
	}
	defer rows.Close()
	var out []DrugBatch
	for rows.Next() {
		var b DrugBatch
		if err := rows.Scan(&b.DrugID, &b.LotNumber, &b.ExpiryDate, &b.QuantityInStock); err != nil {
			return nil, fmt.Errorf("store: scan batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PGStore) Suppliers(ctx context.Context) ([]Supplier, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, total_debt FROM suppliers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: query suppliers: %w", err)
	}
	defer rows.Close()
	var out []Supplier
	for rows.Next() {
		var sp Supplier
		if err := rows.Scan(&sp.ID, &sp.Name, &sp.TotalDebt); err != nil {
			return nil, fmt.Errorf("store: scan supplier: %w", err)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

func (s *PGStore) SaleInvoicesBetween(ctx context.Context, from, to time.Time) ([]SaleInvoice, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, date, total_amount
		   FROM sale_invoices
		  WHERE date >= $1 AND date < $2
		  ORDER BY date`, from, to)
	if err != nil {
		return nil, fmt.Errorf("store: query invoices: %w", err)
	}
	defer rows.Close()
	var out []SaleInvoice
	index := make(map[string]int)
	var ids []string
	for rows.Next() {
		var inv SaleInvoice
		if err := rows.Scan(&inv.ID, &inv.Date, &inv.TotalAmount); err != nil {
			return nil, fmt.Errorf("store: scan invoice: %w", err)
		}
		index[inv.ID] = len(out)
		ids = append(ids, inv.ID)
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return out, nil
	}

	itemRows, err := s.pool.Query(ctx,
		`SELECT invoice_id, drug_id, quantity
		   FROM sale_invoice_items
		  WHERE invoice_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("store: query invoice items: %w", err)
	}
	defer itemRows.Close()
	for itemRows.Next() {
		var invoiceID string
		var item SaleItem
		if err := itemRows.Scan(&invoiceID, &item.DrugID, &item.Quantity); err != nil {
			return nil, fmt.Errorf("store: scan invoice item: %w", err)
		}
		if i, ok := index[invoiceID]; ok {
			out[i].Items = append(out[i].Items, item)
		}
	}
	return out, itemRows.Err()
}

func (s *PGStore) ClinicTransactionsBetween(ctx context.Context, from, to time.Time) ([]ClinicTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, date, amount
		   FROM clinic_transactions
		  WHERE date >= $1 AND date < $2
		  ORDER BY date`, from, to)
	if err != nil {
		return nil, fmt.Errorf("store: query clinic transactions: %w", err)
	}
	defer rows.Close()
	var out []ClinicTransaction
	for rows.Next() {
		var tx ClinicTransaction
		if err := rows.Scan(&tx.ID, &tx.Date, &tx.Amount); err != nil {
			return nil, fmt.Errorf("store: scan clinic transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

var _ Querier = (*PGStore)(nil)
