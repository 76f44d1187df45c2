// Package store defines the read-only domain data contract the reporting
// capabilities query: drugs, batches, suppliers, sale invoices and clinic
// transactions. The store is assumed consistent-at-read; no transactional
// guarantees are required by the voice core.
package store

import (
	"context"
	"time"
)

// Drug is one stocked product.
type Drug struct {
	ID            string
	Name          string
	TotalStock    int
	PurchasePrice float64
}

// DrugBatch is one lot of a drug with its own expiry.
type DrugBatch struct {
	DrugID          string
	LotNumber       string
	ExpiryDate      time.Time
	QuantityInStock int
}

// Supplier carries the outstanding debt owed to a supplier.
type Supplier struct {
	ID        string
	Name      string
	TotalDebt float64
}

// SaleItem is one invoice line.
type SaleItem struct {
	DrugID   string
	Quantity int
}

// SaleInvoice is one completed sale with its line items.
type SaleInvoice struct {
	ID          string
	Date        time.Time
	TotalAmount float64
	Items       []SaleItem
}

// ClinicTransaction is one clinic revenue entry.
type ClinicTransaction struct {
	ID     string
	Date   time.Time
	Amount float64
}

// Querier is the narrow read contract the tool capabilities depend on. Date
// ranges are half-open: [from, to).
type Querier interface {
	Drugs(ctx context.Context) ([]Drug, error)
	BatchesExpiringBefore(ctx context.Context, cutoff time.Time) ([]DrugBatch, error)
	Suppliers(ctx context.Context) ([]Supplier, error)
	SaleInvoicesBetween(ctx context.Context, from, to time.Time) ([]SaleInvoice, error)
	ClinicTransactionsBetween(ctx context.Context, from, to time.Time) ([]ClinicTransaction, error)
}
