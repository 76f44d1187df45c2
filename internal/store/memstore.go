package store

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-memory Querier used for tests and for running the
// assistant without a database.
type MemStore struct {
	mu        sync.RWMutex
	drugs     []Drug
	batches   []DrugBatch
	suppliers []Supplier
	invoices  []SaleInvoice
	clinic    []ClinicTransaction
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore { return &MemStore{} }

// SeedDrugs replaces the drug collection.
func (m *MemStore) SeedDrugs(drugs []Drug) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drugs = append([]Drug(nil), drugs...)
}

// SeedBatches replaces the batch collection.
func (m *MemStore) SeedBatches(batches []DrugBatch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append([]DrugBatch(nil), batches...)
}

// SeedSuppliers replaces the supplier collection.
func (m *MemStore) SeedSuppliers(suppliers []Supplier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suppliers = append([]Supplier(nil), suppliers...)
}

// SeedInvoices replaces the sale invoice collection.
func (m *MemStore) SeedInvoices(invoices []SaleInvoice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoices = append([]SaleInvoice(nil), invoices...)
}

// SeedClinicTransactions replaces the clinic transaction collection.
func (m *MemStore) SeedClinicTransactions(txs []ClinicTransaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clinic = append([]ClinicTransaction(nil), txs...)
}

func (m *MemStore) Drugs(ctx context.Context) ([]Drug, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Drug(nil), m.drugs...), nil
}

func (m *MemStore) BatchesExpiringBefore(ctx context.Context, cutoff time.Time) ([]DrugBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []DrugBatch
	for _, b := range m.batches {
		if b.QuantityInStock > 0 && b.ExpiryDate.Before(cutoff) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *MemStore) Suppliers(ctx context.Context) ([]Supplier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Supplier(nil), m.suppliers...), nil
}

func (m *MemStore) SaleInvoicesBetween(ctx context.Context, from, to time.Time) ([]SaleInvoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []SaleInvoice
	for _, inv := range m.invoices {
		if !inv.Date.Before(from) && inv.Date.Before(to) {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (m *MemStore) ClinicTransactionsBetween(ctx context.Context, from, to time.Time) ([]ClinicTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ClinicTransaction
	for _, tx := range m.clinic {
		if !tx.Date.Before(from) && tx.Date.Before(to) {
			out = append(out, tx)
		}
	}
	return out, nil
}

var _ Querier = (*MemStore)(nil)
