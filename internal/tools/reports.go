package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pharmacy-voice-lab/internal/store"
)

// maxSuggestions caps the disambiguation list for ambiguous name searches.
const maxSuggestions = 5

// Reports owns the nine pharmacy reporting capabilities. Every capability is
// a pure read against the store; the clock is injected so period boundaries
// are testable.
type Reports struct {
	store store.Querier
	now   func() time.Time
}

// NewReports creates the capability set. A nil now defaults to time.Now.
func NewReports(q store.Querier, now func() time.Time) *Reports {
	if now == nil {
		now = time.Now
	}
	return &Reports{store: q, now: now}
}

// RegisterAll adds every reporting capability to the registry.
func (r *Reports) RegisterAll(reg *Registry) error {
	caps := []Capability{
		{
			Name:        "get_stock_by_name",
			Description: "Look up the current stock of a drug by (partial) name.",
			Parameters:  objectSchema(map[string]any{"name": stringProp("Full or partial drug name")}, "name"),
			Handler:     r.stockByName,
		},
		{
			Name:        "get_expiring_batches",
			Description: "List drug batches expiring within a month horizon (default 3 months).",
			Parameters:  objectSchema(map[string]any{"months": numberProp("Month horizon, default 3")}),
			Handler:     r.expiringBatches,
		},
		{
			Name:        "get_supplier_debt",
			Description: "Look up the outstanding debt owed to a supplier by (partial) name.",
			Parameters:  objectSchema(map[string]any{"name": stringProp("Full or partial supplier name")}, "name"),
			Handler:     r.supplierDebt,
		},
		{
			Name:        "get_today_sales_total",
			Description: "Total pharmacy sales amount and invoice count for today.",
			Parameters:  objectSchema(nil),
			Handler:     r.todaySalesTotal,
		},
		{
			Name:        "get_today_clinic_revenue",
			Description: "Total clinic revenue and transaction count for today.",
			Parameters:  objectSchema(nil),
			Handler:     r.todayClinicRevenue,
		},
		{
			Name:        "get_low_stock_list",
			Description: "List drugs with stock below a threshold (default 10).",
			Parameters:  objectSchema(map[string]any{"threshold": numberProp("Stock threshold, default 10")}),
			Handler:     r.lowStockList,
		},
		{
			Name:        "get_financial_summary",
			Description: "Sales, net profit and clinic revenue for a period (today, this_month, last_month).",
			Parameters: objectSchema(map[string]any{"period": map[string]any{
				"type":        "string",
				"enum":        []string{"today", "this_month", "last_month"},
				"description": "Reporting period, default today",
			}}),
			Handler: r.financialSummary,
		},
		{
			Name:        "list_all_drugs",
			Description: "List every drug with its current stock.",
			Parameters:  objectSchema(nil),
			Handler:     r.listAllDrugs,
		},
		{
			Name:        "list_all_suppliers_with_debt",
			Description: "List every supplier with outstanding debt.",
			Parameters:  objectSchema(nil),
			Handler:     r.listSuppliersWithDebt,
		},
	}
	for _, c := range caps {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reports) stockByName(ctx context.Context, args map[string]any) (any, error) {
	query, err := requiredString(args, "name")
	if err != nil {
		return nil, err
	}
	drugs, err := r.store.Drugs(ctx)
	if err != nil {
		return nil, err
	}
	var matches []store.Drug
	for _, d := range drugs {
		if nameMatches(d.Name, query) {
			matches = append(matches, d)
		}
	}
	switch len(matches) {
	case 0:
		return map[string]any{
			"success": false,
			"message": fmt.Sprintf("No drug found matching %q.", query),
		}, nil
	case 1:
		return map[string]any{
			"success": true,
			"name":    matches[0].Name,
			"stock":   matches[0].TotalStock,
		}, nil
	default:
		return map[string]any{
			"success":       true,
			"multipleFound": true,
			"suggestions":   suggestionNames(matches),
		}, nil
	}
}

func (r *Reports) supplierDebt(ctx context.Context, args map[string]any) (any, error) {
	query, err := requiredString(args, "name")
	if err != nil {
		return nil, err
	}
	suppliers, err := r.store.Suppliers(ctx)
	if err != nil {
		return nil, err
	}
	var matches []store.Supplier
	for _, s := range suppliers {
		if nameMatches(s.Name, query) {
			matches = append(matches, s)
		}
	}
	switch len(matches) {
	case 0:
		return map[string]any{
			"success": false,
			"message": fmt.Sprintf("No supplier found matching %q.", query),
		}, nil
	case 1:
		return map[string]any{
			"success": true,
			"name":    matches[0].Name,
			"debt":    matches[0].TotalDebt,
		}, nil
	default:
		names := make([]string, 0, maxSuggestions)
		for _, s := range matches {
			if len(names) == maxSuggestions {
				break
			}
			names = append(names, s.Name)
		}
		return map[string]any{
			"success":       true,
			"multipleFound": true,
			"suggestions":   names,
		}, nil
	}
}

func (r *Reports) expiringBatches(ctx context.Context, args map[string]any) (any, error) {
	months := intArg(args, "months", 3)
	if months <= 0 {
		return nil, fmt.Errorf("months must be positive, got %d", months)
	}
	cutoff := r.now().AddDate(0, months, 0)
	batches, err := r.store.BatchesExpiringBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	drugNames, err := r.drugNameIndex(ctx)
	if err != nil {
		return nil, err
	}
	list := make([]map[string]any, 0, len(batches))
	for _, b := range batches {
		name := drugNames[b.DrugID]
		if name == "" {
			name = b.DrugID
		}
		list = append(list, map[string]any{
			"drugName":   name,
			"lotNumber":  b.LotNumber,
			"expiryDate": b.ExpiryDate.Format("2006-01-02"),
			"quantity":   b.QuantityInStock,
		})
	}
	return map[string]any{"success": true, "count": len(list), "batches": list}, nil
}

func (r *Reports) todaySalesTotal(ctx context.Context, args map[string]any) (any, error) {
	from, to := dayRange(r.now())
	invoices, err := r.store.SaleInvoicesBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	var total float64
	for _, inv := range invoices {
		total += inv.TotalAmount
	}
	return map[string]any{"success": true, "totalSales": total, "count": len(invoices)}, nil
}

func (r *Reports) todayClinicRevenue(ctx context.Context, args map[string]any) (any, error) {
	from, to := dayRange(r.now())
	txs, err := r.store.ClinicTransactionsBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	var total float64
	for _, tx := range txs {
		total += tx.Amount
	}
	return map[string]any{"success": true, "totalRevenue": total, "count": len(txs)}, nil
}

func (r *Reports) lowStockList(ctx context.Context, args map[string]any) (any, error) {
	threshold := intArg(args, "threshold", 10)
	drugs, err := r.store.Drugs(ctx)
	if err != nil {
		return nil, err
	}
	list := make([]map[string]any, 0)
	for _, d := range drugs {
		if d.TotalStock < threshold {
			list = append(list, map[string]any{"name": d.Name, "stock": d.TotalStock})
		}
	}
	return map[string]any{"success": true, "threshold": threshold, "count": len(list), "drugs": list}, nil
}

func (r *Reports) financialSummary(ctx context.Context, args map[string]any) (any, error) {
	period := stringArg(args, "period", "today")
	from, to, err := periodRange(r.now(), period)
	if err != nil {
		return nil, err
	}
	invoices, err := r.store.SaleInvoicesBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	txs, err := r.store.ClinicTransactionsBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	drugs, err := r.store.Drugs(ctx)
	if err != nil {
		return nil, err
	}
	purchasePrice := make(map[string]float64, len(drugs))
	for _, d := range drugs {
		purchasePrice[d.ID] = d.PurchasePrice
	}

	var totalSales, costOfGoods, clinicRevenue float64
	for _, inv := range invoices {
		totalSales += inv.TotalAmount
		for _, item := range inv.Items {
			costOfGoods += float64(item.Quantity) * purchasePrice[item.DrugID]
		}
	}
	for _, tx := range txs {
		clinicRevenue += tx.Amount
	}
	return map[string]any{
		"success":            true,
		"period":             period,
		"totalSales":         totalSales,
		"netProfit":          totalSales - costOfGoods,
		"totalClinicRevenue": clinicRevenue,
		"salesCount":         len(invoices),
		"clinicCount":        len(txs),
	}, nil
}

func (r *Reports) listAllDrugs(ctx context.Context, args map[string]any) (any, error) {
	drugs, err := r.store.Drugs(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(drugs, func(i, j int) bool { return drugs[i].Name < drugs[j].Name })
	list := make([]map[string]any, 0, len(drugs))
	for _, d := range drugs {
		list = append(list, map[string]any{"name": d.Name, "stock": d.TotalStock})
	}
	return map[string]any{"success": true, "count": len(list), "drugs": list}, nil
}

func (r *Reports) listSuppliersWithDebt(ctx context.Context, args map[string]any) (any, error) {
	suppliers, err := r.store.Suppliers(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(suppliers, func(i, j int) bool { return suppliers[i].Name < suppliers[j].Name })
	list := make([]map[string]any, 0)
	for _, s := range suppliers {
		if s.TotalDebt > 0 {
			list = append(list, map[string]any{"name": s.Name, "debt": s.TotalDebt})
		}
	}
	return map[string]any{"success": true, "count": len(list), "suppliers": list}, nil
}

func (r *Reports) drugNameIndex(ctx context.Context) (map[string]string, error) {
	drugs, err := r.store.Drugs(ctx)
	if err != nil {
		return nil, err
	}
	idx := make(map[string]string, len(drugs))
	for _, d := range drugs {
		idx[d.ID] = d.Name
	}
	return idx, nil
}

// nameMatches reports whether every whitespace token of query is a
// case-insensitive substring of name.
func nameMatches(name, query string) bool {
	n := strings.ToLower(name)
	tokens := strings.Fields(strings.ToLower(query))
	if len(tokens) == 0 {
		return false
	}
	for _, tok := range tokens {
		if !strings.Contains(n, tok) {
			return false
		}
	}
	return true
}

func suggestionNames(drugs []store.Drug) []string {
	names := make([]string, 0, maxSuggestions)
	for _, d := range drugs {
		if len(names) == maxSuggestions {
			break
		}
		names = append(names, d.Name)
	}
	return names
}

// dayRange returns the half-open [midnight, next midnight) range containing t.
func dayRange(t time.Time) (time.Time, time.Time) {
	from := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return from, from.AddDate(0, 0, 1)
}

func periodRange(now time.Time, period string) (time.Time, time.Time, error) {
	switch period {
	case "today":
		from, to := dayRange(now)
		return from, to, nil
	case "this_month":
		from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return from, from.AddDate(0, 1, 0), nil
	case "last_month":
		thisMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return thisMonth.AddDate(0, -1, 0), thisMonth, nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("invalid period %q", period)
	}
}

func requiredString(args map[string]any, key string) (string, error) {
	v := stringArg(args, key, "")
	if strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("argument %q is required", key)
	}
	return v, nil
}

func stringArg(args map[string]any, key, def string) string {
	if args == nil {
		return def
	}
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return def
}

// intArg tolerates the numeric types JSON decoding produces.
func intArg(args map[string]any, key string, def int) int {
	if args == nil {
		return def
	}
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return def
	}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	if props == nil {
		props = map[string]any{}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func numberProp(desc string) map[string]any {
	return map[string]any{"type": "number", "description": desc}
}
