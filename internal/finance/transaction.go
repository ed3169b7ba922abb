package finance

import (
	"math"
	"sort"
	"time"
)

// DateLayout is the calendar format used for transaction dates in prompts,
// CSV imports and the ledger.
const DateLayout = "2006-01-02"

// Transaction is a read-only snapshot of one ledger row. Amount is signed:
// positive is income, negative is expense.
type Transaction struct {
	ID          int64
	Date        time.Time
	Amount      float64
	Category    string
	Description string
}

func (t Transaction) IsIncome() bool {
	return t.Amount > 0
}

func (t Transaction) IsExpense() bool {
	return t.Amount < 0
}

// TypeLabel returns the income/expense label shown to the model.
func (t Transaction) TypeLabel() string {
	if t.IsIncome() {
		return "收入"
	}
	return "支出"
}

// Totals sums income and absolute expense.
func Totals(txs []Transaction) (income, expense float64) {
	for _, tx := range txs {
		switch {
		case tx.IsIncome():
			income += tx.Amount
		case tx.IsExpense():
			expense += math.Abs(tx.Amount)
		}
	}
	return income, expense
}

// CategoryAmount is one row of an expense breakdown.
type CategoryAmount struct {
	Category string
	Amount   float64
}

// ExpenseByCategory sums absolute expense per category, largest first.
// Ties are broken by category name.
func ExpenseByCategory(txs []Transaction) []CategoryAmount {
	sums := make(map[string]float64)
	for _, tx := range txs {
		if !tx.IsExpense() {
			continue
		}
		sums[tx.Category] += math.Abs(tx.Amount)
	}

	out := make([]CategoryAmount, 0, len(sums))
	for cat, amt := range sums {
		out = append(out, CategoryAmount{Category: cat, Amount: amt})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Amount != out[j].Amount {
			return out[i].Amount > out[j].Amount
		}
		return out[i].Category < out[j].Category
	})
	return out
}

// Since keeps transactions dated at or after now minus the given window.
func Since(txs []Transaction, now time.Time, window time.Duration) []Transaction {
	cutoff := now.Add(-window)
	out := make([]Transaction, 0, len(txs))
	for _, tx := range txs {
		if !tx.Date.Before(cutoff) {
			out = append(out, tx)
		}
	}
	return out
}

// Percent returns part/total*100, or 0 when total is zero.
func Percent(part, total float64) float64 {
	if total == 0 {
		return 0
	}
	p := part / total * 100
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return 0
	}
	return p
}
