package finance

import (
	"fmt"
	"strings"
)

// MaxContextTransactions caps how many rows are listed in a prompt.
const MaxContextTransactions = 10

// FormatContext appends a compact financial summary of txs to userText.
// With no transactions userText is returned unchanged.
func FormatContext(userText string, txs []Transaction) string {
	if len(txs) == 0 {
		return userText
	}

	var sb strings.Builder
	sb.WriteString(userText)
	sb.WriteString("\n\n[最近交易记录]\n")

	recent := txs
	if len(recent) > MaxContextTransactions {
		recent = recent[len(recent)-MaxContextTransactions:]
	}
	for _, tx := range recent {
		fmt.Fprintf(&sb, "%s, %+.2f, %s, %s, %s\n",
			tx.Date.Format(DateLayout), tx.Amount, tx.TypeLabel(), tx.Category, tx.Description)
	}

	income, expense := Totals(txs)
	sb.WriteString("\n[统计]\n")
	fmt.Fprintf(&sb, "总收入: %.2f\n", income)
	fmt.Fprintf(&sb, "总支出: %.2f\n", expense)

	breakdown := ExpenseByCategory(txs)
	if len(breakdown) > 0 {
		sb.WriteString("支出分类:\n")
		for _, row := range breakdown {
			fmt.Fprintf(&sb, "- %s: %.2f\n", row.Category, row.Amount)
		}
	}

	return strings.TrimRight(sb.String(), "\n")
}
