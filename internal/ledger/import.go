package ledger

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/stellarlinkco/fintrack/internal/advisor"
	"github.com/stellarlinkco/fintrack/internal/finance"
)

// Classifier assigns a category to rows imported without one.
type Classifier interface {
	Classify(description string) advisor.Category
}

type ImportReport struct {
	Imported int
	Skipped  int
	Errors   []string
}

// ImportCSV reads rows of date,amount,category,description. A header row
// is skipped, as is a row that cannot be parsed. An empty category is
// filled in by classifier.
func (s *Store) ImportCSV(r io.Reader, classifier Classifier) (ImportReport, error) {
	var report ImportReport

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	line := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return report, fmt.Errorf("read csv line %d: %w", line, err)
		}
		if line == 1 && isHeader(record) {
			continue
		}

		tx, err := parseRecord(record)
		if err != nil {
			report.Skipped++
			report.Errors = append(report.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		if tx.Category == "" && classifier != nil {
			tx.Category = string(classifier.Classify(tx.Description))
		}
		if _, err := s.Add(tx); err != nil {
			return report, fmt.Errorf("import line %d: %w", line, err)
		}
		report.Imported++
	}

	log.Printf("[ledger] imported %d transactions, skipped %d", report.Imported, report.Skipped)
	return report, nil
}

func isHeader(record []string) bool {
	return len(record) > 0 && strings.EqualFold(strings.TrimSpace(record[0]), "date")
}

func parseRecord(record []string) (finance.Transaction, error) {
	if len(record) < 2 {
		return finance.Transaction{}, fmt.Errorf("want at least date and amount, got %d fields", len(record))
	}
	date, err := time.ParseInLocation(finance.DateLayout, strings.TrimSpace(record[0]), time.Local)
	if err != nil {
		return finance.Transaction{}, fmt.Errorf("parse date: %w", err)
	}
	amount, err := strconv.ParseFloat(strings.TrimSpace(record[1]), 64)
	if err != nil {
		return finance.Transaction{}, fmt.Errorf("parse amount: %w", err)
	}

	tx := finance.Transaction{Date: date, Amount: amount}
	if len(record) > 2 {
		tx.Category = strings.TrimSpace(record[2])
	}
	if len(record) > 3 {
		tx.Description = strings.TrimSpace(strings.Join(record[3:], ","))
	}
	return tx, nil
}
