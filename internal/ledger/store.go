// Package ledger keeps the user's transactions in a local SQLite file.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/stellarlinkco/fintrack/internal/finance"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("transaction not found")

const schemaVersion = 1

type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tx_date TEXT NOT NULL,
			amount REAL NOT NULL,
			category TEXT NOT NULL DEFAULT '其他',
			description TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_date ON transactions(tx_date, id)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_category ON transactions(category)`,
		fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Add stores tx and returns it with its assigned ID.
func (s *Store) Add(tx finance.Transaction) (finance.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	category := strings.TrimSpace(tx.Category)
	if category == "" {
		category = "其他"
	}
	if tx.Date.IsZero() {
		tx.Date = time.Now()
	}

	res, err := s.db.Exec(`
		INSERT INTO transactions (tx_date, amount, category, description)
		VALUES (?, ?, ?, ?)
	`, tx.Date.Format(finance.DateLayout), tx.Amount, category, strings.TrimSpace(tx.Description))
	if err != nil {
		return finance.Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return finance.Transaction{}, fmt.Errorf("insert transaction id: %w", err)
	}

	tx.ID = id
	tx.Category = category
	tx.Description = strings.TrimSpace(tx.Description)
	tx.Date = dateOnly(tx.Date)
	return tx, nil
}

// List returns the most recent limit transactions, oldest first. A
// non-positive limit returns everything.
func (s *Store) List(limit int) ([]finance.Transaction, error) {
	q := `
		SELECT id, tx_date, amount, category, description FROM (
			SELECT id, tx_date, amount, category, description
			FROM transactions
			ORDER BY tx_date DESC, id DESC
	`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	q += `) ORDER BY tx_date ASC, id ASC`

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// Since returns transactions dated on or after from, oldest first.
func (s *Store) Since(from time.Time) ([]finance.Transaction, error) {
	rows, err := s.db.Query(`
		SELECT id, tx_date, amount, category, description
		FROM transactions
		WHERE tx_date >= ?
		ORDER BY tx_date ASC, id ASC
	`, from.Format(finance.DateLayout))
	if err != nil {
		return nil, fmt.Errorf("query transactions since: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (s *Store) Get(id int64) (finance.Transaction, error) {
	row := s.db.QueryRow(`
		SELECT id, tx_date, amount, category, description
		FROM transactions WHERE id = ?
	`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return finance.Transaction{}, ErrNotFound
	}
	return tx, err
}

func (s *Store) UpdateCategory(id int64, category string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE transactions SET category = ? WHERE id = ?`, strings.TrimSpace(category), id)
	if err != nil {
		return fmt.Errorf("update category: %w", err)
	}
	return checkAffected(res)
}

func (s *Store) Delete(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM transactions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}
	return checkAffected(res)
}

func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM transactions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return n, nil
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (finance.Transaction, error) {
	var tx finance.Transaction
	var date string
	if err := row.Scan(&tx.ID, &date, &tx.Amount, &tx.Category, &tx.Description); err != nil {
		return finance.Transaction{}, err
	}
	parsed, err := time.ParseInLocation(finance.DateLayout, date, time.Local)
	if err != nil {
		return finance.Transaction{}, fmt.Errorf("parse date %q: %w", date, err)
	}
	tx.Date = parsed
	return tx, nil
}

func scanTransactions(rows *sql.Rows) ([]finance.Transaction, error) {
	result := make([]finance.Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		result = append(result, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return result, nil
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
