// Package local implements the on-device ledger engine used while the
// session is unauthenticated. The whole ledger is persisted as one
// document plus an append-only transaction log, written in a single
// SQLite transaction so a mutation either fully commits or not at all.
package local

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/paperledger/internal/database"
	"github.com/aristath/paperledger/internal/modules/ledger"
)

// Schema is the DDL for the on-device ledger store.
const Schema = `
CREATE TABLE IF NOT EXISTS ledger_document (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	payload TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	ledger_id TEXT NOT NULL,
	ticker TEXT NOT NULL,
	side TEXT NOT NULL CHECK (side IN ('BUY', 'SELL')),
	quantity INTEGER NOT NULL CHECK (quantity > 0),
	price TEXT NOT NULL,
	total TEXT NOT NULL,
	executed_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_executed_at
	ON transactions (executed_at DESC);
`

// document is the persisted shape of the ledger minus its transaction
// log: {cash, positions}. Money values are stored as decimal strings.
type document struct {
	ID        string             `json:"id"`
	Cash      decimal.Decimal    `json:"cash"`
	Positions []documentPosition `json:"positions"`
}

type documentPosition struct {
	Ticker   string          `json:"ticker"`
	Quantity int64           `json:"quantity"`
	AvgCost  decimal.Decimal `json:"avg_cost"`
}

// Store persists the ledger document and its transaction log.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStore creates a new local ledger store.
func NewStore(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{
		db:  db,
		log: log.With().Str("repo", "local_ledger").Logger(),
	}
}

// Load reads the stored ledger. Returns (nil, nil) when no document has
// been persisted yet.
func (s *Store) Load() (*ledger.Ledger, error) {
	var payload string
	err := s.db.QueryRow("SELECT payload FROM ledger_document WHERE id = 1").Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger document: %w", err)
	}

	var doc document
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode ledger document: %w", err)
	}

	l := ledger.Ledger{
		ID:        doc.ID,
		Cash:      doc.Cash,
		Positions: make(map[string]ledger.Position, len(doc.Positions)),
	}
	for _, p := range doc.Positions {
		l.Positions[p.Ticker] = ledger.Position{
			Ticker:   p.Ticker,
			Quantity: p.Quantity,
			AvgCost:  p.AvgCost,
		}
	}

	transactions, err := s.loadTransactions()
	if err != nil {
		return nil, err
	}
	l.Transactions = transactions

	return &l, nil
}

// Save persists the whole ledger state atomically: the document row and
// any transactions not yet recorded commit in one SQLite transaction.
// On error nothing is written and the stored state is unchanged.
func (s *Store) Save(l ledger.Ledger) error {
	payload, err := encodeDocument(l)
	if err != nil {
		return err
	}

	err = database.WithTransaction(s.db, func(tx *sql.Tx) error {
		now := time.Now().Unix()
		if _, err := tx.Exec(`
			INSERT INTO ledger_document (id, payload, updated_at)
			VALUES (1, ?, ?)
			ON CONFLICT (id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
		`, payload, now); err != nil {
			return fmt.Errorf("failed to write ledger document: %w", err)
		}

		for _, t := range l.Transactions {
			if _, err := tx.Exec(`
				INSERT INTO transactions (id, ledger_id, ticker, side, quantity, price, total, executed_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (id) DO NOTHING
			`, t.ID, t.LedgerID, t.Ticker, string(t.Side), t.Quantity,
				t.Price.String(), t.Total.String(), t.ExecutedAt.Unix()); err != nil {
				return fmt.Errorf("failed to append transaction %s: %w", t.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Debug().
		Str("ledger_id", l.ID).
		Str("cash", l.Cash.String()).
		Int("positions", len(l.Positions)).
		Msg("Ledger document saved")

	return nil
}

// loadTransactions returns the transaction log, newest first.
func (s *Store) loadTransactions() ([]ledger.Transaction, error) {
	rows, err := s.db.Query(`
		SELECT id, ledger_id, ticker, side, quantity, price, total, executed_at
		FROM transactions
		ORDER BY executed_at DESC, rowid DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		var (
			t            ledger.Transaction
			side         string
			price, total string
			executedAt   int64
		)
		if err := rows.Scan(&t.ID, &t.LedgerID, &t.Ticker, &side, &t.Quantity, &price, &total, &executedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		t.Side = ledger.Side(side)
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("invalid stored price %q: %w", price, err)
		}
		if t.Total, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("invalid stored total %q: %w", total, err)
		}
		t.ExecutedAt = time.Unix(executedAt, 0).UTC()
		out = append(out, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return out, nil
}

func encodeDocument(l ledger.Ledger) (string, error) {
	doc := document{
		ID:        l.ID,
		Cash:      l.Cash,
		Positions: make([]documentPosition, 0, len(l.Positions)),
	}
	for _, p := range l.Positions {
		doc.Positions = append(doc.Positions, documentPosition{
			Ticker:   p.Ticker,
			Quantity: p.Quantity,
			AvgCost:  p.AvgCost,
		})
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode ledger document: %w", err)
	}
	return string(payload), nil
}
