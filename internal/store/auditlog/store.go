package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one gate decision written to the audit trail. Every decision is
// recorded before it is returned to the caller, so no trade can be admitted
// without a trace.
type Record struct {
	ID        int64           `json:"id"`
	TraceID   string          `json:"trace_id"`
	At        time.Time       `json:"at"`
	Symbol    string          `json:"symbol"`
	Outcome   string          `json:"outcome"`
	Reason    string          `json:"reason"`
	RiskScore float64         `json:"risk_score"`
	AmountUSD float64         `json:"amount_usd"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Store is an append-mostly SQLite audit log for gate decisions.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("audit log path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS gate_decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trace_id TEXT NOT NULL,
	ts INTEGER NOT NULL,
	symbol TEXT NOT NULL,
	outcome TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	risk_score REAL NOT NULL DEFAULT 0,
	amount_usd REAL NOT NULL DEFAULT 0,
	payload TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_gate_decisions_ts ON gate_decisions(ts);
CREATE INDEX IF NOT EXISTS idx_gate_decisions_symbol ON gate_decisions(symbol);
`)
	return err
}

// Append writes one decision row.
func (s *Store) Append(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO gate_decisions (trace_id, ts, symbol, outcome, reason, risk_score, amount_usd, payload)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TraceID, at.Unix(), rec.Symbol, rec.Outcome, rec.Reason,
		rec.RiskScore, rec.AmountUSD, string(rec.Payload))
	return err
}

// List returns the newest decisions, most recent first.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
SELECT id, trace_id, ts, symbol, outcome, reason, risk_score, amount_usd, payload
FROM gate_decisions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var ts int64
		var payload string
		if err := rows.Scan(&rec.ID, &rec.TraceID, &ts, &rec.Symbol, &rec.Outcome,
			&rec.Reason, &rec.RiskScore, &rec.AmountUSD, &payload); err != nil {
			return nil, err
		}
		rec.At = time.Unix(ts, 0)
		if payload != "" {
			rec.Payload = json.RawMessage(payload)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
