// Package usage is the durable usage ledger.
//
// DESIGN: One immutable Record is appended per provider call. Records are never
// updated. The same table answers window totals (requests, input+output tokens
// since a point in time) for tier selection, so the ledger is both the sink and
// the reader the selector consults.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register sqlite driver

	"github.com/compresr/tier-gateway/internal/config"
)

// Record is one completed (or failed) provider call.
type Record struct {
	RequestID       string
	User            string
	Project         string
	Tier            config.Tier
	Model           string
	InputTokens     int
	OutputTokens    int
	CostUSD         float64
	LatencyMS       int64
	TTFTMS          int64
	Streaming       bool
	Decomposed      bool
	ParentRequestID string
	ChunkIndex      int // -1 when not a decompose sub-call
	Success         bool
	CreatedAt       time.Time
}

// TotalTokens is input plus output.
func (r Record) TotalTokens() int { return r.InputTokens + r.OutputTokens }

// Totals aggregates a user's usage of one tier over a window.
type Totals struct {
	Requests int64
	Tokens   int64
}

// Sink accepts usage records.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// Reader answers window totals.
type Reader interface {
	Totals(ctx context.Context, user string, tier config.Tier, since time.Time) (Totals, error)
}

// Ledger is the sqlite-backed Sink and Reader.
type Ledger struct {
	db *sql.DB
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS usage_records (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id        TEXT NOT NULL,
	user_id           TEXT NOT NULL,
	project           TEXT NOT NULL DEFAULT '',
	tier              TEXT NOT NULL,
	model             TEXT NOT NULL DEFAULT '',
	input_tokens      INTEGER NOT NULL DEFAULT 0,
	output_tokens     INTEGER NOT NULL DEFAULT 0,
	cost_usd          REAL NOT NULL DEFAULT 0,
	latency_ms        INTEGER NOT NULL DEFAULT 0,
	ttft_ms           INTEGER NOT NULL DEFAULT 0,
	streaming         INTEGER NOT NULL DEFAULT 0,
	decomposed        INTEGER NOT NULL DEFAULT 0,
	parent_request_id TEXT NOT NULL DEFAULT '',
	chunk_index       INTEGER NOT NULL DEFAULT -1,
	success           INTEGER NOT NULL DEFAULT 1,
	created_at_ms     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_user_tier_time ON usage_records(user_id, tier, created_at_ms);
`

// Open opens or creates the ledger database at the given path.
func Open(dbPath string) (*Ledger, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating ledger dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening ledger db: %w", err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the ledger database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Ping checks the database is reachable.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Append stores one record.
func (l *Ledger) Append(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `INSERT INTO usage_records
		(request_id, user_id, project, tier, model, input_tokens, output_tokens,
		 cost_usd, latency_ms, ttft_ms, streaming, decomposed,
		 parent_request_id, chunk_index, success, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.User, rec.Project, string(rec.Tier), rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.CostUSD, rec.LatencyMS, rec.TTFTMS,
		boolInt(rec.Streaming), boolInt(rec.Decomposed),
		rec.ParentRequestID, rec.ChunkIndex, boolInt(rec.Success), rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("appending usage record: %w", err)
	}
	return nil
}

// Totals returns request count and token sum for user/tier since the given time.
func (l *Ledger) Totals(ctx context.Context, user string, tier config.Tier, since time.Time) (Totals, error) {
	var t Totals
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(input_tokens + output_tokens), 0)
		FROM usage_records WHERE user_id = ? AND tier = ? AND created_at_ms >= ?`,
		user, string(tier), since.UnixMilli(),
	).Scan(&t.Requests, &t.Tokens)
	if err != nil {
		return Totals{}, fmt.Errorf("reading usage totals: %w", err)
	}
	return t, nil
}

// Recent returns the newest records for a user, newest first.
func (l *Ledger) Recent(ctx context.Context, user string, limit int) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT request_id, user_id, project, tier, model,
		input_tokens, output_tokens, cost_usd, latency_ms, ttft_ms, streaming,
		decomposed, parent_request_id, chunk_index, success, created_at_ms
		FROM usage_records WHERE user_id = ? ORDER BY id DESC LIMIT ?`, user, limit)
	if err != nil {
		return nil, fmt.Errorf("querying usage records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var r Record
		var tier string
		var streaming, decomposed, success int
		var createdMS int64
		if err := rows.Scan(&r.RequestID, &r.User, &r.Project, &tier, &r.Model,
			&r.InputTokens, &r.OutputTokens, &r.CostUSD, &r.LatencyMS, &r.TTFTMS,
			&streaming, &decomposed, &r.ParentRequestID, &r.ChunkIndex,
			&success, &createdMS); err != nil {
			return nil, err
		}
		r.Tier = config.Tier(tier)
		r.Streaming = streaming == 1
		r.Decomposed = decomposed == 1
		r.Success = success == 1
		r.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the total number of records.
func (l *Ledger) Count(ctx context.Context) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_records`).Scan(&n)
	return n, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
