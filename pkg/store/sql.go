package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "modernc.org/sqlite"             // registers "sqlite"

	"github.com/cgast/clearinghouse/pkg/escrow"
)

// Dialect selects placeholder syntax and driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

func (d Dialect) driver() (string, error) {
	switch d {
	case DialectSQLite:
		return "sqlite", nil
	case DialectPostgres:
		return "pgx", nil
	}
	return "", fmt.Errorf("unknown sql dialect %q", d)
}

// schema is shared by both dialects; contract and event bodies are JSON
// documents with the columns needed for conditional writes and ordering.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		version BIGINT NOT NULL,
		body TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS contract_events (
		contract_id TEXT NOT NULL,
		sequence BIGINT NOT NULL,
		event_type TEXT NOT NULL,
		body TEXT NOT NULL,
		PRIMARY KEY (contract_id, sequence)
	)`,
	`CREATE TABLE IF NOT EXISTS submissions (
		id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL,
		submitted_at BIGINT NOT NULL,
		body TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_submissions_contract ON submissions (contract_id, submitted_at)`,
}

// SQL is a database/sql Store for SQLite (modernc.org/sqlite) and
// PostgreSQL (pgx).
type SQL struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// OpenSQL opens dsn with the dialect's driver and creates the schema.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*SQL, error) {
	driver, err := dialect.driver()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// One writer at a time; concurrent commits queue instead of failing with SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	s := NewSQL(db, dialect)
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQL wraps an already-open database. The schema must exist.
func NewSQL(db *sql.DB, dialect Dialect) *SQL {
	return &SQL{db: db, dialect: dialect, now: time.Now}
}

func (s *SQL) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// q rewrites ? placeholders to $n for PostgreSQL.
func (s *SQL) q(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQL) Create(ctx context.Context, c escrow.Contract, events []escrow.Event) (Committed, error) {
	c.Version = 1
	if err := c.CheckInvariants(); err != nil {
		return Committed{}, err
	}
	body, err := json.Marshal(c)
	if err != nil {
		return Committed{}, fmt.Errorf("marshal contract: %w", err)
	}

	var out Committed
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO contracts (id, status, version, body) VALUES (?, ?, ?, ?)`),
			c.ID, string(c.Status), c.Version, string(body)); err != nil {
			return fmt.Errorf("insert contract: %w", err)
		}
		sealed, err := s.appendEvents(ctx, tx, c.ID, events)
		if err != nil {
			return err
		}
		out = Committed{Contract: c, Events: sealed}
		return nil
	})
	if err != nil {
		return Committed{}, fmt.Errorf("create contract: %w", err)
	}
	return out, nil
}

func (s *SQL) Load(ctx context.Context, id string) (escrow.Contract, error) {
	var body string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT body FROM contracts WHERE id = ?`), id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return escrow.Contract{}, notFound(id)
	}
	if err != nil {
		return escrow.Contract{}, fmt.Errorf("load contract %s: %w", id, err)
	}

	var c escrow.Contract
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return escrow.Contract{}, fmt.Errorf("unmarshal contract %s: %w", id, err)
	}
	if err := c.CheckInvariants(); err != nil {
		return escrow.Contract{}, err
	}
	return c, nil
}

func (s *SQL) Commit(ctx context.Context, m Mutation) (Committed, error) {
	next, err := prepare(m)
	if err != nil {
		return Committed{}, err
	}
	body, err := json.Marshal(next)
	if err != nil {
		return Committed{}, fmt.Errorf("marshal contract: %w", err)
	}

	var out Committed
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			s.q(`UPDATE contracts SET status = ?, version = ?, body = ? WHERE id = ? AND version = ?`),
			string(next.Status), next.Version, string(body), next.ID, m.ExpectedVersion)
		if err != nil {
			return fmt.Errorf("update contract: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			var count int
			if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM contracts WHERE id = ?`), next.ID).Scan(&count); err != nil {
				return fmt.Errorf("check contract: %w", err)
			}
			if count == 0 {
				return notFound(next.ID)
			}
			return conflict(next.ID, m.ExpectedVersion)
		}

		if sub := m.Submission; sub != nil {
			subBody, err := json.Marshal(sub)
			if err != nil {
				return fmt.Errorf("marshal submission: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				s.q(`INSERT INTO submissions (id, contract_id, submitted_at, body) VALUES (?, ?, ?, ?)`),
				sub.ID, sub.ContractID, sub.SubmittedAt.UnixNano(), string(subBody)); err != nil {
				return fmt.Errorf("insert submission: %w", err)
			}
		}

		sealed, err := s.appendEvents(ctx, tx, next.ID, m.Events)
		if err != nil {
			return err
		}
		out = Committed{Contract: next, Events: sealed}
		return nil
	})
	if err != nil {
		return Committed{}, err
	}
	return out, nil
}

func (s *SQL) appendEvents(ctx context.Context, tx *sql.Tx, contractID string, evs []escrow.Event) ([]escrow.Event, error) {
	if len(evs) == 0 {
		return nil, nil
	}

	var prev *escrow.Event
	var lastBody string
	err := tx.QueryRowContext(ctx,
		s.q(`SELECT body FROM contract_events WHERE contract_id = ? ORDER BY sequence DESC LIMIT 1`),
		contractID).Scan(&lastBody)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("load last event: %w", err)
	default:
		var last escrow.Event
		if err := json.Unmarshal([]byte(lastBody), &last); err != nil {
			return nil, fmt.Errorf("unmarshal last event: %w", err)
		}
		prev = &last
	}

	sealed, err := sealAll(prev, evs, s.now())
	if err != nil {
		return nil, err
	}
	for _, ev := range sealed {
		body, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("marshal event: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			s.q(`INSERT INTO contract_events (contract_id, sequence, event_type, body) VALUES (?, ?, ?, ?)`),
			contractID, int64(ev.Sequence), string(ev.Type), string(body)); err != nil {
			return nil, fmt.Errorf("insert event: %w", err)
		}
	}
	return sealed, nil
}

func (s *SQL) ListEvents(ctx context.Context, contractID string) ([]escrow.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT body FROM contract_events WHERE contract_id = ? ORDER BY sequence ASC`), contractID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []escrow.Event
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev escrow.Event
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQL) ListSubmissions(ctx context.Context, contractID string) ([]escrow.Submission, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT body FROM submissions WHERE contract_id = ? ORDER BY submitted_at ASC, id ASC`), contractID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var out []escrow.Submission
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		var sub escrow.Submission
		if err := json.Unmarshal([]byte(body), &sub); err != nil {
			return nil, fmt.Errorf("unmarshal submission: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *SQL) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", s.dialect, err)
	}
	return nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}

func (s *SQL) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
