package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// SQLite implements Store on an embedded SQLite database. This is the
// default backend: the daemon runs standalone with a single file on disk.
type SQLite struct {
	db   *sql.DB
	path string
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS profiles (
	address    TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	summary    TEXT NOT NULL DEFAULT '',
	last_seen  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	address    TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_address ON messages(address, id);
CREATE TABLE IF NOT EXISTS drip_tasks (
	id         TEXT PRIMARY KEY,
	address    TEXT NOT NULL,
	context    TEXT NOT NULL DEFAULT '',
	due_at     TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_drips_due ON drip_tasks(status, due_at);
CREATE INDEX IF NOT EXISTS idx_drips_address ON drip_tasks(address, status);
`

// OpenSQLite opens (creating if needed) the store database at path.
func OpenSQLite(path string) (*SQLite, error) {
	// WAL for concurrent readers, busy timeout so the drip sweep and a
	// webhook turn don't trip over each other.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init store schema: %w", err)
	}

	s := &SQLite{db: db, path: path}
	slog.Info("store opened", "driver", "sqlite", "path", path)
	return s, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) GetProfile(ctx context.Context, address string) (*Profile, error) {
	var p Profile
	var lastSeen string
	err := s.db.QueryRowContext(ctx,
		`SELECT address, name, summary, last_seen FROM profiles WHERE address = ?`,
		address,
	).Scan(&p.Address, &p.Name, &p.Summary, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	p.LastSeen = parseTime(lastSeen)
	return &p, nil
}

func (s *SQLite) CreateProfile(ctx context.Context, p Profile) error {
	if p.LastSeen.IsZero() {
		p.LastSeen = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (address, name, summary, last_seen) VALUES (?, ?, ?, ?)
		 ON CONFLICT(address) DO NOTHING`,
		p.Address, p.Name, p.Summary, formatTime(p.LastSeen),
	)
	if err != nil {
		return fmt.Errorf("create profile: %w", err)
	}
	return nil
}

func (s *SQLite) TouchProfile(ctx context.Context, address string, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET last_seen = ? WHERE address = ?`,
		formatTime(t.UTC()), address,
	)
	if err != nil {
		return fmt.Errorf("touch profile: %w", err)
	}
	return nil
}

// AppendSummary reads, joins and writes back in one transaction. Two
// near-simultaneous turns for the same user resolve last-writer-wins on
// this field; that is accepted (messages are inserts and never race).
func (s *SQLite) AppendSummary(ctx context.Context, address, fact string, cap int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin summary tx: %w", err)
	}
	defer tx.Rollback()

	var summary string
	err = tx.QueryRowContext(ctx, `SELECT summary FROM profiles WHERE address = ?`, address).Scan(&summary)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read summary: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE profiles SET summary = ? WHERE address = ?`,
		JoinSummary(summary, fact, cap), address,
	); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return tx.Commit()
}

func (s *SQLite) AppendMessage(ctx context.Context, address, role, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (address, role, content, created_at) VALUES (?, ?, ?, ?)`,
		address, role, content, formatTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// RecentMessages fetches the newest limit rows and reverses them so the
// caller always receives chronological order.
func (s *SQLite) RecentMessages(ctx context.Context, address string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 15
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, address, role, content, created_at FROM messages
		 WHERE address = ? ORDER BY id DESC LIMIT ?`,
		address, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.Address, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = parseTime(createdAt)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverseMessages(msgs)
	return msgs, nil
}

func (s *SQLite) CreateDrip(ctx context.Context, task DripTask) error {
	if task.Status == "" {
		task.Status = StatusPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO drip_tasks (id, address, context, due_at, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		task.ID, task.Address, task.Context,
		formatTime(task.DueAt.UTC()), task.Status, formatTime(task.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create drip: %w", err)
	}
	return nil
}

func (s *SQLite) DueDrips(ctx context.Context, now time.Time, batch int) ([]DripTask, error) {
	if batch <= 0 {
		batch = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, address, context, due_at, status, created_at FROM drip_tasks
		 WHERE status = ? AND due_at <= ? ORDER BY due_at ASC LIMIT ?`,
		StatusPending, formatTime(now.UTC()), batch,
	)
	if err != nil {
		return nil, fmt.Errorf("due drips: %w", err)
	}
	defer rows.Close()

	var tasks []DripTask
	for rows.Next() {
		var t DripTask
		var dueAt, createdAt string
		if err := rows.Scan(&t.ID, &t.Address, &t.Context, &dueAt, &t.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan drip: %w", err)
		}
		t.DueAt = parseTime(dueAt)
		t.CreatedAt = parseTime(createdAt)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// TransitionDrip is the conditional update both the sweep and
// cancel-on-reply rely on: the WHERE status clause makes losing a race
// visible as zero affected rows instead of a double send.
func (s *SQLite) TransitionDrip(ctx context.Context, id, from, to string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE drip_tasks SET status = ? WHERE id = ? AND status = ?`,
		to, id, from,
	)
	if err != nil {
		return false, fmt.Errorf("transition drip: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLite) CancelPendingDrips(ctx context.Context, address string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE drip_tasks SET status = ? WHERE address = ? AND status = ?`,
		StatusCancelled, address, StatusPending,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel drips: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func reverseMessages(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	// Legacy rows without a zone marker.
	t, _ := time.Parse("2006-01-02 15:04:05", s)
	return t
}
