package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Store on a Postgres database via pgx. Used for hosted
// deployments where the profile/message tables live alongside other services
// (the original store this replaces is a Supabase Postgres instance).
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects and ensures the schema exists.
func OpenPostgres(ctx context.Context, pgURL string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	p := &Postgres{pool: pool}
	if err := p.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	slog.Info("store opened", "driver", "postgres")
	return p, nil
}

func (p *Postgres) init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
			address   TEXT PRIMARY KEY,
			name      TEXT NOT NULL DEFAULT '',
			summary   TEXT NOT NULL DEFAULT '',
			last_seen TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id         BIGSERIAL PRIMARY KEY,
			address    TEXT NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_address ON messages(address, id)`,
		`CREATE TABLE IF NOT EXISTS drip_tasks (
			id         TEXT PRIMARY KEY,
			address    TEXT NOT NULL,
			context    TEXT NOT NULL DEFAULT '',
			due_at     TIMESTAMPTZ NOT NULL,
			status     TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_drips_due ON drip_tasks(status, due_at)`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init postgres schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) GetProfile(ctx context.Context, address string) (*Profile, error) {
	var prof Profile
	err := p.pool.QueryRow(ctx,
		`SELECT address, name, summary, last_seen FROM profiles WHERE address = $1`,
		address,
	).Scan(&prof.Address, &prof.Name, &prof.Summary, &prof.LastSeen)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &prof, nil
}

func (p *Postgres) CreateProfile(ctx context.Context, prof Profile) error {
	if prof.LastSeen.IsZero() {
		prof.LastSeen = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO profiles (address, name, summary, last_seen) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (address) DO NOTHING`,
		prof.Address, prof.Name, prof.Summary, prof.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("create profile: %w", err)
	}
	return nil
}

func (p *Postgres) TouchProfile(ctx context.Context, address string, t time.Time) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE profiles SET last_seen = $1 WHERE address = $2`, t.UTC(), address)
	if err != nil {
		return fmt.Errorf("touch profile: %w", err)
	}
	return nil
}

// AppendSummary compacts server-side: the concatenation and tail-truncation
// happen in one UPDATE so concurrent appends cannot read a stale row.
func (p *Postgres) AppendSummary(ctx context.Context, address, fact string, cap int) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE profiles
		 SET summary = right(
			CASE WHEN summary = '' THEN '- ' || $1
			     ELSE summary || E'\n- ' || $1 END, $2)
		 WHERE address = $3`,
		fact, cap, address,
	)
	if err != nil {
		return fmt.Errorf("append summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) AppendMessage(ctx context.Context, address, role, content string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO messages (address, role, content) VALUES ($1, $2, $3)`,
		address, role, content,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (p *Postgres) RecentMessages(ctx context.Context, address string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 15
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, address, role, content, created_at FROM messages
		 WHERE address = $1 ORDER BY id DESC LIMIT $2`,
		address, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Address, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverseMessages(msgs)
	return msgs, nil
}

func (p *Postgres) CreateDrip(ctx context.Context, task DripTask) error {
	if task.Status == "" {
		task.Status = StatusPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO drip_tasks (id, address, context, due_at, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		task.ID, task.Address, task.Context, task.DueAt.UTC(), task.Status, task.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create drip: %w", err)
	}
	return nil
}

func (p *Postgres) DueDrips(ctx context.Context, now time.Time, batch int) ([]DripTask, error) {
	if batch <= 0 {
		batch = 10
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, address, context, due_at, status, created_at FROM drip_tasks
		 WHERE status = $1 AND due_at <= $2 ORDER BY due_at ASC LIMIT $3`,
		StatusPending, now.UTC(), batch,
	)
	if err != nil {
		return nil, fmt.Errorf("due drips: %w", err)
	}
	defer rows.Close()

	var tasks []DripTask
	for rows.Next() {
		var t DripTask
		if err := rows.Scan(&t.ID, &t.Address, &t.Context, &t.DueAt, &t.Status, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan drip: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (p *Postgres) TransitionDrip(ctx context.Context, id, from, to string) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE drip_tasks SET status = $1 WHERE id = $2 AND status = $3`,
		to, id, from,
	)
	if err != nil {
		return false, fmt.Errorf("transition drip: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) CancelPendingDrips(ctx context.Context, address string) (int, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE drip_tasks SET status = $1 WHERE address = $2 AND status = $3`,
		StatusCancelled, address, StatusPending,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel drips: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
