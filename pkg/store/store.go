// Package store persists conversation transcripts to Postgres. The archive
// is optional; the gateway runs fully in-memory when no database is
// configured.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

type Turn struct {
	ID        int64
	SessionID string
	Role      string
	Content   string
	CreatedAt string
}

// Open connects, runs pending migrations, and returns a ready store.
// Migrations run over database/sql because goose requires it; queries use
// the pgx pool directly.
func Open(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("database url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := migrate(ctx, databaseURL); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

func migrate(ctx context.Context, databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

func (s *Store) SaveTurn(ctx context.Context, sessionID, role, text string) error {
	sessionID = strings.TrimSpace(sessionID)
	role = strings.TrimSpace(role)
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if role != "user" && role != "assistant" {
		return fmt.Errorf("unknown turn role %q", role)
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transcript_turns (session_id, role, content) VALUES ($1, $2, $3)`,
		sessionID, role, text,
	)
	return err
}

// RecentTurns returns the latest turns for a session, newest first.
func (s *Store) RecentTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, content, created_at::text
		   FROM transcript_turns
		  WHERE session_id = $1
		  ORDER BY id DESC
		  LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
