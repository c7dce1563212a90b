// Package store persists which (chat, message) pairs have already been
// handled, so restarts and overlapping delivery paths never notify twice.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "findbrilliant/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// Stats is a point-in-time view of the suppression table.
type Stats struct {
	Total  int64
	Last24 int64
}

type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("processed store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// IsProcessed reports whether the pair has been marked before.
func (s *Store) IsProcessed(ctx context.Context, chatID int64, messageID int) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_messages WHERE chat_id = ? AND message_id = ?`,
		chatID, messageID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("processed lookup: %w", err)
	}
	return true, nil
}

// MarkProcessed records the pair. Marking an already-marked pair is a no-op.
func (s *Store) MarkProcessed(ctx context.Context, chatID int64, messageID int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_messages(chat_id, message_id, processed_at) VALUES(?,?,?)
		 ON CONFLICT(chat_id, message_id) DO NOTHING`,
		chatID, messageID, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// Prune deletes entries older than the cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_messages WHERE processed_at < ?`,
		olderThan.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Info("pruned processed messages", logx.Int64("removed", n))
	}
	return n, nil
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_messages`,
	).Scan(&st.Total); err != nil {
		return Stats{}, err
	}
	cutoff := time.Now().Add(-24 * time.Hour).UnixMilli()
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_messages WHERE processed_at >= ?`,
		cutoff,
	).Scan(&st.Last24); err != nil {
		return Stats{}, err
	}
	return st, nil
}
