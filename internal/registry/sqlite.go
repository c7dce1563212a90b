package registry

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
	BusyTimeout time.Duration // 0 means driver default
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (and migrates) the SQLite-backed registry.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("registry path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if log.IsZero() {
		log = logx.Nop()
	}
	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateUser(ctx context.Context, platformID int64, username, firstName string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO users(platform_id, username, first_name, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(platform_id) DO UPDATE SET username=excluded.username, first_name=excluded.first_name
		 RETURNING id`,
		platformID, nullStr(username), nullStr(firstName), time.Now().UnixMilli(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

func (s *sqliteStore) CreateRequest(ctx context.Context, userID int64, title string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO search_requests(user_id, title, is_active, created_at) VALUES(?,?,1,?) RETURNING id`,
		userID, nullStr(title), time.Now().UnixMilli(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	return id, nil
}

func (s *sqliteStore) AddKeywords(ctx context.Context, requestID int64, keywords []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO request_keywords(request_id, keyword) VALUES(?,?)`,
			requestID, kw,
		); err != nil {
			return fmt.Errorf("add keyword %q: %w", kw, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) AddFeeds(ctx context.Context, requestID int64, feeds []FeedRef) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, f := range feeds {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO feeds(feed_id, handle, title, updated_at) VALUES(?,?,?,?)
			 ON CONFLICT(feed_id) DO UPDATE SET handle=excluded.handle, title=excluded.title, updated_at=excluded.updated_at`,
			f.ID, nullStr(f.Handle), nullStr(f.Title), now,
		); err != nil {
			return fmt.Errorf("upsert feed %d: %w", f.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO request_feeds(request_id, feed_id) VALUES(?,?)
			 ON CONFLICT(request_id, feed_id) DO NOTHING`,
			requestID, f.ID,
		); err != nil {
			return fmt.Errorf("link feed %d: %w", f.ID, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) UserRequests(ctx context.Context, platformID int64) ([]RequestSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sr.id, COALESCE(sr.title, ''), sr.is_active, sr.created_at
		 FROM search_requests sr
		 JOIN users u ON u.id = sr.user_id
		 WHERE u.platform_id = ?
		 ORDER BY sr.created_at DESC`,
		platformID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RequestSummary
	ids := make([]int64, 0, 8)
	byID := map[int64]int{}
	for rows.Next() {
		var (
			r      RequestSummary
			active int
			ms     int64
		)
		if err := rows.Scan(&r.ID, &r.Title, &active, &ms); err != nil {
			return nil, err
		}
		r.Active = active != 0
		r.CreatedAt = time.UnixMilli(ms)
		byID[r.ID] = len(out)
		ids = append(ids, r.ID)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}

	if err := s.fillKeywords(ctx, ids, func(reqID int64, kw string) {
		i := byID[reqID]
		out[i].Keywords = append(out[i].Keywords, kw)
	}); err != nil {
		return nil, err
	}
	if err := s.fillFeeds(ctx, ids, func(reqID int64, f FeedRef) {
		i := byID[reqID]
		out[i].Feeds = append(out[i].Feeds, f)
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqliteStore) SetRequestActive(ctx context.Context, requestID int64, active bool) error {
	v := 0
	if active {
		v = 1
	}
	res, err := s.db.ExecContext(ctx, `UPDATE search_requests SET is_active = ? WHERE id = ?`, v, requestID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *sqliteStore) DeleteRequest(ctx context.Context, requestID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM search_requests WHERE id = ?`, requestID)
	return err
}

// ActiveRequests gathers all active requests with their keywords and feeds.
// Internally this runs three batched queries; callers see one denormalized read.
func (s *sqliteStore) ActiveRequests(ctx context.Context) ([]ActiveRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sr.id, u.platform_id
		 FROM search_requests sr
		 JOIN users u ON u.id = sr.user_id
		 WHERE sr.is_active = 1
		 ORDER BY sr.created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("active requests: %w", err)
	}
	defer rows.Close()

	var out []ActiveRequest
	ids := make([]int64, 0, 16)
	byID := map[int64]int{}
	for rows.Next() {
		var r ActiveRequest
		if err := rows.Scan(&r.ID, &r.OwnerID); err != nil {
			return nil, err
		}
		byID[r.ID] = len(out)
		ids = append(ids, r.ID)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}

	if err := s.fillKeywords(ctx, ids, func(reqID int64, kw string) {
		i := byID[reqID]
		out[i].Keywords = append(out[i].Keywords, kw)
	}); err != nil {
		return nil, err
	}
	if err := s.fillFeeds(ctx, ids, func(reqID int64, f FeedRef) {
		i := byID[reqID]
		out[i].Feeds = append(out[i].Feeds, f)
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqliteStore) fillKeywords(ctx context.Context, ids []int64, add func(reqID int64, kw string)) error {
	query := `SELECT request_id, keyword FROM request_keywords WHERE request_id IN (` + placeholders(len(ids)) + `)`
	rows, err := s.db.QueryContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return fmt.Errorf("request keywords: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			reqID int64
			kw    string
		)
		if err := rows.Scan(&reqID, &kw); err != nil {
			return err
		}
		add(reqID, kw)
	}
	return rows.Err()
}

func (s *sqliteStore) fillFeeds(ctx context.Context, ids []int64, add func(reqID int64, f FeedRef)) error {
	query := `SELECT rf.request_id, f.feed_id, COALESCE(f.handle, ''), COALESCE(f.title, '')
	          FROM request_feeds rf
	          JOIN feeds f ON f.feed_id = rf.feed_id
	          WHERE rf.request_id IN (` + placeholders(len(ids)) + `)`
	rows, err := s.db.QueryContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return fmt.Errorf("request feeds: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			reqID int64
			f     FeedRef
		)
		if err := rows.Scan(&reqID, &f.ID, &f.Handle, &f.Title); err != nil {
			return err
		}
		add(reqID, f)
	}
	return rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
