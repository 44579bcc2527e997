package notifystore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fintalk-labs/fintalk-client/internal/config"
	"github.com/fintalk-labs/fintalk-client/internal/protocol"
	_ "modernc.org/sqlite"
)

// Store keeps the notification timeline in SQLite so the panel survives
// restarts and the poller can deduplicate what it already surfaced.
type Store struct {
	db    *sql.DB
	cfg   config.NotificationsConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the notification store according to config.
func Open(ctx context.Context, cfg config.NotificationsConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.StorePath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", cfg.StorePath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("notification store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("notification store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS notifications (
    key TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    title TEXT NOT NULL,
    body TEXT,
    amount TEXT,
    currency TEXT,
    pay_url TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_created ON notifications(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record inserts a notification and reports whether it was new. A key seen
// before is ignored, which is how the poller avoids resurfacing items.
func (s *Store) Record(ctx context.Context, n protocol.Notification) (bool, error) {
	if n.Timestamp.IsZero() {
		n.Timestamp = s.clock().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(key, kind, title, body, amount, currency, pay_url, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO NOTHING`,
		n.Key, n.Kind, n.Title, n.Body, n.Amount, n.Currency, n.PayURL, n.Timestamp)
	if err != nil {
		return false, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return inserted > 0, nil
}

// ListRecent returns up to limit notifications, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]protocol.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, kind, title, body, amount, currency, pay_url, created_at
		 FROM notifications ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []protocol.Notification
	for rows.Next() {
		var n protocol.Notification
		var body, amount, currency, payURL sql.NullString
		var created string
		if err := rows.Scan(&n.Key, &n.Kind, &n.Title, &body, &amount, &currency, &payURL, &created); err != nil {
			return nil, err
		}
		n.Body = body.String
		n.Amount = amount.String
		n.Currency = currency.String
		n.PayURL = payURL.String
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			n.Timestamp = ts
		}
		items = append(items, n)
	}
	return items, rows.Err()
}

// Prune applies the configured retention.
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxEntries > 0 {
		_, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE key IN (
			SELECT key FROM notifications ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxEntries)
		if err != nil {
			return err
		}
	}
	return nil
}
