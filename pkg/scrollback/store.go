// Package scrollback keeps a SQL history of chat messages for channels that
// track messages.
package scrollback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// ErrNotConfigured is returned when the store has been closed or was never
// opened.
var ErrNotConfigured = errors.New("scrollback: not configured")

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Entry is one stored chat message.
type Entry struct {
	ID         int64
	ChannelID  int
	MessageID  int64
	SenderID   int
	SenderName string
	Message    string
	Created    time.Time
}

// Store wraps the scrollback database.
type Store struct {
	db     *sql.DB
	driver string
	mu     sync.RWMutex
}

// Open connects to the database and creates the scrollback table. For
// sqlite, dsn is a file path; for postgres, a connection string.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case "", DriverSQLite:
		driver = DriverSQLite
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("scrollback: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("scrollback: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// A single connection keeps :memory: databases coherent and
		// avoids SQLITE_BUSY between writers.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("scrollback: setting WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("scrollback: setting busy timeout: %w", err)
		}
	}

	s := &Store{db: db, driver: driver}
	if err := s.initTables(); err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Str("module", "scrollback").Str("driver", driver).Msg("scrollback store opened")
	return s, nil
}

func (s *Store) initTables() error {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverPostgres {
		id = "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS scrollback (
			id ` + id + `,
			channel_id INTEGER NOT NULL,
			message_id BIGINT NOT NULL,
			sender_id INTEGER NOT NULL,
			sender_name TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scrollback_channel ON scrollback(channel_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_scrollback_created ON scrollback(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("scrollback: init tables: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Driver returns the database driver name.
func (s *Store) Driver() string {
	return s.driver
}

// Checkpoint flushes the sqlite WAL into the main database file so the file
// can be copied on its own. It is a no-op for postgres.
func (s *Store) Checkpoint() error {
	if s.driver != DriverSQLite {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrNotConfigured
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("scrollback: checkpoint: %w", err)
	}
	return nil
}

// Insert stores one message.
func (s *Store) Insert(ctx context.Context, e Entry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrNotConfigured
	}
	if e.Created.IsZero() {
		e.Created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO scrollback (channel_id, message_id, sender_id, sender_name, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		e.ChannelID, e.MessageID, e.SenderID, e.SenderName, e.Message, e.Created.UnixMilli())
	if err != nil {
		return fmt.Errorf("scrollback: insert: %w", err)
	}
	return nil
}

// History returns the most recent limit messages of a channel, oldest first.
func (s *Store) History(ctx context.Context, channelID, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrNotConfigured
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, channel_id, message_id, sender_id, sender_name, message, created_at
		 FROM scrollback WHERE channel_id = ? ORDER BY id DESC LIMIT ?`),
		channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("scrollback: history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var created int64
		if err := rows.Scan(&e.ID, &e.ChannelID, &e.MessageID, &e.SenderID, &e.SenderName, &e.Message, &created); err != nil {
			return nil, fmt.Errorf("scrollback: scan: %w", err)
		}
		e.Created = time.UnixMilli(created)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scrollback: history: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Purge deletes messages created before cutoff and returns how many went.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, ErrNotConfigured
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM scrollback WHERE created_at < ?`), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("scrollback: purge: %w", err)
	}
	return res.RowsAffected()
}

// StartRetentionCleanup purges messages older than retention every interval
// until ctx is cancelled.
func StartRetentionCleanup(ctx context.Context, s *Store, retention, interval time.Duration) {
	if s == nil || retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				purged, err := s.Purge(ctx, now.Add(-retention))
				if err != nil {
					log.Error().Err(err).Str("module", "scrollback").Msg("retention cleanup failed")
					continue
				}
				if purged > 0 {
					log.Info().Str("module", "scrollback").Int64("purged", purged).Msg("purged old entries")
				}
			}
		}
	}()
}
