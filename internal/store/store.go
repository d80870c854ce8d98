// Package store persists connections, message logs and campaigns in SQL
// (sqlite3 or postgres). It implements outcome.Sink so the core writes to it
// directly, and offers the reads needed to restore sessions at startup.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/whatsapp-automation/worker/internal/model"
)

//go:embed migrations.sql
var migrations string

var ErrNotFound = errors.New("not found")

// MessageLog is one row of message_logs.
type MessageLog struct {
	ID           string     `json:"id"`
	ConnectionID string     `json:"connection_id"`
	CampaignID   string     `json:"campaign_id,omitempty"`
	Target       string     `json:"target"`
	Body         string     `json:"body,omitempty"`
	Status       string     `json:"status"`
	DeliveryID   string     `json:"delivery_id,omitempty"`
	Error        string     `json:"error,omitempty"`
	Attempts     int        `json:"attempts"`
	QueuedAt     time.Time  `json:"queued_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
}

// Message log statuses beyond the terminal outcome statuses.
const (
	LogQueued   = "queued"
	LogRetrying = "retrying"
)

// CampaignRecord is one row of campaigns.
type CampaignRecord struct {
	ID                string               `json:"id"`
	OwnerID           string               `json:"owner_id"`
	ConnectionID      string               `json:"connection_id"`
	TargetsCount      int                  `json:"targets_count"`
	BatchSize         int                  `json:"batch_size"`
	InterMessageDelay time.Duration        `json:"inter_message_delay"`
	InterBatchDelay   time.Duration        `json:"inter_batch_delay"`
	Status            model.CampaignStatus `json:"status"`
	CurrentBatch      int                  `json:"current_batch"`
	SentCount         int                  `json:"sent_count"`
	FailedCount       int                  `json:"failed_count"`
	UnavailableCount  int                  `json:"unavailable_count"`
	TimedOut          bool                 `json:"timed_out"`
	StartedAt         time.Time            `json:"started_at"`
	CompletedAt       *time.Time           `json:"completed_at,omitempty"`
	Duration          time.Duration        `json:"duration"`
}

type Store struct {
	db     *sql.DB
	driver string
	clock  clockwork.Clock
	log    zerolog.Logger
}

// Open connects and applies migrations. driver is "sqlite3" or "postgres".
func Open(ctx context.Context, driver, dsn string, clock clockwork.Clock, log zerolog.Logger) (*Store, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "sqlite3", "sqlite":
		driver = "sqlite3"
		if err := ensureDir(dsn); err != nil {
			return nil, err
		}
	case "postgres", "postgresql":
		driver = "postgres"
	default:
		return nil, errors.Errorf("unknown database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
		_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Store{db: db, driver: driver, clock: clock, log: log.With().Str("component", "store").Logger()}
	if _, err := db.ExecContext(ctx, migrations); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	s.log.Info().Str("driver", driver).Msg("database ready")
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ensureDir creates the parent directory of a file-backed sqlite DSN.
func ensureDir(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || strings.Contains(path, ":memory:") {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create database directory")
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
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

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	return err
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid || ms.Int64 == 0 {
		return nil
	}
	t := fromMillis(ms.Int64)
	return &t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
