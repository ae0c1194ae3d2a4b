// Package sqlite keeps diverted items in a SQLite database so they can be
// inspected and reprocessed by hand.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fxsml/relay/message"
	"github.com/fxsml/relay/sink"
	"github.com/fxsml/relay/source"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when no dead letter has the requested id.
var ErrNotFound = errors.New("sqlite: dead letter not found")

// Config configures a Store.
type Config struct {
	// Path of the database file. ":memory:" keeps it in process.
	Path string `yaml:"path"`
	// Source is recorded with every dead letter. Default: "relay".
	Source string `yaml:"source"`
	// Logger for diverted items. Default: slog.Default().
	Logger sink.Logger `yaml:"-"`
}

func (c Config) parse() Config {
	if c.Source == "" {
		c.Source = "relay"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Store is an ErrorSink backed by SQLite.
type Store struct {
	cfg Config
	db  *sql.DB
}

var _ sink.ErrorSink = (*Store)(nil)

// Open opens or creates the database and applies the schema.
func Open(cfg Config) (*Store, error) {
	cfg = cfg.parse()
	if cfg.Path == "" {
		return nil, errors.New("sqlite: no database path")
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", cfg.Path, err)
	}
	// A single connection serializes writers and keeps ":memory:" databases
	// shared.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{cfg: cfg, db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Divert stores item and reason as a new dead letter.
func (s *Store) Divert(ctx context.Context, item *source.Item, reason error) error {
	f := sink.NewFault(item, reason)
	attrs, err := json.Marshal(f.Attributes)
	if err != nil {
		return fmt.Errorf("sqlite: encode attributes: %w", err)
	}
	id := message.NewID()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, item_id, source, reason, payload, attributes, received_at, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, f.ItemID, s.cfg.Source, f.Reason, f.Payload, string(attrs), unixNano(f.ReceivedAt), unixNano(f.FailedAt))
	if err != nil {
		return fmt.Errorf("sqlite: insert dead letter: %w", err)
	}
	s.cfg.Logger.Debug("Stored dead letter", "id", id, "item", f.ItemID)
	return nil
}

// DeadLetter is one stored item.
type DeadLetter struct {
	ID     string
	Source string
	sink.Fault
}

// List returns up to limit dead letters, oldest first. A limit <= 0 returns
// all of them.
func (s *Store) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_id, source, reason, payload, attributes, received_at, failed_at
		FROM dead_letters
		ORDER BY failed_at, rowid
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		d, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list dead letters: %w", err)
	}
	return out, nil
}

// Get returns the dead letter with the given id.
func (s *Store) Get(ctx context.Context, id string) (DeadLetter, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, item_id, source, reason, payload, attributes, received_at, failed_at
		FROM dead_letters
		WHERE id = ?
	`, id)
	d, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return DeadLetter{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d, err
}

// Delete removes the dead letter with the given id.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete dead letter: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Count returns the number of stored dead letters.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count dead letters: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(r scanner) (DeadLetter, error) {
	var (
		d                    DeadLetter
		attrs                string
		receivedAt, failedAt int64
	)
	err := r.Scan(&d.ID, &d.ItemID, &d.Source, &d.Reason, &d.Payload, &attrs, &receivedAt, &failedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return d, err
		}
		return d, fmt.Errorf("sqlite: scan dead letter: %w", err)
	}
	if err := json.Unmarshal([]byte(attrs), &d.Attributes); err != nil {
		return d, fmt.Errorf("sqlite: decode attributes: %w", err)
	}
	d.ReceivedAt = fromUnixNano(receivedAt)
	d.FailedAt = fromUnixNano(failedAt)
	return d, nil
}

// Zero times are stored as 0.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
