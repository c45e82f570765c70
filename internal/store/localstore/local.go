// Package localstore persists guest carts in an embedded SQLite database.
// It is the anonymous-session cart store and the fallback target when the
// remote store denies access. One row per session holds the cart as an
// ordered JSON array.
package localstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/iotyro/cartsync/internal/domain"
	"github.com/iotyro/cartsync/pkg/pubsub"
)

//go:embed schema.sql
var schemaSQL string

// Store implements store.Local on SQLite. Change signals fan out through an
// in-process Subject so same-process readers react without polling.
type Store struct {
	db      *sql.DB
	changes *pubsub.Subject
}

// Open creates or opens the guest cart database at the given path. WAL mode
// keeps reads concurrent with the single writer; a busy timeout absorbs
// short lock contention.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open guest cart db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect guest cart db: %w", err)
	}

	// SQLite allows one writer at a time; a single pooled connection avoids
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply guest cart schema: %w", err)
	}

	return &Store{
		db:      db,
		changes: pubsub.NewSubject(),
	}, nil
}

// Close releases the database and tears down all change subscriptions.
func (s *Store) Close() error {
	s.changes.Close()
	return s.db.Close()
}

// Ping verifies the database connection, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Read returns the persisted cart for the session. A missing row or a row
// whose payload no longer parses yields an empty cart, never an error.
func (s *Store) Read(ctx context.Context, sessionID string) ([]domain.LineItem, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT items FROM guest_carts WHERE session_id = ?`, sessionID,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return []domain.LineItem{}, nil
		}
		return nil, fmt.Errorf("read guest cart: %w", err)
	}

	var items []domain.LineItem
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		// Corrupt payload degrades to an empty cart.
		return []domain.LineItem{}, nil
	}
	if items == nil {
		items = []domain.LineItem{}
	}
	return items, nil
}

// Add folds the item into the session's cart: an existing entry with the
// same ID has the quantities summed, otherwise the item is appended.
func (s *Store) Add(ctx context.Context, sessionID string, item domain.LineItem) error {
	return s.mutate(ctx, sessionID, func(items []domain.LineItem) []domain.LineItem {
		for i := range items {
			if items[i].ID == item.ID {
				qty := item.Quantity
				if qty < 1 {
					qty = 1
				}
				items[i].Quantity += qty
				return items
			}
		}
		if item.Quantity < 1 {
			item.Quantity = 1
		}
		return append(items, item)
	})
}

// Update replaces the matching entry verbatim, appending if absent.
func (s *Store) Update(ctx context.Context, sessionID string, item domain.LineItem) error {
	return s.mutate(ctx, sessionID, func(items []domain.LineItem) []domain.LineItem {
		for i := range items {
			if items[i].ID == item.ID {
				items[i] = item
				return items
			}
		}
		return append(items, item)
	})
}

// Remove deletes the entry with the given product ID, if present.
func (s *Store) Remove(ctx context.Context, sessionID string, productID string) error {
	return s.mutate(ctx, sessionID, func(items []domain.LineItem) []domain.LineItem {
		for i := range items {
			if items[i].ID == productID {
				return append(items[:i], items[i+1:]...)
			}
		}
		return items
	})
}

// Clear deletes the session's cart row entirely.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM guest_carts WHERE session_id = ?`, sessionID,
	); err != nil {
		return fmt.Errorf("clear guest cart: %w", err)
	}

	s.changes.Publish(sessionID)
	return nil
}

// Subscribe registers for change signals on the session's cart.
func (s *Store) Subscribe(sessionID string) (<-chan struct{}, func()) {
	return s.changes.Subscribe(sessionID)
}

// mutate reads the session's cart, applies fn, and writes the result back,
// then publishes a change signal. The persisted order is preserved.
func (s *Store) mutate(ctx context.Context, sessionID string, fn func([]domain.LineItem) []domain.LineItem) error {
	items, err := s.Read(ctx, sessionID)
	if err != nil {
		return err
	}

	items = fn(items)

	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshal guest cart: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO guest_carts (session_id, items, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET items = excluded.items, updated_at = excluded.updated_at`,
		sessionID, string(data), time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("write guest cart: %w", err)
	}

	s.changes.Publish(sessionID)
	return nil
}
