// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/rigroute/internal/memory"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrClosed   = errors.New("store is closed")
	ErrNotFound = errors.New("memory item not found")
)

// =============================================================================
// SQLITE TIER STORE
// =============================================================================

// SQLiteStore is a persistent memory.TierStore. Safe for concurrent use;
// write notifications fan out to subscribers after the transaction
// commits.
type SQLiteStore struct {
	db *sql.DB

	mu     sync.Mutex
	closed bool

	subMu sync.Mutex
	subs  map[int]func(memory.Tier)
	nextS int
}

// Open opens (and if necessary initializes) a store at path. Use ":memory:"
// for an ephemeral database.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &SQLiteStore{
		db:   db,
		subs: make(map[int]func(memory.Tier)),
	}, nil
}

// Close closes the database. Subscriptions are dropped.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.subMu.Lock()
	s.subs = make(map[int]func(memory.Tier))
	s.subMu.Unlock()

	return s.db.Close()
}

// Put inserts or replaces an item and notifies subscribers.
func (s *SQLiteStore) Put(ctx context.Context, item memory.Item) error {
	if s.isClosed() {
		return ErrClosed
	}

	var lastAccess interface{}
	if !item.LastAccess.IsZero() {
		lastAccess = item.LastAccess.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_items
			(id, tier, content, timestamp, importance, confidence, last_accessed, access_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tier = excluded.tier,
			content = excluded.content,
			timestamp = excluded.timestamp,
			importance = excluded.importance,
			confidence = excluded.confidence`,
		item.ID, int(item.Tier), item.Content,
		item.Timestamp.UTC().Format(time.RFC3339Nano),
		item.Importance, item.Confidence, lastAccess, item.AccessCount)
	if err != nil {
		return fmt.Errorf("put item %s: %w", item.ID, err)
	}

	s.notify(item.Tier)
	return nil
}

// Delete removes an item by id and notifies subscribers of its tier.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if s.isClosed() {
		return ErrClosed
	}

	var tier int
	err := s.db.QueryRowContext(ctx, `SELECT tier FROM memory_items WHERE id = ?`, id).Scan(&tier)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete item %s: %w", id, err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM memory_items WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete item %s: %w", id, err)
	}

	s.notify(memory.Tier(tier))
	return nil
}

// Query returns matching items for a tier, ordered by rowid so snapshots
// are stable for an unchanged database.
func (s *SQLiteStore) Query(ctx context.Context, tier memory.Tier, filter memory.Filter) ([]memory.Item, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	where := []string{"tier = ?"}
	args := []interface{}{int(tier)}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Since.UTC().Format(time.RFC3339Nano))
	}
	if !filter.Until.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, filter.Until.UTC().Format(time.RFC3339Nano))
	}
	if filter.Entity != "" {
		where = append(where, "content LIKE ?")
		args = append(args, "%"+filter.Entity+"%")
	}

	q := fmt.Sprintf(`
		SELECT id, tier, content, timestamp, importance, confidence, last_accessed, access_count
		FROM memory_items WHERE %s ORDER BY rowid`, strings.Join(where, " AND "))
	if filter.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tier %s: %w", tier, err)
	}
	defer rows.Close()

	var items []memory.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Touch bumps access bookkeeping for the given ids. Not a content write:
// subscribers are not notified.
func (s *SQLiteStore) Touch(ctx context.Context, ids []string) error {
	if s.isClosed() {
		return ErrClosed
	}
	if len(ids) == 0 {
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("touch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE memory_items
		SET access_count = access_count + 1, last_accessed = ?
		WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("touch: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, now, id); err != nil {
			return fmt.Errorf("touch %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Subscribe registers a write callback. The returned cancel is idempotent.
func (s *SQLiteStore) Subscribe(fn func(memory.Tier)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextS
	s.nextS++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *SQLiteStore) notify(tier memory.Tier) {
	s.subMu.Lock()
	fns := make([]func(memory.Tier), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(tier)
	}
}

func (s *SQLiteStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// scanItem reads one row into a memory.Item.
func scanItem(rows *sql.Rows) (memory.Item, error) {
	var (
		item       memory.Item
		tier       int
		ts         string
		lastAccess sql.NullString
	)
	if err := rows.Scan(&item.ID, &tier, &item.Content, &ts,
		&item.Importance, &item.Confidence, &lastAccess, &item.AccessCount); err != nil {
		return memory.Item{}, fmt.Errorf("scan item: %w", err)
	}

	item.Tier = memory.Tier(tier)
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return memory.Item{}, fmt.Errorf("parse timestamp for %s: %w", item.ID, err)
	}
	item.Timestamp = parsed

	if lastAccess.Valid {
		if la, err := time.Parse(time.RFC3339Nano, lastAccess.String); err == nil {
			item.LastAccess = la
		}
	}
	return item, nil
}
