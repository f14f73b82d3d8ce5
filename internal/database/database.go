package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bryan-buckman/readerarchive/internal/model"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
}

var _ Index = (*DB)(nil)

// New opens or creates an SQLite database at the given path.
func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite allows a single writer; serialize through one connection.
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// DatabaseType returns the database backend name.
func (db *DB) DatabaseType() string {
	return "SQLite"
}

// SupportsHighConcurrency returns false; SQLite serializes writers.
func (db *DB) SupportsHighConcurrency() bool {
	return false
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS streams (
		stream_id TEXT PRIMARY KEY,
		item_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS item_refs (
		stream_id TEXT NOT NULL REFERENCES streams(stream_id) ON DELETE CASCADE,
		item_id TEXT NOT NULL,
		timestamp_usec INTEGER NOT NULL,
		PRIMARY KEY (stream_id, item_id)
	);
	CREATE INDEX IF NOT EXISTS idx_item_refs_order ON item_refs(stream_id, timestamp_usec DESC, item_id);
	CREATE INDEX IF NOT EXISTS idx_item_refs_item_id ON item_refs(item_id);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// ReplaceStream stores a stream, replacing any previous version.
func (db *DB) ReplaceStream(ctx context.Context, stream model.Stream) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM item_refs WHERE stream_id = ?", stream.ID); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO streams (stream_id, item_count) VALUES (?, ?)
		ON CONFLICT(stream_id) DO UPDATE SET item_count = excluded.item_count`,
		stream.ID, len(stream.ItemRefs)); err != nil {
		tx.Rollback()
		return err
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT OR IGNORE INTO item_refs (stream_id, item_id, timestamp_usec) VALUES (?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, ref := range stream.ItemRefs {
		if _, err := stmt.ExecContext(ctx, stream.ID, ref.ID.Compact(), ref.TimestampUsec); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Streams lists indexed streams ordered by ID.
func (db *DB) Streams(ctx context.Context) ([]StreamInfo, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT stream_id, item_count FROM streams ORDER BY stream_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStreams(rows)
}

// ItemRefs returns a page of a stream's refs, newest first.
func (db *DB) ItemRefs(ctx context.Context, streamID string, limit int, continuation string) ([]model.ItemRef, string, error) {
	offset, err := parseContinuation(continuation)
	if err != nil {
		return nil, "", err
	}
	var exists int
	err = db.conn.QueryRowContext(ctx, "SELECT 1 FROM streams WHERE stream_id = ?", streamID).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, "", fmt.Errorf("%s: %w", streamID, ErrUnknownStream)
	}
	if err != nil {
		return nil, "", err
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT item_id, timestamp_usec FROM item_refs
		WHERE stream_id = ?
		ORDER BY timestamp_usec DESC, item_id
		LIMIT ? OFFSET ?`, streamID, limit, offset)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	refs, err := scanItemRefs(rows)
	if err != nil {
		return nil, "", err
	}
	return refs, nextContinuation(offset, limit, len(refs)), nil
}

// StreamsForItem lists the streams an item appears in.
func (db *DB) StreamsForItem(ctx context.Context, id model.ItemID) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT stream_id FROM item_refs WHERE item_id = ? ORDER BY stream_id", id.Compact())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		ids = append(ids, s)
	}
	return ids, rows.Err()
}

// --- Helper functions ---

func scanStreams(rows *sql.Rows) ([]StreamInfo, error) {
	var streams []StreamInfo
	for rows.Next() {
		var s StreamInfo
		if err := rows.Scan(&s.ID, &s.ItemCount); err != nil {
			return nil, err
		}
		streams = append(streams, s)
	}
	return streams, rows.Err()
}

func scanItemRefs(rows *sql.Rows) ([]model.ItemRef, error) {
	var refs []model.ItemRef
	for rows.Next() {
		var (
			compact string
			ref     model.ItemRef
		)
		if err := rows.Scan(&compact, &ref.TimestampUsec); err != nil {
			return nil, err
		}
		id, err := model.ItemIDFromCompactForm(compact)
		if err != nil {
			return nil, err
		}
		ref.ID = id
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}
