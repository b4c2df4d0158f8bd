// Package store is the per-installation offline cache: a stable actor identity
// created once, and document snapshots keyed by logical reference and name.
// Absence of data is a normal result, not an error.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const actorKey = "actor-id"

type Store struct {
	db *sql.DB
}

// Open opens or creates the cache database at the given path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if _, err := s.db.Exec(
		`CREATE TABLE IF NOT EXISTS settings (
    	key text not null primary key,
    	value text not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create settings table: %w", err)
	}
	if _, err := s.db.Exec(
		`CREATE TABLE IF NOT EXISTS docs (
    	reference text not null,
    	name text not null,
    	content text not null,
    	PRIMARY KEY (reference, name)
		)`,
	); err != nil {
		return fmt.Errorf("failed to create docs table: %w", err)
	}
	return nil
}

// GetOrCreateActor returns the stable actor id for this installation, minting
// one on first use. Actor ids are hex strings because that is what the
// document layer requires.
func (s *Store) GetOrCreateActor(ctx context.Context) (string, error) {
	var actor string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, actorKey).Scan(&actor)
	if err == nil {
		return actor, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to query actor id: %w", err)
	}

	buff := make([]byte, 16)
	if _, err := rand.Read(buff); err != nil {
		return "", fmt.Errorf("failed to generate actor id: %w", err)
	}
	if _, err := s.db.ExecContext(
		ctx, `INSERT OR IGNORE INTO settings (key, value) VALUES (?, ?)`,
		actorKey, hex.EncodeToString(buff),
	); err != nil {
		return "", fmt.Errorf("failed to persist actor id: %w", err)
	}

	// re-read in case a concurrent writer won the insert
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, actorKey).Scan(&actor); err != nil {
		return "", fmt.Errorf("failed to re-read actor id: %w", err)
	}
	return actor, nil
}

// GetDoc returns the cached snapshot for the reference and name, or (nil, nil)
// when none exists.
func (s *Store) GetDoc(ctx context.Context, reference, name string) ([]byte, error) {
	var rawContent string
	if err := s.db.QueryRowContext(
		ctx, `SELECT content FROM docs WHERE reference = ? AND name = ?`,
		reference, name,
	).Scan(&rawContent); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query doc: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(rawContent)
	if err != nil {
		return nil, fmt.Errorf("failed to decode doc content: %w", err)
	}
	return raw, nil
}

// SetDoc stores or replaces the snapshot for the reference and name.
func (s *Store) SetDoc(ctx context.Context, reference, name string, raw []byte) error {
	if _, err := s.db.ExecContext(
		ctx, `INSERT OR REPLACE INTO docs (reference, name, content) VALUES (?, ?, ?)`,
		reference, name, base64.StdEncoding.EncodeToString(raw),
	); err != nil {
		return fmt.Errorf("failed to persist doc: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
