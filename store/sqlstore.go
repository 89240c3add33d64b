// Copyright (c) 2024 The wacore Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// SQLStore is a database/sql-backed Backend, the persistent-storage
// implementation spec.md §1's purpose statement calls for ("maintaining
// correctness of the ratchet state in persistent storage"). It is
// constructed only through OpenSQLite, and its schema and Apply upsert are
// written against SQLite (github.com/mattn/go-sqlite3), matching the
// teacher's own sqlite usage for its session-state stores.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) a SQLite-backed KeyStore backend
// at path, running the one-table schema migration.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS wacore_kv (
			composite_key TEXT PRIMARY KEY,
			value         BLOB NOT NULL
		)
	`)
	return err
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) GetMany(ctx context.Context, compositeKeys []string) (map[string][]byte, error) {
	if len(compositeKeys) == 0 {
		return map[string][]byte{}, nil
	}
	placeholders := make([]string, len(compositeKeys))
	args := make([]any, len(compositeKeys))
	for i, k := range compositeKeys {
		placeholders[i] = "?"
		args[i] = k
	}
	query := fmt.Sprintf("SELECT composite_key, value FROM wacore_kv WHERE composite_key IN (%s)", strings.Join(placeholders, ","))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: get many: %w", err)
	}
	defer rows.Close()
	result := make(map[string][]byte, len(compositeKeys))
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		result[key] = value
	}
	return result, rows.Err()
}

func (s *SQLStore) GetPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT composite_key, value FROM wacore_kv WHERE composite_key LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("store: get prefix: %w", err)
	}
	defer rows.Close()
	result := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		result[key] = value
	}
	return result, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (s *SQLStore) Apply(ctx context.Context, sets map[string][]byte, deletes []string) error {
	if len(sets) == 0 && len(deletes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if len(sets) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO wacore_kv (composite_key, value) VALUES (?, ?)
			ON CONFLICT (composite_key) DO UPDATE SET value = excluded.value
		`)
		if err != nil {
			return fmt.Errorf("store: prepare upsert: %w", err)
		}
		for k, v := range sets {
			if _, err := stmt.ExecContext(ctx, k, v); err != nil {
				stmt.Close()
				return fmt.Errorf("store: upsert %q: %w", k, err)
			}
		}
		stmt.Close()
	}

	if len(deletes) > 0 {
		stmt, err := tx.PrepareContext(ctx, `DELETE FROM wacore_kv WHERE composite_key = ?`)
		if err != nil {
			return fmt.Errorf("store: prepare delete: %w", err)
		}
		for _, k := range deletes {
			if _, err := stmt.ExecContext(ctx, k); err != nil {
				stmt.Close()
				return fmt.Errorf("store: delete %q: %w", k, err)
			}
		}
		stmt.Close()
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

var _ Backend = (*SQLStore)(nil)
var _ Backend = (*MemStore)(nil)
