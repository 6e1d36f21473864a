// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides a persistence.Backend on a single SQLite file.
//
// Document and local bodies are stored as JSON. Attachment blobs live in
// their own table keyed by (doc_id, att_id). The database runs in WAL mode
// through one connection, so write transactions never contend inside the
// driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"

	"github.com/united-manufacturing-hub/qisync/pkg/persistence"
)

const schema = `
CREATE TABLE IF NOT EXISTS docs (
	id      TEXT PRIMARY KEY,
	rev     TEXT NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	body    BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS attachments (
	doc_id TEXT NOT NULL,
	att_id TEXT NOT NULL,
	data   BLOB NOT NULL,
	PRIMARY KEY (doc_id, att_id)
);
CREATE TABLE IF NOT EXISTS local_docs (
	id   TEXT PRIMARY KEY,
	body BLOB NOT NULL
);
`

// Backend stores documents in SQLite.
type Backend struct {
	db     *sql.DB
	closed atomic.Bool
}

var _ persistence.Backend = (*Backend)(nil)

// Open opens or creates the database at dbPath and applies the schema.
func Open(ctx context.Context, dbPath string) (*Backend, error) {
	db, err := sql.Open("sqlite3", buildConnectionString(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Backend{db: db}, nil
}

// NewStore opens dbPath and wraps it in a DocStore.
func NewStore(ctx context.Context, dbPath string, opts ...persistence.Option) (*persistence.DocStore, error) {
	backend, err := Open(ctx, dbPath)
	if err != nil {
		return nil, err
	}

	return persistence.New(backend, opts...), nil
}

func buildConnectionString(dbPath string) string {
	baseParams := "?cache=shared&mode=rwc&_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_cache_size=-64000"

	if runtime.GOOS == "darwin" {
		baseParams += "&_fullfsync=1"
	}

	return dbPath + baseParams
}

func (b *Backend) Begin(ctx context.Context) (persistence.Tx, error) {
	if b.closed.Load() {
		return nil, persistence.ErrClosed
	}

	sqlTx, err := b.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelDefault})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return &tx{tx: sqlTx}, nil
}

func (b *Backend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return persistence.ErrClosed
	}

	if err := b.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

type tx struct {
	tx *sql.Tx
}

func decode(data []byte) (persistence.Document, error) {
	var doc persistence.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}

	return doc, nil
}

func (t *tx) GetDoc(ctx context.Context, id string) (persistence.Document, bool, error) {
	var data []byte

	err := t.tx.QueryRowContext(ctx, `SELECT body FROM docs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("failed to get document: %w", err)
	}

	doc, err := decode(data)
	if err != nil {
		return nil, false, err
	}

	return doc, true, nil
}

func (t *tx) PutDoc(ctx context.Context, doc persistence.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	deleted := 0
	if doc.Deleted() {
		deleted = 1
	}

	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO docs (id, rev, deleted, body) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET rev = excluded.rev, deleted = excluded.deleted, body = excluded.body`,
		doc.ID(), doc.Rev(), deleted, data)
	if err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}

	return nil
}

func (t *tx) ListDocs(ctx context.Context) ([]persistence.Document, error) {
	return t.queryDocs(ctx, `SELECT body FROM docs ORDER BY id`)
}

func (t *tx) queryDocs(ctx context.Context, query string, args ...interface{}) ([]persistence.Document, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find documents: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var documents []persistence.Document

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		doc, err := decode(data)
		if err != nil {
			return nil, err
		}

		documents = append(documents, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return documents, nil
}

func (t *tx) GetBlob(ctx context.Context, id, attID string) ([]byte, bool, error) {
	var data []byte

	err := t.tx.QueryRowContext(ctx,
		`SELECT data FROM attachments WHERE doc_id = ? AND att_id = ?`, id, attID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("failed to get attachment: %w", err)
	}

	return data, true, nil
}

func (t *tx) PutBlob(ctx context.Context, id, attID string, data []byte) error {
	if data == nil {
		data = []byte{}
	}

	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO attachments (doc_id, att_id, data) VALUES (?, ?, ?)
		 ON CONFLICT(doc_id, att_id) DO UPDATE SET data = excluded.data`,
		id, attID, data)
	if err != nil {
		return fmt.Errorf("failed to store attachment: %w", err)
	}

	return nil
}

func (t *tx) DeleteBlob(ctx context.Context, id, attID string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM attachments WHERE doc_id = ? AND att_id = ?`, id, attID)
	if err != nil {
		return fmt.Errorf("failed to delete attachment: %w", err)
	}

	return nil
}

func (t *tx) DeleteBlobs(ctx context.Context, id string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM attachments WHERE doc_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete attachments: %w", err)
	}

	return nil
}

func (t *tx) GetLocal(ctx context.Context, id string) (persistence.Document, bool, error) {
	var data []byte

	err := t.tx.QueryRowContext(ctx, `SELECT body FROM local_docs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("failed to get local document: %w", err)
	}

	doc, err := decode(data)
	if err != nil {
		return nil, false, err
	}

	return doc, true, nil
}

func (t *tx) PutLocal(ctx context.Context, id string, doc persistence.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal local document: %w", err)
	}

	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO local_docs (id, body) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET body = excluded.body`, id, data)
	if err != nil {
		return fmt.Errorf("failed to store local document: %w", err)
	}

	return nil
}

func (t *tx) DeleteLocal(ctx context.Context, id string) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM local_docs WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete local document: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

func (t *tx) ListLocal(ctx context.Context, prefix string) ([]persistence.Document, error) {
	return t.queryDocs(ctx,
		`SELECT body FROM local_docs WHERE substr(id, 1, ?) = ? ORDER BY id`, len(prefix), prefix)
}

func (t *tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (t *tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}

	return nil
}
