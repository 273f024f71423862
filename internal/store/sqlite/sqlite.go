// Package sqlite implements a local on-disk keystore.BlobStore for a
// single device: one sealed blob, one row, one file — the usual shape for
// client-side persistence that never needs to be shared across devices.
package sqlite

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tanker-go/e2ee-core/internal/corerr"
)

// Schema is the DDL this store expects.
const Schema = `
CREATE TABLE IF NOT EXISTS keystore_blob (
	id   INTEGER PRIMARY KEY CHECK (id = 1),
	blob BLOB NOT NULL
);
`

// BlobStore is a single-row sqlite-backed keystore.BlobStore.
type BlobStore struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at path and ensures
// its schema exists.
func Open(path string) (*BlobStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, corerr.Wrap(corerr.InternalError, err, "open sqlite database")
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, corerr.Wrap(corerr.InternalError, err, "apply sqlite schema")
	}
	return &BlobStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *BlobStore) Close() error {
	return s.db.Close()
}

// Save upserts the single keystore blob.
func (s *BlobStore) Save(ctx context.Context, blob []byte) error {
	const query = `
		INSERT INTO keystore_blob (id, blob) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET blob = excluded.blob`
	if _, err := s.db.ExecContext(ctx, query, blob); err != nil {
		return corerr.Wrap(corerr.InternalError, err, "save keystore blob")
	}
	return nil
}

// Load reads the single keystore blob. It returns ResourceNotFound if no
// blob has been saved yet.
func (s *BlobStore) Load(ctx context.Context) ([]byte, error) {
	const query = `SELECT blob FROM keystore_blob WHERE id = 1`

	var blob []byte
	err := s.db.QueryRowContext(ctx, query).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, corerr.New(corerr.ResourceNotFound, "no keystore blob saved yet")
	}
	if err != nil {
		return nil, corerr.Wrap(corerr.InternalError, err, "load keystore blob")
	}
	return blob, nil
}
