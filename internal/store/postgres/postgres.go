// Package postgres implements the resource-key and group-key persistence
// collaborators on top of Postgres, the durable store a multi-device
// deployment shares across sessions.
package postgres

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/tanker-go/e2ee-core/internal/corerr"
	"github.com/tanker-go/e2ee-core/internal/group"
	"github.com/tanker-go/e2ee-core/internal/primitives"
	"github.com/tanker-go/e2ee-core/internal/resource"
)

// Store is a Postgres-backed implementation of both
// internal/resourcemanager.Store and internal/group.Store: one connection
// pool serving the resource_keys and group_keys tables.
type Store struct {
	db *sql.DB
}

// Schema is the DDL this store expects; callers run it once against a
// fresh database (e.g. via a migration tool) before constructing a Store.
const Schema = `
CREATE TABLE IF NOT EXISTS resource_keys (
	resource_id  BYTEA PRIMARY KEY,
	content_key  BYTEA NOT NULL
);

CREATE TABLE IF NOT EXISTS group_keys (
	group_id     BYTEA NOT NULL,
	public_key   BYTEA NOT NULL,
	private_key  BYTEA NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (group_id, public_key)
);

CREATE INDEX IF NOT EXISTS group_keys_public_key_idx ON group_keys (public_key);
`

// New opens a connection pool to connStr and verifies it with a ping.
func New(connStr string) (*Store, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, corerr.Wrap(corerr.InternalError, err, "open postgres connection")
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, corerr.Wrap(corerr.InternalError, err, "ping postgres")
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveKey persists a resource's content key, upserting on conflict.
func (s *Store) SaveKey(ctx context.Context, resourceID resource.ResourceID, key [primitives.KeySize]byte) error {
	const query = `
		INSERT INTO resource_keys (resource_id, content_key)
		VALUES ($1, $2)
		ON CONFLICT (resource_id) DO UPDATE SET content_key = EXCLUDED.content_key`
	_, err := s.db.ExecContext(ctx, query, resourceID[:], key[:])
	if err != nil {
		return corerr.Wrap(corerr.InternalError, err, "save resource key")
	}
	return nil
}

// FindKey looks up a resource's cached content key.
func (s *Store) FindKey(ctx context.Context, resourceID resource.ResourceID) ([primitives.KeySize]byte, bool, error) {
	const query = `SELECT content_key FROM resource_keys WHERE resource_id = $1`

	var raw []byte
	err := s.db.QueryRowContext(ctx, query, resourceID[:]).Scan(&raw)
	if err == sql.ErrNoRows {
		return [primitives.KeySize]byte{}, false, nil
	}
	if err != nil {
		return [primitives.KeySize]byte{}, false, corerr.Wrap(corerr.InternalError, err, "find resource key")
	}

	var key [primitives.KeySize]byte
	if len(raw) != primitives.KeySize {
		return key, false, corerr.New(corerr.InternalError, "stored content key has unexpected length")
	}
	copy(key[:], raw)
	return key, true, nil
}

// SaveGroupEncryptionKeys records a group's encryption key pair under its
// group id and public key, so a later call can look it up either way.
func (s *Store) SaveGroupEncryptionKeys(ctx context.Context, groupID group.GroupID, keyPair primitives.EncryptionKeyPair) error {
	const query = `
		INSERT INTO group_keys (group_id, public_key, private_key)
		VALUES ($1, $2, $3)
		ON CONFLICT (group_id, public_key) DO UPDATE SET private_key = EXCLUDED.private_key`
	_, err := s.db.ExecContext(ctx, query, groupID[:], keyPair.Public[:], keyPair.Private[:])
	if err != nil {
		return corerr.Wrap(corerr.InternalError, err, "save group encryption keys")
	}
	return nil
}

// FindGroupEncryptionKeyPair looks up the full key pair for a group's
// current public encryption key.
func (s *Store) FindGroupEncryptionKeyPair(ctx context.Context, publicKey [primitives.KeySize]byte) (primitives.EncryptionKeyPair, bool, error) {
	const query = `SELECT private_key FROM group_keys WHERE public_key = $1`

	var raw []byte
	err := s.db.QueryRowContext(ctx, query, publicKey[:]).Scan(&raw)
	if err == sql.ErrNoRows {
		return primitives.EncryptionKeyPair{}, false, nil
	}
	if err != nil {
		return primitives.EncryptionKeyPair{}, false, corerr.Wrap(corerr.InternalError, err, "find group encryption key pair")
	}
	if len(raw) != primitives.KeySize {
		return primitives.EncryptionKeyPair{}, false, corerr.New(corerr.InternalError, "stored group private key has unexpected length")
	}

	pair := primitives.EncryptionKeyPair{Public: publicKey}
	copy(pair.Private[:], raw)
	return pair, true, nil
}

// FindGroupsPublicKeys returns the most recently saved public encryption
// key for each requested group id.
func (s *Store) FindGroupsPublicKeys(ctx context.Context, ids []group.GroupID) (map[group.GroupID][primitives.KeySize]byte, error) {
	out := make(map[group.GroupID][primitives.KeySize]byte, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	const query = `
		SELECT DISTINCT ON (group_id) group_id, public_key
		FROM group_keys
		WHERE group_id = $1
		ORDER BY group_id, created_at DESC`

	for _, id := range ids {
		var gid, pub []byte
		err := s.db.QueryRowContext(ctx, query, id[:]).Scan(&gid, &pub)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, corerr.Wrap(corerr.InternalError, err, "find group public key")
		}
		var pubKey [primitives.KeySize]byte
		copy(pubKey[:], pub)
		out[id] = pubKey
	}
	return out, nil
}
