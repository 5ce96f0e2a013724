// Package sqlite implements storage.Repository on an embedded SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Yuz-tech/gamified-ims/storage"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS records (
    namespace   TEXT    NOT NULL,
    record_type TEXT    NOT NULL,
    record_id   TEXT    NOT NULL,
    ver         INTEGER NOT NULL DEFAULT 1,
    scheme      TEXT    NOT NULL,
    data        BLOB    NOT NULL,
    version     INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (namespace, record_type, record_id)
);`

const upsertSQL = `INSERT INTO records (namespace, record_type, record_id, ver, scheme, data, version)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (namespace, record_type, record_id)
	DO UPDATE SET ver = excluded.ver, scheme = excluded.scheme, data = excluded.data, version = excluded.version`

const selectSQL = `SELECT ver, scheme, data, version FROM records
	WHERE namespace = ? AND record_type = ? AND record_id = ?`

const deleteSQL = `DELETE FROM records WHERE namespace = ? AND record_type = ? AND record_id = ?`

// Store implements storage.Repository backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ storage.Repository = (*Store)(nil)

// Open opens (creating if needed) the SQLite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// One connection serialises writers, which the CAS path relies on.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type runner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) Put(ctx context.Context, namespace, recordType, recordID string, envelope *storage.Envelope) error {
	return put(ctx, s.db, namespace, recordType, recordID, envelope)
}

func (s *Store) Get(ctx context.Context, namespace, recordType, recordID string) (*storage.Envelope, error) {
	return get(ctx, s.db, namespace, recordType, recordID)
}

func (s *Store) Delete(ctx context.Context, namespace, recordType, recordID string) error {
	return del(ctx, s.db, namespace, recordType, recordID)
}

func (s *Store) List(ctx context.Context, namespace, recordType string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_id FROM records WHERE namespace = ? AND record_type = ? ORDER BY record_id`,
		namespace, recordType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) PutCAS(ctx context.Context, namespace, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	return s.Batch(ctx, namespace, func(tx storage.BatchTx) error {
		return tx.PutCAS(recordType, recordID, expectedVersion, envelope)
	})
}

func (s *Store) Batch(ctx context.Context, namespace string, fn func(tx storage.BatchTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&sqliteBatchTx{ctx: ctx, tx: tx, namespace: namespace}); err != nil {
		return err
	}
	return tx.Commit()
}

type sqliteBatchTx struct {
	ctx       context.Context
	tx        *sql.Tx
	namespace string
}

func (b *sqliteBatchTx) Get(recordType, recordID string) (*storage.Envelope, error) {
	return get(b.ctx, b.tx, b.namespace, recordType, recordID)
}

func (b *sqliteBatchTx) Put(recordType, recordID string, envelope *storage.Envelope) error {
	return put(b.ctx, b.tx, b.namespace, recordType, recordID, envelope)
}

func (b *sqliteBatchTx) Delete(recordType, recordID string) error {
	return del(b.ctx, b.tx, b.namespace, recordType, recordID)
}

func (b *sqliteBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	existing, err := get(b.ctx, b.tx, b.namespace, recordType, recordID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
	case err != nil:
		return err
	case expectedVersion == 0 || existing.Version != expectedVersion:
		return storage.ErrCASFailed
	}
	return put(b.ctx, b.tx, b.namespace, recordType, recordID, envelope)
}

func put(ctx context.Context, r runner, namespace, recordType, recordID string, envelope *storage.Envelope) error {
	_, err := r.ExecContext(ctx, upsertSQL,
		namespace, recordType, recordID,
		envelope.Ver, envelope.Scheme, envelope.Data, int64(envelope.Version))
	return err
}

func get(ctx context.Context, r runner, namespace, recordType, recordID string) (*storage.Envelope, error) {
	var (
		env     storage.Envelope
		version int64
	)
	err := r.QueryRowContext(ctx, selectSQL, namespace, recordType, recordID).Scan(
		&env.Ver, &env.Scheme, &env.Data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	env.Version = uint64(version)
	return &env, nil
}

func del(ctx context.Context, r runner, namespace, recordType, recordID string) error {
	res, err := r.ExecContext(ctx, deleteSQL, namespace, recordType, recordID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return nil
}
