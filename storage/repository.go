// Package storage provides the document repository shared by every component.
//
// Records are addressed by (namespace, recordType, recordID) and stored as
// versioned JSON envelopes. The version counter backs optimistic concurrency:
// writers that must not lose a concurrent update use PutCAS.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// BatchTx provides record operations within an atomic transaction.
// The namespace is scoped to the batch, so methods don't require it.
type BatchTx interface {
	Get(recordType string, recordID string) (*Envelope, error)
	Put(recordType string, recordID string, envelope *Envelope) error
	PutCAS(recordType string, recordID string, expectedVersion uint64, envelope *Envelope) error
	Delete(recordType string, recordID string) error
}

// Repository defines the interface for document storage.
//
// PutCAS with expectedVersion 0 is create-only. Otherwise the stored
// envelope's Version must equal expectedVersion.
type Repository interface {
	Put(ctx context.Context, namespace, recordType, recordID string, envelope *Envelope) error
	Get(ctx context.Context, namespace, recordType, recordID string) (*Envelope, error)
	Delete(ctx context.Context, namespace, recordType, recordID string) error
	List(ctx context.Context, namespace, recordType string) ([]string, error)
	PutCAS(ctx context.Context, namespace, recordType, recordID string, expectedVersion uint64, envelope *Envelope) error
	Batch(ctx context.Context, namespace string, fn func(tx BatchTx) error) error
}

// Scan decodes every record of recordType in namespace and passes it to fn.
// Records deleted between listing and reading are skipped.
func Scan[T any](ctx context.Context, repo Repository, namespace, recordType string, fn func(id string, v *T, version uint64) error) error {
	ids, err := repo.List(ctx, namespace, recordType)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		env, err := repo.Get(ctx, namespace, recordType, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		var v T
		if err := Decode(env, &v); err != nil {
			return err
		}
		if err := fn(id, &v, env.Version); err != nil {
			return err
		}
	}
	return nil
}
