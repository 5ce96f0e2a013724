package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Yuz-tech/gamified-ims/storage"
)

const (
	leaseNamespace  = "locks"
	leaseRecordType = "LEASE"
)

type leaseRecord struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RepositoryLocker stores leases in the shared document repository, so it
// coordinates every instance that uses the same backend.
type RepositoryLocker struct {
	repo storage.Repository
	now  func() time.Time
}

var _ Locker = (*RepositoryLocker)(nil)

// NewRepositoryLocker returns a Locker backed by repo. A nil clock means time.Now.
func NewRepositoryLocker(repo storage.Repository, now func() time.Time) *RepositoryLocker {
	if now == nil {
		now = time.Now
	}
	return &RepositoryLocker{repo: repo, now: now}
}

func (l *RepositoryLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, error) {
	owner := uuid.NewString()
	now := l.now()
	err := l.repo.Batch(ctx, leaseNamespace, func(tx storage.BatchTx) error {
		var expected uint64
		env, err := tx.Get(leaseRecordType, name)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return err
		default:
			var cur leaseRecord
			if err := storage.Decode(env, &cur); err != nil {
				return err
			}
			if now.Before(cur.ExpiresAt) {
				return ErrHeld
			}
			expected = env.Version
		}
		next, err := storage.Encode(leaseRecord{Owner: owner, ExpiresAt: now.Add(ttl)}, expected+1)
		if err != nil {
			return err
		}
		return tx.PutCAS(leaseRecordType, name, expected, next)
	})
	if errors.Is(err, storage.ErrCASFailed) {
		return nil, ErrHeld
	}
	if err != nil {
		return nil, fmt.Errorf("acquiring lease %s: %w", name, err)
	}
	return &repositoryLease{locker: l, name: name, owner: owner}, nil
}

func (l *RepositoryLocker) Held(ctx context.Context, name string) (bool, error) {
	env, err := l.repo.Get(ctx, leaseNamespace, leaseRecordType, name)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var cur leaseRecord
	if err := storage.Decode(env, &cur); err != nil {
		return false, err
	}
	return l.now().Before(cur.ExpiresAt), nil
}

type repositoryLease struct {
	locker *RepositoryLocker
	name   string
	owner  string
	once   sync.Once
}

func (lease *repositoryLease) Extend(ctx context.Context, ttl time.Duration) error {
	now := lease.locker.now()
	err := lease.locker.repo.Batch(ctx, leaseNamespace, func(tx storage.BatchTx) error {
		env, err := tx.Get(leaseRecordType, lease.name)
		if errors.Is(err, storage.ErrNotFound) {
			return ErrLost
		}
		if err != nil {
			return err
		}
		var cur leaseRecord
		if err := storage.Decode(env, &cur); err != nil {
			return err
		}
		if cur.Owner != lease.owner || !now.Before(cur.ExpiresAt) {
			return ErrLost
		}
		next, err := storage.Encode(leaseRecord{Owner: lease.owner, ExpiresAt: now.Add(ttl)}, env.Version+1)
		if err != nil {
			return err
		}
		return tx.PutCAS(leaseRecordType, lease.name, env.Version, next)
	})
	if errors.Is(err, storage.ErrCASFailed) {
		return ErrLost
	}
	if err != nil && !errors.Is(err, ErrLost) {
		return fmt.Errorf("extending lease %s: %w", lease.name, err)
	}
	return err
}

func (lease *repositoryLease) Release(ctx context.Context) error {
	var err error
	lease.once.Do(func() {
		err = lease.locker.repo.Batch(ctx, leaseNamespace, func(tx storage.BatchTx) error {
			env, err := tx.Get(leaseRecordType, lease.name)
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			var cur leaseRecord
			if err := storage.Decode(env, &cur); err != nil {
				return err
			}
			if cur.Owner != lease.owner {
				// Expired and taken over by someone else.
				return nil
			}
			return tx.Delete(leaseRecordType, lease.name)
		})
	})
	return err
}
