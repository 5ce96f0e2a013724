// Package lock provides named, expiring leases shared between server
// instances. Leases guard the training-year reset (and act as the
// maintenance flag quiz submissions check) and elect one session sweeper
// per interval.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrHeld is returned by Acquire when another owner holds an unexpired lease.
var ErrHeld = errors.New("lease held by another owner")

// ErrLost is returned by Extend when the lease expired or changed owner.
var ErrLost = errors.New("lease lost")

// Lease is an acquired lock. Release is safe to call more than once.
type Lease interface {
	// Extend pushes the expiry to ttl from now. It fails with ErrLost once
	// the lease has expired, even if nobody took it over since.
	Extend(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Locker hands out leases by name.
type Locker interface {
	// Acquire takes the named lease for ttl or fails with ErrHeld.
	Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, error)
	// Held reports whether an unexpired lease exists for name.
	Held(ctx context.Context, name string) (bool, error)
}
