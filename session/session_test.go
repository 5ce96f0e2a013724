package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yuz-tech/gamified-ims/lock"
	"github.com/Yuz-tech/gamified-ims/session"
	"github.com/Yuz-tech/gamified-ims/storage"
	"github.com/Yuz-tech/gamified-ims/storage/memory"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newRegistry(t *testing.T) (*session.Registry, *fakeClock, storage.Repository) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)}
	repo := memory.NewRepository()
	return session.NewRegistry(repo, session.WithClock(clock.Now)), clock, repo
}

var desktop = session.Device{Type: "desktop", Browser: "Firefox", OS: "Linux", IPAddress: "10.0.0.1"}

func TestCreateAndFind(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, "user-1", "token-a", desktop, time.Hour)
	require.NoError(t, err)
	assert.True(t, s.Active)
	assert.Equal(t, session.Fingerprint("token-a"), s.TokenFingerprint)
	assert.NotContains(t, s.TokenFingerprint, "token-a")

	found, err := reg.FindActiveByToken(ctx, "token-a")
	require.NoError(t, err)
	assert.Equal(t, s.ID, found.ID)
	assert.Equal(t, "Firefox", found.Device.Browser)

	_, err = reg.FindActiveByToken(ctx, "token-b")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestCreateRejectsDuplicateToken(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, "user-1", "token-a", desktop, time.Hour)
	require.NoError(t, err)
	_, err = reg.Create(ctx, "user-2", "token-a", desktop, time.Hour)
	assert.ErrorIs(t, err, session.ErrDuplicateToken)

	live, err := reg.ListActive(ctx, "user-2")
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestExpiredSessionIsRejectedWhileActive(t *testing.T) {
	reg, clock, _ := newRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, "user-1", "token-a", desktop, time.Hour)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	_, err = reg.FindActiveByToken(ctx, "token-a")
	assert.ErrorIs(t, err, session.ErrNotFound)

	stored, err := reg.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, stored.Active, "expiry is enforced without flipping the flag")
}

func TestDeactivateIsImmediateAndIdempotent(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, "user-1", "token-a", desktop, time.Hour)
	require.NoError(t, err)

	require.NoError(t, reg.Deactivate(ctx, s.ID))
	require.NoError(t, reg.Deactivate(ctx, s.ID))

	_, err = reg.FindActiveByToken(ctx, "token-a")
	assert.ErrorIs(t, err, session.ErrNotFound)

	stored, err := reg.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)
	assert.NotNil(t, stored.DeactivatedAt)

	assert.ErrorIs(t, reg.Deactivate(ctx, "missing"), session.ErrNotFound)
}

func TestListActiveOrderAndIsolation(t *testing.T) {
	reg, clock, _ := newRegistry(t)
	ctx := context.Background()

	a, err := reg.Create(ctx, "user-1", "token-a", desktop, time.Hour)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	b, err := reg.Create(ctx, "user-1", "token-b", desktop, time.Hour)
	require.NoError(t, err)
	_, err = reg.Create(ctx, "user-2", "token-c", desktop, time.Hour)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	require.NoError(t, reg.Touch(ctx, a.ID))

	live, err := reg.ListActive(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, a.ID, live[0].ID)
	assert.Equal(t, b.ID, live[1].ID)

	require.NoError(t, reg.Deactivate(ctx, a.ID))
	_, err = reg.FindActiveByToken(ctx, "token-b")
	require.NoError(t, err, "revoking one device leaves the other")

	live, err = reg.ListActive(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, b.ID, live[0].ID)
}

func TestGetForUser(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, "user-1", "token-a", desktop, time.Hour)
	require.NoError(t, err)

	got, err := reg.GetForUser(ctx, "user-1", s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	_, err = reg.GetForUser(ctx, "user-2", s.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)
	_, err = reg.GetForUser(ctx, "user-1", "missing")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestDeactivateAll(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx := context.Background()

	for _, tok := range []string{"t1", "t2", "t3"} {
		_, err := reg.Create(ctx, "user-1", tok, desktop, time.Hour)
		require.NoError(t, err)
	}
	_, err := reg.Create(ctx, "user-2", "t4", desktop, time.Hour)
	require.NoError(t, err)

	n, err := reg.DeactivateAll(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = reg.DeactivateAll(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, n)

	live, err := reg.ListActive(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, live)
	_, err = reg.FindActiveByToken(ctx, "t4")
	assert.NoError(t, err)
}

func TestSweep(t *testing.T) {
	reg, clock, repo := newRegistry(t)
	ctx := context.Background()

	expired, err := reg.Create(ctx, "user-1", "expired", desktop, time.Hour)
	require.NoError(t, err)
	revokedOld, err := reg.Create(ctx, "user-1", "revoked-old", desktop, 72*time.Hour)
	require.NoError(t, err)
	require.NoError(t, reg.Deactivate(ctx, revokedOld.ID))

	clock.Advance(25 * time.Hour)
	revokedRecent, err := reg.Create(ctx, "user-1", "revoked-recent", desktop, 72*time.Hour)
	require.NoError(t, err)
	require.NoError(t, reg.Deactivate(ctx, revokedRecent.ID))
	live, err := reg.Create(ctx, "user-1", "live", desktop, 72*time.Hour)
	require.NoError(t, err)

	deleted, err := reg.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	for _, id := range []string{expired.ID, revokedOld.ID} {
		_, err := reg.Get(ctx, id)
		assert.ErrorIs(t, err, session.ErrNotFound)
	}
	for _, id := range []string{revokedRecent.ID, live.ID} {
		_, err := reg.Get(ctx, id)
		assert.NoError(t, err)
	}
	_, err = repo.Get(ctx, "sessions", "TOKEN", session.Fingerprint("expired"))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	deleted, err = reg.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestSweeperRunOnceHonoursLease(t *testing.T) {
	reg, clock, repo := newRegistry(t)
	ctx := context.Background()
	locker := lock.NewRepositoryLocker(repo, clock.Now)

	_, err := reg.Create(ctx, "user-1", "expired", desktop, time.Minute)
	require.NoError(t, err)
	clock.Advance(time.Hour)

	var observed []int
	sw := &session.Sweeper{
		Registry: reg,
		Locker:   locker,
		Timeout:  time.Minute,
		OnSweep:  func(deleted int, _ error) { observed = append(observed, deleted) },
	}

	held, err := locker.Acquire(ctx, session.SweepLeaseName, time.Minute)
	require.NoError(t, err)
	_, err = sw.RunOnce(ctx)
	assert.ErrorIs(t, err, lock.ErrHeld)
	require.NoError(t, held.Release(ctx))

	deleted, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Equal(t, []int{1}, observed)

	stillHeld, err := locker.Held(ctx, session.SweepLeaseName)
	require.NoError(t, err)
	assert.False(t, stillHeld)
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		(&session.Sweeper{Registry: reg, Interval: time.Millisecond}).Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
