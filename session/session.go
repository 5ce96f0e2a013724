// Package session is the registry of logged-in devices. A session exists
// for every issued bearer token and decides whether that token may still
// act, independently of the token's own signature and expiry.
package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/Yuz-tech/gamified-ims/storage"
)

const (
	namespace         = "sessions"
	sessionRecordType = "SESSION"
	tokenIndexType    = "TOKEN"
	userIndexPrefix   = "USER."

	// DefaultRetention is how long a deactivated session is kept before the
	// sweep deletes it.
	DefaultRetention = 24 * time.Hour
)

var (
	// ErrNotFound is returned for unknown sessions and for sessions owned
	// by another user.
	ErrNotFound = errors.New("session not found")
	// ErrDuplicateToken is returned when a token is already bound to a session.
	ErrDuplicateToken = errors.New("token already bound to a session")
)

// Session is one authenticated device binding.
type Session struct {
	ID string `json:"id"`
	// UserID is the owning user.
	UserID string `json:"userId"`
	// TokenFingerprint is the BLAKE3 hex digest of the bearer token. The
	// raw token is never stored.
	TokenFingerprint string     `json:"tokenFingerprint"`
	Device           Device     `json:"device"`
	Active           bool       `json:"active"`
	LastActivity     time.Time  `json:"lastActivity"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	ExpiresAt        time.Time  `json:"expiresAt"`
	DeactivatedAt    *time.Time `json:"deactivatedAt,omitempty"`

	Version uint64 `json:"-"`
}

// Live reports whether s may authorise requests at now.
func (s *Session) Live(now time.Time) bool {
	return s.Active && s.ExpiresAt.After(now)
}

// Fingerprint returns the lookup key stored for a bearer token.
func Fingerprint(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Registry stores sessions in a storage.Repository.
type Registry struct {
	repo      storage.Repository
	now       func() time.Time
	retention time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithRetention sets how long deactivated sessions are kept.
func WithRetention(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.retention = d
		}
	}
}

// NewRegistry returns a Registry backed by repo.
func NewRegistry(repo storage.Repository, opts ...Option) *Registry {
	r := &Registry{repo: repo, now: time.Now, retention: DefaultRetention}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Now returns the registry's current time.
func (r *Registry) Now() time.Time {
	return r.now()
}

func userIndexType(userID string) string {
	return userIndexPrefix + userID
}

// Create opens an active session for userID bound to token, expiring ttl from now.
func (r *Registry) Create(ctx context.Context, userID, token string, device Device, ttl time.Duration) (*Session, error) {
	now := r.now().UTC()
	s := &Session{
		ID:               uuid.NewString(),
		UserID:           userID,
		TokenFingerprint: Fingerprint(token),
		Device:           device,
		Active:           true,
		LastActivity:     now,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(ttl),
		Version:          1,
	}
	err := r.repo.Batch(ctx, namespace, func(tx storage.BatchTx) error {
		idx, err := storage.Encode(s.ID, 1)
		if err != nil {
			return err
		}
		if err := tx.PutCAS(tokenIndexType, s.TokenFingerprint, 0, idx); err != nil {
			if errors.Is(err, storage.ErrCASFailed) {
				return ErrDuplicateToken
			}
			return err
		}
		env, err := storage.Encode(s, s.Version)
		if err != nil {
			return err
		}
		if err := tx.PutCAS(sessionRecordType, s.ID, 0, env); err != nil {
			return err
		}
		return tx.Put(userIndexType(userID), s.ID, idx)
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateToken) {
			return nil, err
		}
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return s, nil
}

func decodeSession(env *storage.Envelope) (*Session, error) {
	var s Session
	if err := storage.Decode(env, &s); err != nil {
		return nil, err
	}
	s.Version = env.Version
	return &s, nil
}

// Get loads a session by id regardless of its state.
func (r *Registry) Get(ctx context.Context, id string) (*Session, error) {
	env, err := r.repo.Get(ctx, namespace, sessionRecordType, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	return decodeSession(env)
}

// FindActiveByToken returns the live session bound to token. Inactive and
// expired sessions yield ErrNotFound even before the sweep removes them.
func (r *Registry) FindActiveByToken(ctx context.Context, token string) (*Session, error) {
	env, err := r.repo.Get(ctx, namespace, tokenIndexType, Fingerprint(token))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading token index: %w", err)
	}
	var id string
	if err := storage.Decode(env, &id); err != nil {
		return nil, err
	}
	s, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.Live(r.now()) {
		return nil, ErrNotFound
	}
	return s, nil
}

func (r *Registry) listForUser(ctx context.Context, userID string) ([]*Session, error) {
	ids, err := r.repo.List(ctx, namespace, userIndexType(userID))
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		s, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// ListActive returns the user's live sessions, most recently active first.
func (r *Registry) ListActive(ctx context.Context, userID string) ([]*Session, error) {
	all, err := r.listForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := r.now()
	live := slices.DeleteFunc(all, func(s *Session) bool { return !s.Live(now) })
	slices.SortFunc(live, func(a, b *Session) int {
		return b.LastActivity.Compare(a.LastActivity)
	})
	return live, nil
}

// GetForUser loads sessionID if it belongs to userID.
func (r *Registry) GetForUser(ctx context.Context, userID, sessionID string) (*Session, error) {
	s, err := r.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.UserID != userID {
		return nil, ErrNotFound
	}
	return s, nil
}

// update applies fn to the stored session under CAS. fn returning false
// skips the write.
func (r *Registry) update(ctx context.Context, id string, fn func(s *Session, now time.Time) bool) (*Session, error) {
	var out *Session
	err := r.repo.Batch(ctx, namespace, func(tx storage.BatchTx) error {
		env, err := tx.Get(sessionRecordType, id)
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		s, err := decodeSession(env)
		if err != nil {
			return err
		}
		out = s
		now := r.now().UTC()
		if !fn(s, now) {
			return nil
		}
		s.UpdatedAt = now
		next, err := storage.Encode(s, s.Version+1)
		if err != nil {
			return err
		}
		if err := tx.PutCAS(sessionRecordType, id, s.Version, next); err != nil {
			return err
		}
		s.Version++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func deactivate(s *Session, now time.Time) bool {
	if !s.Active {
		return false
	}
	s.Active = false
	s.DeactivatedAt = &now
	return true
}

// Deactivate marks a session inactive. Deactivating an inactive session
// succeeds without change.
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	_, err := r.update(ctx, id, deactivate)
	return err
}

// DeactivateAll deactivates every active session of userID and returns
// how many changed.
func (r *Registry) DeactivateAll(ctx context.Context, userID string) (int, error) {
	all, err := r.listForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range all {
		if !s.Active {
			continue
		}
		err := r.Deactivate(ctx, s.ID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Touch refreshes the session's last activity.
func (r *Registry) Touch(ctx context.Context, id string) error {
	_, err := r.update(ctx, id, func(s *Session, now time.Time) bool {
		s.LastActivity = now
		return true
	})
	return err
}

// Stale reports whether the sweep deletes s at now: expired, or
// deactivated and untouched for longer than retention.
func Stale(s *Session, now time.Time, retention time.Duration) bool {
	if !s.ExpiresAt.After(now) {
		return true
	}
	return !s.Active && s.UpdatedAt.Before(now.Add(-retention))
}

// Sweep deletes stale sessions with their index records and returns the
// number removed.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	now := r.now()
	var stale []*Session
	err := storage.Scan(ctx, r.repo, namespace, sessionRecordType, func(_ string, s *Session, version uint64) error {
		if Stale(s, now, r.retention) {
			s.Version = version
			stale = append(stale, s)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scanning sessions: %w", err)
	}

	deleted := 0
	for _, s := range stale {
		err := r.repo.Batch(ctx, namespace, func(tx storage.BatchTx) error {
			for _, rec := range [][2]string{
				{tokenIndexType, s.TokenFingerprint},
				{userIndexType(s.UserID), s.ID},
				{sessionRecordType, s.ID},
			} {
				if err := tx.Delete(rec[0], rec[1]); err != nil && !errors.Is(err, storage.ErrNotFound) {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return deleted, fmt.Errorf("deleting session %s: %w", s.ID, err)
		}
		deleted++
	}
	return deleted, nil
}
