// Package users is the credential store: identities, hashed passwords,
// approval state and per-year training progress.
package users

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/Yuz-tech/gamified-ims/storage"
)

const (
	namespace         = "users"
	userRecordType    = "USER"
	usernameIndexType = "USERNAME"
	emailIndexType    = "EMAIL"

	// DefaultBcryptCost matches the cost the accounts were historically hashed with.
	DefaultBcryptCost = 10
	// MinPasswordLen is the minimum accepted password length.
	MinPasswordLen = 8
	// MaxUsernameLen bounds usernames in runes.
	MaxUsernameLen = 64
)

// Store persists users in a storage.Repository. Username and email
// uniqueness is enforced with create-only index records.
type Store struct {
	repo       storage.Repository
	now        func() time.Time
	bcryptCost int
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithBcryptCost sets the bcrypt cost used when hashing passwords.
func WithBcryptCost(cost int) Option {
	return func(s *Store) {
		s.bcryptCost = cost
	}
}

// NewStore returns a Store backed by repo.
func NewStore(repo storage.Repository, opts ...Option) *Store {
	s := &Store{repo: repo, now: time.Now, bcryptCost: DefaultBcryptCost}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewUser holds the fields needed to create a user.
type NewUser struct {
	Username string
	Email    string
	Password string
	Role     Role
	Approved bool
}

// NormalizeUsername trims and NFC-normalises a username.
func NormalizeUsername(username string) string {
	return norm.NFC.String(strings.TrimSpace(username))
}

// NormalizeEmail trims and lowercases an email address.
func NormalizeEmail(email string) string {
	return cases.Lower(language.Und).String(strings.TrimSpace(email))
}

// usernameKey is the case-insensitive index key for a username.
func usernameKey(username string) string {
	return cases.Fold().String(NormalizeUsername(username))
}

func validateUsername(username string) error {
	if username == "" {
		return validationErrorf("username", "is required")
	}
	if utf8.RuneCountInString(username) > MaxUsernameLen {
		return validationErrorf("username", "exceeds maximum length of %d", MaxUsernameLen)
	}
	if strings.ContainsAny(username, ":/") {
		return validationErrorf("username", "contains a forbidden character")
	}
	return nil
}

func validateEmail(email string) error {
	if email == "" {
		return validationErrorf("email", "is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return validationErrorf("email", "is not a valid address")
	}
	return nil
}

// HashPassword validates and bcrypt-hashes a password.
func (s *Store) HashPassword(password string) ([]byte, error) {
	if utf8.RuneCountInString(password) < MinPasswordLen {
		return nil, fmt.Errorf("%w: must be at least %d characters", ErrWeakPassword, MinPasswordLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	return hash, nil
}

// SetPassword rehashes the user's password. The caller persists the user.
func (s *Store) SetPassword(u *User, password string) error {
	hash, err := s.HashPassword(password)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	return nil
}

// CheckPassword reports whether password matches the user's hash.
func CheckPassword(u *User, password string) bool {
	return len(u.PasswordHash) > 0 && bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)) == nil
}

// Create validates and stores a new user.
func (s *Store) Create(ctx context.Context, nu NewUser) (*User, error) {
	username := NormalizeUsername(nu.Username)
	email := NormalizeEmail(nu.Email)
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	role := nu.Role
	if role == "" {
		role = RoleEmployee
	}
	if !role.Valid() {
		return nil, validationErrorf("role", "must be %q or %q", RoleEmployee, RoleAdmin)
	}

	now := s.now().UTC()
	u := &User{
		ID:          uuid.NewString(),
		Username:    username,
		Email:       email,
		Role:        role,
		Approved:    nu.Approved,
		RequestedAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	u.SetXP(0)
	if err := s.SetPassword(u, nu.Password); err != nil {
		return nil, err
	}

	err := s.repo.Batch(ctx, namespace, func(tx storage.BatchTx) error {
		if err := putIndex(tx, usernameIndexType, usernameKey(username), u.ID); err != nil {
			return err
		}
		if err := putIndex(tx, emailIndexType, email, u.ID); err != nil {
			return err
		}
		env, err := storage.Encode(u, 1)
		if err != nil {
			return err
		}
		return tx.PutCAS(userRecordType, u.ID, 0, env)
	})
	if errors.Is(err, storage.ErrCASFailed) {
		return nil, ErrDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}
	u.Version = 1
	return u, nil
}

func putIndex(tx storage.BatchTx, indexType, key, userID string) error {
	env, err := storage.Encode(userID, 1)
	if err != nil {
		return err
	}
	return tx.PutCAS(indexType, key, 0, env)
}

// Get loads a user by id.
func (s *Store) Get(ctx context.Context, id string) (*User, error) {
	env, err := s.repo.Get(ctx, namespace, userRecordType, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading user %s: %w", id, err)
	}
	return decodeUser(env)
}

func decodeUser(env *storage.Envelope) (*User, error) {
	var u User
	if err := storage.Decode(env, &u); err != nil {
		return nil, err
	}
	u.Version = env.Version
	u.Level = LevelForXP(u.XP)
	return &u, nil
}

func (s *Store) getByIndex(ctx context.Context, indexType, key string) (*User, error) {
	env, err := s.repo.Get(ctx, namespace, indexType, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var id string
	if err := storage.Decode(env, &id); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// GetByUsername loads a user by username, case-insensitively.
func (s *Store) GetByUsername(ctx context.Context, username string) (*User, error) {
	return s.getByIndex(ctx, usernameIndexType, usernameKey(username))
}

// GetByEmail loads a user by email address.
func (s *Store) GetByEmail(ctx context.Context, email string) (*User, error) {
	return s.getByIndex(ctx, emailIndexType, NormalizeEmail(email))
}

// Filter narrows List results.
type Filter struct {
	// Approved, when set, keeps only users with the given approval state.
	Approved *bool
}

// List returns users matching f, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]*User, error) {
	var out []*User
	err := storage.Scan(ctx, s.repo, namespace, userRecordType, func(_ string, u *User, version uint64) error {
		if f.Approved != nil && u.Approved != *f.Approved {
			return nil
		}
		u.Version = version
		u.Level = LevelForXP(u.XP)
		out = append(out, u)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	slices.SortFunc(out, func(a, b *User) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

// Update persists u if it has not changed since it was read. Username and
// email changes move the index records. The level is recomputed from XP.
func (s *Store) Update(ctx context.Context, u *User) error {
	u.Username = NormalizeUsername(u.Username)
	u.Email = NormalizeEmail(u.Email)
	if err := validateUsername(u.Username); err != nil {
		return err
	}
	if err := validateEmail(u.Email); err != nil {
		return err
	}
	if !u.Role.Valid() {
		return validationErrorf("role", "must be %q or %q", RoleEmployee, RoleAdmin)
	}
	u.SetXP(u.XP)

	next := *u
	next.UpdatedAt = s.now().UTC()
	next.Version = u.Version + 1

	var duplicate bool
	err := s.repo.Batch(ctx, namespace, func(tx storage.BatchTx) error {
		env, err := tx.Get(userRecordType, u.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		prev, err := decodeUser(env)
		if err != nil {
			return err
		}
		if prev.Version != u.Version {
			return ErrConflict
		}
		if usernameKey(prev.Username) != usernameKey(next.Username) {
			if err := putIndex(tx, usernameIndexType, usernameKey(next.Username), u.ID); err != nil {
				duplicate = errors.Is(err, storage.ErrCASFailed)
				return err
			}
			if err := tx.Delete(usernameIndexType, usernameKey(prev.Username)); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
		}
		if prev.Email != next.Email {
			if err := putIndex(tx, emailIndexType, next.Email, u.ID); err != nil {
				duplicate = errors.Is(err, storage.ErrCASFailed)
				return err
			}
			if err := tx.Delete(emailIndexType, prev.Email); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
		}
		nextEnv, err := storage.Encode(&next, next.Version)
		if err != nil {
			return err
		}
		return tx.PutCAS(userRecordType, u.ID, u.Version, nextEnv)
	})
	switch {
	case duplicate:
		return ErrDuplicate
	case errors.Is(err, storage.ErrCASFailed):
		return ErrConflict
	case err != nil:
		return err
	}
	*u = next
	return nil
}

// maxMutateAttempts bounds Mutate's optimistic retries.
const maxMutateAttempts = 5

// Mutate loads the user, applies fn and saves, retrying when a concurrent
// writer got there first. fn may run more than once.
func (s *Store) Mutate(ctx context.Context, id string, fn func(u *User) error) (*User, error) {
	for attempt := 0; ; attempt++ {
		u, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(u); err != nil {
			return nil, err
		}
		err = s.Update(ctx, u)
		if errors.Is(err, ErrConflict) && attempt+1 < maxMutateAttempts {
			continue
		}
		if err != nil {
			return nil, err
		}
		return u, nil
	}
}

// Delete removes a user and its index records.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.repo.Batch(ctx, namespace, func(tx storage.BatchTx) error {
		env, err := tx.Get(userRecordType, id)
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		u, err := decodeUser(env)
		if err != nil {
			return err
		}
		for _, idx := range [][2]string{
			{usernameIndexType, usernameKey(u.Username)},
			{emailIndexType, u.Email},
		} {
			if err := tx.Delete(idx[0], idx[1]); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
		}
		return tx.Delete(userRecordType, id)
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("deleting user %s: %w", id, err)
	}
	return err
}
