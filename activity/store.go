package activity

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/Yuz-tech/gamified-ims/storage"
)

const (
	namespace       = "activity"
	entryRecordType = "ENTRY"

	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// Sink receives activity entries.
type Sink interface {
	Append(ctx context.Context, e Entry) error
}

// Store keeps entries in the repository. Entry ids are UUIDv7, so the
// repository's id order is creation order.
type Store struct {
	repo storage.Repository
}

var _ Sink = (*Store)(nil)

// NewStore returns a Store backed by repo.
func NewStore(repo storage.Repository) *Store {
	return &Store{repo: repo}
}

// Append persists e. Entries are create-only.
func (s *Store) Append(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return errors.New("activity: entry without id")
	}
	env, err := storage.Encode(e, 1)
	if err != nil {
		return err
	}
	if err := s.repo.PutCAS(ctx, namespace, entryRecordType, e.ID, 0, env); err != nil {
		return fmt.Errorf("appending activity entry: %w", err)
	}
	return nil
}

// Filter narrows a query. Zero fields match everything.
type Filter struct {
	UserID string
	Action Action
	Since  time.Time
	Limit  int
}

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultQueryLimit
	case f.Limit > MaxQueryLimit:
		return MaxQueryLimit
	}
	return f.Limit
}

func (f Filter) match(e *Entry) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// Query returns matching entries, newest first.
func (s *Store) Query(ctx context.Context, f Filter) ([]Entry, error) {
	ids, err := s.repo.List(ctx, namespace, entryRecordType)
	if err != nil {
		return nil, fmt.Errorf("listing activity: %w", err)
	}
	limit := f.limit()
	out := make([]Entry, 0, min(limit, len(ids)))
	for _, id := range slices.Backward(ids) {
		if len(out) >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		env, err := s.repo.Get(ctx, namespace, entryRecordType, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var e Entry
		if err := storage.Decode(env, &e); err != nil {
			return nil, err
		}
		if f.match(&e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// NewEntry builds an entry with a fresh time-ordered id.
func NewEntry(userID string, d Details, origin Origin, at time.Time) (Entry, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		ID:        id.String(),
		UserID:    userID,
		Action:    d.Action(),
		Details:   d,
		IPAddress: origin.IPAddress,
		UserAgent: origin.UserAgent,
		CreatedAt: at.UTC(),
	}, nil
}
