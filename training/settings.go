package training

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Yuz-tech/gamified-ims/storage"
)

const (
	settingsNamespace  = "settings"
	settingsRecordType = "TRAINING"
	currentYearID      = "current-year"
)

type yearSetting struct {
	Year      int       `json:"year"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Settings persists the active training year.
type Settings struct {
	repo storage.Repository
	now  func() time.Time
}

// NewSettings returns Settings backed by repo.
func NewSettings(repo storage.Repository, now func() time.Time) *Settings {
	if now == nil {
		now = time.Now
	}
	return &Settings{repo: repo, now: now}
}

// CurrentYear returns the active training year, initialising it to the
// clock's calendar year on first use.
func (s *Settings) CurrentYear(ctx context.Context) (int, error) {
	for {
		env, err := s.repo.Get(ctx, settingsNamespace, settingsRecordType, currentYearID)
		if err == nil {
			var y yearSetting
			if err := storage.Decode(env, &y); err != nil {
				return 0, err
			}
			return y.Year, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return 0, fmt.Errorf("loading training year: %w", err)
		}
		now := s.now().UTC()
		env, err = storage.Encode(yearSetting{Year: now.Year(), UpdatedAt: now}, 1)
		if err != nil {
			return 0, err
		}
		err = s.repo.PutCAS(ctx, settingsNamespace, settingsRecordType, currentYearID, 0, env)
		if err == nil {
			return now.Year(), nil
		}
		if !errors.Is(err, storage.ErrCASFailed) {
			return 0, fmt.Errorf("initialising training year: %w", err)
		}
		// Another writer initialised it first; read theirs.
	}
}

// AdvanceYear moves the training year from one value to the next. It fails
// with ErrConflict when the stored year is no longer from.
func (s *Settings) AdvanceYear(ctx context.Context, from, to int) error {
	if to <= from {
		return ErrInvalidYearTransition
	}
	return s.repo.Batch(ctx, settingsNamespace, func(tx storage.BatchTx) error {
		var expected uint64
		env, err := tx.Get(settingsRecordType, currentYearID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			if s.now().UTC().Year() != from {
				return ErrConflict
			}
		case err != nil:
			return err
		default:
			var y yearSetting
			if err := storage.Decode(env, &y); err != nil {
				return err
			}
			if y.Year != from {
				return ErrConflict
			}
			expected = env.Version
		}
		next, err := storage.Encode(yearSetting{Year: to, UpdatedAt: s.now().UTC()}, expected+1)
		if err != nil {
			return err
		}
		return tx.PutCAS(settingsRecordType, currentYearID, expected, next)
	})
}
