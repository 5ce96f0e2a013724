package training

import (
	"context"
	"errors"
	"fmt"

	"github.com/Yuz-tech/gamified-ims/activity"
	"github.com/Yuz-tech/gamified-ims/lock"
	"github.com/Yuz-tech/gamified-ims/users"
)

// YearStats summarises progress in the current training year.
type YearStats struct {
	CurrentYear    int `json:"currentYear"`
	TotalUsers     int `json:"totalUsers"`
	UsersCompleted int `json:"usersCompleted"`
	CompletionRate int `json:"completionRate"`
	TotalTopics    int `json:"totalTopics"`
	TotalBadges    int `json:"totalBadges"`
}

// Stats counts approved users who completed every active topic this year.
func (s *Service) Stats(ctx context.Context) (*YearStats, error) {
	year, err := s.CurrentYear(ctx)
	if err != nil {
		return nil, err
	}
	approved := true
	list, err := s.users.List(ctx, users.Filter{Approved: &approved})
	if err != nil {
		return nil, err
	}
	topics, err := s.catalog.ListTopics(ctx, true)
	if err != nil {
		return nil, err
	}
	badges, err := s.catalog.ListBadges(ctx, BadgeFilter{Year: year})
	if err != nil {
		return nil, err
	}

	st := &YearStats{
		CurrentYear: year,
		TotalUsers:  len(list),
		TotalTopics: len(topics),
		TotalBadges: len(badges),
	}
	for _, u := range list {
		done := 0
		for _, t := range topics {
			if u.HasCompletedTopic(t.ID, year) {
				done++
			}
		}
		// With no active topics every approved user counts as complete.
		if done >= len(topics) {
			st.UsersCompleted++
		}
	}
	if st.TotalUsers > 0 {
		st.CompletionRate = (st.UsersCompleted*100 + st.TotalUsers/2) / st.TotalUsers
	}
	return st, nil
}

// ResetResult reports a completed training-year reset.
type ResetResult struct {
	ArchivedUsers int `json:"archivedUsers"`
	// AlreadyArchived counts users skipped because an earlier, interrupted
	// run had archived them.
	AlreadyArchived   int `json:"alreadyArchived"`
	BadgesDeactivated int `json:"badgesDeactivated"`
	OldYear           int `json:"oldYear"`
	NewYear           int `json:"newYear"`
}

var errSkip = errors.New("skip")

// Reset closes the current training year and opens newYear.
//
// Every approved user gets a YearlyArchive snapshot for the closing year
// and loses that year's completions, badges and watched videos; XP and
// level stay. The closing year's badges are deactivated, then the current
// year advances. The reset lease is held throughout and renewed before
// each user, so progress writes fail fast instead of interleaving. A run
// that loses the lease stops without advancing the year.
//
// Each user is archived at most once per year. If a run fails part-way the
// year is not advanced and running Reset again finishes the remaining users.
func (s *Service) Reset(ctx context.Context, newYear int, actorID string, origin activity.Origin) (*ResetResult, error) {
	oldYear, err := s.CurrentYear(ctx)
	if err != nil {
		return nil, err
	}
	if newYear <= oldYear {
		return nil, ErrInvalidYearTransition
	}

	lease, err := s.locker.Acquire(ctx, ResetLeaseName, s.leaseTTL)
	if errors.Is(err, lock.ErrHeld) {
		return nil, ErrResetInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("acquiring reset lease: %w", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("releasing reset lease", "error", err)
		}
	}()

	// Re-read under the lease: another reset may have finished in between.
	if oldYear, err = s.CurrentYear(ctx); err != nil {
		return nil, err
	}
	if newYear <= oldYear {
		return nil, ErrInvalidYearTransition
	}

	approved := true
	list, err := s.users.List(ctx, users.Filter{Approved: &approved})
	if err != nil {
		return nil, err
	}

	// renew pushes the lease expiry ahead of the next step. A lapsed lease
	// stops the run; a re-run picks up the rest.
	renew := func() error {
		if err := lease.Extend(ctx, s.leaseTTL); err != nil {
			s.logger.Error("training year reset lost its lease",
				"error", err, "old_year", oldYear, "new_year", newYear)
			return fmt.Errorf("renewing reset lease: %w", err)
		}
		return nil
	}

	res := &ResetResult{OldYear: oldYear, NewYear: newYear}
	for _, u := range list {
		if err := renew(); err != nil {
			return nil, err
		}
		created := false
		_, err := s.users.Mutate(ctx, u.ID, func(cur *users.User) error {
			_, archived := cur.ArchiveFor(oldYear)
			if archived && cur.ProgressFor(oldYear).Empty() {
				return errSkip
			}
			created = cur.ArchiveYear(oldYear, s.now().UTC())
			return nil
		})
		switch {
		case errors.Is(err, errSkip):
			res.AlreadyArchived++
		case err == nil && !created:
			// Archived by an earlier run; late entries were folded in.
			res.AlreadyArchived++
		case errors.Is(err, users.ErrNotFound):
			// Deleted since listing.
		case err != nil:
			s.logger.Error("training year reset interrupted",
				"error", err, "user_id", u.ID, "archived", res.ArchivedUsers, "old_year", oldYear)
			return nil, fmt.Errorf("archiving user %s: %w", u.ID, err)
		default:
			res.ArchivedUsers++
		}
	}

	if err := renew(); err != nil {
		return nil, err
	}
	if res.BadgesDeactivated, err = s.catalog.DeactivateBadges(ctx, oldYear); err != nil {
		return nil, err
	}
	if err := s.settings.AdvanceYear(ctx, oldYear, newYear); err != nil {
		return nil, fmt.Errorf("advancing training year: %w", err)
	}

	s.logger.Info("training year reset",
		"old_year", oldYear, "new_year", newYear,
		"archived", res.ArchivedUsers, "already_archived", res.AlreadyArchived)
	s.recorder.Record(ctx, actorID, activity.TrainingYearResetDetails{
		OldYear:         oldYear,
		NewYear:         newYear,
		UsersArchived:   res.ArchivedUsers,
		AlreadyArchived: res.AlreadyArchived,
	}, origin)
	return res, nil
}

// ResetUserProgress clears one user's completions, badges and watched
// videos for year (the current year when zero) without archiving them.
// XP and level are kept.
func (s *Service) ResetUserProgress(ctx context.Context, userID string, year int, actorID string, origin activity.Origin) (*users.User, error) {
	if year == 0 {
		var err error
		if year, err = s.CurrentYear(ctx); err != nil {
			return nil, err
		}
	}
	u, err := s.users.Mutate(ctx, userID, func(u *users.User) error {
		u.ClearYear(year)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recorder.Record(ctx, actorID, activity.UserProgressResetDetails{
		TargetUserID:   u.ID,
		TargetUsername: u.Username,
		Year:           year,
	}, origin)
	return u, nil
}
