// Package training runs the learning loop (videos, quizzes, XP and
// badges), the leaderboard and the yearly progress cycle that closes out a
// training year.
package training

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/Yuz-tech/gamified-ims/activity"
	"github.com/Yuz-tech/gamified-ims/lock"
	"github.com/Yuz-tech/gamified-ims/storage"
	"github.com/Yuz-tech/gamified-ims/users"
)

// ResetLeaseName is held for the whole of a training-year reset. While it
// is held, progress writes fail with ErrMaintenance.
const ResetLeaseName = "training-year-reset"

// DefaultResetLeaseTTL bounds how long a crashed reset blocks progress writes.
const DefaultResetLeaseTTL = 15 * time.Minute

// Service ties the catalog, the training year and user progress together.
type Service struct {
	users    *users.Store
	catalog  *Catalog
	settings *Settings
	locker   lock.Locker
	recorder *activity.Recorder
	logger   *slog.Logger
	now      func() time.Time
	leaseTTL time.Duration
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithResetLeaseTTL overrides DefaultResetLeaseTTL.
func WithResetLeaseTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.leaseTTL = d
		}
	}
}

// NewService returns a Service storing catalog and settings in repo.
func NewService(repo storage.Repository, userStore *users.Store, locker lock.Locker, recorder *activity.Recorder, opts ...Option) *Service {
	s := &Service{
		users:    userStore,
		locker:   locker,
		recorder: recorder,
		logger:   slog.Default(),
		now:      time.Now,
		leaseTTL: DefaultResetLeaseTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "training")
	s.catalog = NewCatalog(repo, s.now)
	s.settings = NewSettings(repo, s.now)
	return s
}

// Catalog returns the topic and badge catalog.
func (s *Service) Catalog() *Catalog {
	return s.catalog
}

// CurrentYear returns the active training year.
func (s *Service) CurrentYear(ctx context.Context) (int, error) {
	return s.settings.CurrentYear(ctx)
}

func (s *Service) checkMaintenance(ctx context.Context) error {
	held, err := s.locker.Held(ctx, ResetLeaseName)
	if err != nil {
		return fmt.Errorf("checking maintenance lease: %w", err)
	}
	if held {
		return ErrMaintenance
	}
	return nil
}

func (s *Service) activeTopic(ctx context.Context, topicID string) (*Topic, error) {
	t, err := s.catalog.GetTopic(ctx, topicID)
	if err != nil {
		return nil, err
	}
	if !t.IsActive {
		return nil, ErrTopicNotFound
	}
	return t, nil
}

// ----------------------------------------------------------------------------
// Progress
// ----------------------------------------------------------------------------

// TopicStatus is a topic as seen by one user in the current year.
type TopicStatus struct {
	Topic          *Topic
	Year           int
	IsCompleted    bool
	IsVideoWatched bool
}

// TopicsForUser lists active topics with the user's progress flags.
func (s *Service) TopicsForUser(ctx context.Context, u *users.User) ([]TopicStatus, error) {
	year, err := s.CurrentYear(ctx)
	if err != nil {
		return nil, err
	}
	topics, err := s.catalog.ListTopics(ctx, true)
	if err != nil {
		return nil, err
	}
	out := make([]TopicStatus, 0, len(topics))
	for _, t := range topics {
		out = append(out, TopicStatus{
			Topic:          t,
			Year:           year,
			IsCompleted:    u.HasCompletedTopic(t.ID, year),
			IsVideoWatched: u.HasWatchedVideo(t.ID, year),
		})
	}
	return out, nil
}

// OpenTopic returns one active topic with the user's progress flags. Opening
// a topic whose quiz is available records quiz_started.
func (s *Service) OpenTopic(ctx context.Context, u *users.User, topicID string, origin activity.Origin) (*TopicStatus, error) {
	year, err := s.CurrentYear(ctx)
	if err != nil {
		return nil, err
	}
	t, err := s.activeTopic(ctx, topicID)
	if err != nil {
		return nil, err
	}
	st := &TopicStatus{
		Topic:          t,
		Year:           year,
		IsCompleted:    u.HasCompletedTopic(t.ID, year),
		IsVideoWatched: u.HasWatchedVideo(t.ID, year),
	}
	if st.IsVideoWatched && !st.IsCompleted {
		s.recorder.Record(ctx, u.ID, activity.QuizStartedDetails{TopicID: t.ID, TopicTitle: t.Title}, origin)
	}
	return st, nil
}

// WatchVideo marks the topic's video watched for the current year. Marking
// it again is a no-op.
//
// The maintenance check and the year are re-read on every write attempt, so
// a retry after a reset committed never lands in the closed year.
func (s *Service) WatchVideo(ctx context.Context, userID, topicID string, origin activity.Origin) error {
	if err := s.checkMaintenance(ctx); err != nil {
		return err
	}
	t, err := s.activeTopic(ctx, topicID)
	if err != nil {
		return err
	}
	var (
		year  int
		added bool
	)
	_, err = s.users.Mutate(ctx, userID, func(u *users.User) error {
		if err := s.checkMaintenance(ctx); err != nil {
			return err
		}
		y, err := s.CurrentYear(ctx)
		if err != nil {
			return err
		}
		year = y
		added = u.WatchVideo(t.ID, year, s.now().UTC())
		return nil
	})
	if err != nil {
		return err
	}
	if added {
		s.recorder.Record(ctx, userID, activity.VideoWatchedDetails{TopicID: t.ID, TopicTitle: t.Title, Year: year}, origin)
	}
	return nil
}

// QuizResult is the outcome of a quiz submission.
type QuizResult struct {
	Passed             bool   `json:"passed"`
	Score              int    `json:"score"`
	CorrectAnswers     int    `json:"correctAnswers"`
	TotalQuestions     int    `json:"totalQuestions"`
	RequiredScore      int    `json:"requiredScore"`
	Year               int    `json:"year"`
	XPEarned           int    `json:"xpEarned,omitempty"`
	NewXP              int    `json:"newXP,omitempty"`
	NewLevel           int    `json:"newLevel,omitempty"`
	Badge              *Badge `json:"badgeEarned,omitempty"`
	AllBadgesCollected bool   `json:"allBadgesCollected"`
}

// Grade scores answers against the topic's questions. Answers are option
// indexes; missing or out-of-range answers count as wrong.
func Grade(t *Topic, answers []int) (score, correct int) {
	total, earned := 0, 0
	for i, q := range t.Questions {
		total += q.Points
		if i < len(answers) && answers[i] == q.CorrectAnswer {
			earned += q.Points
			correct++
		}
	}
	if total == 0 {
		return 0, correct
	}
	return int(math.Round(float64(earned) * 100 / float64(total))), correct
}

// SubmitQuiz grades a quiz attempt. A pass records the completion, awards
// the topic's XP and, once per year, its badge. The user write is
// version-checked; a concurrent change yields users.ErrConflict.
func (s *Service) SubmitQuiz(ctx context.Context, userID, topicID string, answers []int, origin activity.Origin) (*QuizResult, error) {
	if err := s.checkMaintenance(ctx); err != nil {
		return nil, err
	}
	t, err := s.activeTopic(ctx, topicID)
	if err != nil {
		return nil, err
	}
	if len(answers) != len(t.Questions) {
		return nil, validationErrorf("answers", "expected %d answers, got %d", len(t.Questions), len(answers))
	}
	year, err := s.CurrentYear(ctx)
	if err != nil {
		return nil, err
	}
	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !u.HasWatchedVideo(t.ID, year) {
		return nil, ErrVideoNotWatched
	}
	if u.HasCompletedTopic(t.ID, year) {
		return nil, ErrAlreadyCompleted
	}

	score, correct := Grade(t, answers)
	res := &QuizResult{
		Passed:         score >= t.PassingScore,
		Score:          score,
		CorrectAnswers: correct,
		TotalQuestions: len(t.Questions),
		RequiredScore:  t.PassingScore,
		Year:           year,
	}
	quizDetails := activity.QuizCompletedDetails{TopicID: t.ID, Score: score, Passed: res.Passed, Year: year}
	if !res.Passed {
		s.recorder.Record(ctx, userID, quizDetails, origin)
		return res, nil
	}

	now := s.now().UTC()
	if err := u.CompleteTopic(t.ID, year, score, now); err != nil {
		return nil, ErrAlreadyCompleted
	}
	u.AddXP(t.XPReward)

	badge, err := s.catalog.BadgeForTopic(ctx, t.ID, year)
	switch {
	case errors.Is(err, ErrBadgeNotFound):
		badge = nil
	case err != nil:
		return nil, err
	case !badge.IsActive || !u.AwardBadge(badge.ID, year, now):
		badge = nil
	}

	if err := s.users.Update(ctx, u); err != nil {
		return nil, err
	}

	res.XPEarned = t.XPReward
	res.NewXP = u.XP
	res.NewLevel = u.Level
	res.Badge = badge

	s.recorder.Record(ctx, userID, quizDetails, origin)
	s.recorder.Record(ctx, userID, activity.TopicCompletedDetails{TopicID: t.ID, XPEarned: t.XPReward, Year: year}, origin)
	if badge != nil {
		s.recorder.Record(ctx, userID, activity.BadgeEarnedDetails{BadgeID: badge.ID, BadgeName: badge.Name, TopicID: t.ID, Year: year}, origin)
	}

	yearBadges, err := s.catalog.ListBadges(ctx, BadgeFilter{Year: year, ActiveOnly: true})
	if err != nil {
		s.logger.Warn("counting badges for year", "error", err, "year", year)
	} else if len(yearBadges) > 0 {
		res.AllBadgesCollected = len(u.ProgressFor(year).Badges) >= len(yearBadges)
	}
	return res, nil
}

// ----------------------------------------------------------------------------
// Leaderboard and statistics
// ----------------------------------------------------------------------------

const DefaultLeaderboardLimit = 10

// LeaderboardEntry is one ranked user.
type LeaderboardEntry struct {
	Rank       int    `json:"rank"`
	UserID     string `json:"userId"`
	Username   string `json:"username"`
	Email      string `json:"email"`
	XP         int    `json:"xp"`
	Level      int    `json:"level"`
	BadgeCount int    `json:"badgeCount"`
}

// Leaderboard ranks approved users by XP, highest first.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = DefaultLeaderboardLimit
	}
	ranked, err := s.rankedUsers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]LeaderboardEntry, 0, min(limit, len(ranked)))
	for i, u := range ranked {
		if i >= limit {
			break
		}
		out = append(out, LeaderboardEntry{
			Rank:       i + 1,
			UserID:     u.ID,
			Username:   u.Username,
			Email:      u.Email,
			XP:         u.XP,
			Level:      u.Level,
			BadgeCount: len(u.Badges),
		})
	}
	return out, nil
}

func (s *Service) rankedUsers(ctx context.Context) ([]*users.User, error) {
	approved := true
	list, err := s.users.List(ctx, users.Filter{Approved: &approved})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(list, func(a, b *users.User) int {
		return cmp.Or(cmp.Compare(b.XP, a.XP), strings.Compare(a.Username, b.Username))
	})
	return list, nil
}

// Statistics is the admin dashboard summary.
type Statistics struct {
	TotalUsers   int                `json:"totalUsers"`
	PendingUsers int                `json:"pendingUsers"`
	TotalTopics  int                `json:"totalTopics"`
	TotalBadges  int                `json:"totalBadges"`
	TopUsers     []LeaderboardEntry `json:"topUsers"`
}

// Statistics summarises users, topics and badges.
func (s *Service) Statistics(ctx context.Context) (*Statistics, error) {
	all, err := s.users.List(ctx, users.Filter{})
	if err != nil {
		return nil, err
	}
	st := &Statistics{}
	for _, u := range all {
		if u.Approved {
			st.TotalUsers++
		} else {
			st.PendingUsers++
		}
	}
	topics, err := s.catalog.ListTopics(ctx, false)
	if err != nil {
		return nil, err
	}
	badges, err := s.catalog.ListBadges(ctx, BadgeFilter{})
	if err != nil {
		return nil, err
	}
	st.TotalTopics = len(topics)
	st.TotalBadges = len(badges)
	if st.TopUsers, err = s.Leaderboard(ctx, DefaultLeaderboardLimit); err != nil {
		return nil, err
	}
	return st, nil
}
