package training_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Yuz-tech/gamified-ims/activity"
	"github.com/Yuz-tech/gamified-ims/lock"
	"github.com/Yuz-tech/gamified-ims/storage/memory"
	"github.com/Yuz-tech/gamified-ims/training"
	"github.com/Yuz-tech/gamified-ims/users"
)

type fakeClock struct {
	t time.Time
	// step is added on every Tick, and onTick runs after it.
	step   time.Duration
	onTick func()
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// Tick is the users store clock: each user write moves time by step.
func (c *fakeClock) Tick() time.Time {
	c.t = c.t.Add(c.step)
	if c.onTick != nil {
		c.onTick()
	}
	return c.t
}

type fixture struct {
	repo     *memory.Repository
	clock    *fakeClock
	users    *users.Store
	locker   *lock.RepositoryLocker
	activity *activity.Store
	svc      *training.Service
}

var origin = activity.Origin{IPAddress: "10.0.0.1", UserAgent: "test"}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 4, 10, 9, 0, 0, 0, time.UTC)}
	repo := memory.NewRepository()
	f := &fixture{
		repo:     repo,
		clock:    clock,
		users:    users.NewStore(repo, users.WithClock(clock.Tick), users.WithBcryptCost(bcrypt.MinCost)),
		locker:   lock.NewRepositoryLocker(repo, clock.Now),
		activity: activity.NewStore(repo),
	}
	rec := activity.NewRecorder(f.activity, activity.WithClock(clock.Now))
	f.svc = training.NewService(repo, f.users, f.locker, rec, training.WithClock(clock.Now))
	return f
}

func (f *fixture) user(t *testing.T, name string) *users.User {
	t.Helper()
	u, err := f.users.Create(context.Background(), users.NewUser{
		Username: name,
		Email:    name + "@example.com",
		Password: "password123",
		Approved: true,
	})
	require.NoError(t, err)
	return u
}

func (f *fixture) topic(t *testing.T, title string) *training.Topic {
	t.Helper()
	topic, err := f.svc.Catalog().CreateTopic(context.Background(), training.Topic{
		Title:       title,
		Description: "about " + title,
		VideoURL:    "https://videos.example.com/" + title,
		IsActive:    true,
		Questions: []training.Question{
			{Prompt: "q1", Options: []string{"a", "b"}, CorrectAnswer: 0},
			{Prompt: "q2", Options: []string{"a", "b", "c"}, CorrectAnswer: 2},
			{Prompt: "q3", Options: []string{"a", "b"}, CorrectAnswer: 1},
			{Prompt: "q4", Options: []string{"a", "b"}, CorrectAnswer: 1},
		},
	})
	require.NoError(t, err)
	return topic
}

func (f *fixture) badge(t *testing.T, topic *training.Topic, year int) *training.Badge {
	t.Helper()
	b, err := f.svc.Catalog().CreateBadge(context.Background(), training.Badge{
		Name:        topic.Title + " badge",
		Description: "earned",
		ImageURL:    "https://img.example.com/b.png",
		TopicID:     topic.ID,
		Year:        year,
	})
	require.NoError(t, err)
	return b
}

func (f *fixture) pass(t *testing.T, userID string, topic *training.Topic) *training.QuizResult {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.svc.WatchVideo(ctx, userID, topic.ID, origin))
	res, err := f.svc.SubmitQuiz(ctx, userID, topic.ID, []int{0, 2, 1, 1}, origin)
	require.NoError(t, err)
	require.True(t, res.Passed)
	return res
}

func (f *fixture) actions(t *testing.T, action activity.Action) []activity.Entry {
	t.Helper()
	entries, err := f.activity.Query(context.Background(), activity.Filter{Action: action})
	require.NoError(t, err)
	return entries
}

func TestGrade(t *testing.T) {
	topic := &training.Topic{Questions: []training.Question{
		{CorrectAnswer: 0, Points: 10},
		{CorrectAnswer: 1, Points: 10},
		{CorrectAnswer: 2, Points: 20},
	}}
	tests := []struct {
		answers []int
		score   int
		correct int
	}{
		{[]int{0, 1, 2}, 100, 3},
		{[]int{0, 1, 0}, 50, 2},
		{[]int{1, 0, 2}, 50, 1},
		{[]int{-1, 7, 0}, 0, 0},
		{[]int{0}, 25, 1},
	}
	for _, tt := range tests {
		score, correct := training.Grade(topic, tt.answers)
		assert.Equal(t, tt.score, score, "answers=%v", tt.answers)
		assert.Equal(t, tt.correct, correct, "answers=%v", tt.answers)
	}
}

func TestCurrentYearInitialisesFromClock(t *testing.T) {
	f := newFixture(t)
	year, err := f.svc.CurrentYear(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2025, year)

	f.clock.Advance(365 * 24 * time.Hour)
	year, err = f.svc.CurrentYear(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2025, year, "the training year only moves through a reset")
}

func TestWatchVideoIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "alice")
	topic := f.topic(t, "phishing")

	require.NoError(t, f.svc.WatchVideo(ctx, u.ID, topic.ID, origin))
	require.NoError(t, f.svc.WatchVideo(ctx, u.ID, topic.ID, origin))

	got, err := f.users.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, got.WatchedVideos, 1)
	assert.Len(t, f.actions(t, activity.ActionVideoWatched), 1)

	assert.ErrorIs(t, f.svc.WatchVideo(ctx, u.ID, "missing", origin), training.ErrTopicNotFound)
}

func TestSubmitQuizRequiresWatchedVideo(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice")
	topic := f.topic(t, "phishing")

	_, err := f.svc.SubmitQuiz(context.Background(), u.ID, topic.ID, []int{0, 2, 1, 1}, origin)
	assert.ErrorIs(t, err, training.ErrVideoNotWatched)
}

func TestSubmitQuizPassAwardsXPAndBadgeOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "alice")
	topic := f.topic(t, "phishing")
	badge := f.badge(t, topic, 2025)

	res := f.pass(t, u.ID, topic)
	assert.Equal(t, 100, res.Score)
	assert.Equal(t, 4, res.CorrectAnswers)
	assert.Equal(t, training.DefaultXPReward, res.XPEarned)
	assert.Equal(t, 100, res.NewXP)
	assert.Equal(t, 2, res.NewLevel)
	require.NotNil(t, res.Badge)
	assert.Equal(t, badge.ID, res.Badge.ID)
	assert.True(t, res.AllBadgesCollected)

	_, err := f.svc.SubmitQuiz(ctx, u.ID, topic.ID, []int{0, 2, 1, 1}, origin)
	assert.ErrorIs(t, err, training.ErrAlreadyCompleted)

	got, err := f.users.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, got.CompletedTopics, 1)
	assert.Len(t, got.Badges, 1)
	assert.Equal(t, 100, got.XP)

	assert.Len(t, f.actions(t, activity.ActionQuizCompleted), 1)
	assert.Len(t, f.actions(t, activity.ActionTopicCompleted), 1)
	assert.Len(t, f.actions(t, activity.ActionBadgeEarned), 1)
}

func TestSubmitQuizFailRecordsNothingButActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "alice")
	topic := f.topic(t, "phishing")
	require.NoError(t, f.svc.WatchVideo(ctx, u.ID, topic.ID, origin))

	res, err := f.svc.SubmitQuiz(ctx, u.ID, topic.ID, []int{0, 2, 0, 0}, origin)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, 50, res.Score)
	assert.Equal(t, 70, res.RequiredScore)

	got, err := f.users.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, got.CompletedTopics)
	assert.Zero(t, got.XP)
	assert.Len(t, f.actions(t, activity.ActionQuizCompleted), 1)

	_, err = f.svc.SubmitQuiz(ctx, u.ID, topic.ID, []int{0}, origin)
	var verr *training.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestSubmitQuizFailsFastDuringReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "alice")
	topic := f.topic(t, "phishing")
	require.NoError(t, f.svc.WatchVideo(ctx, u.ID, topic.ID, origin))

	lease, err := f.locker.Acquire(ctx, training.ResetLeaseName, time.Minute)
	require.NoError(t, err)

	_, err = f.svc.SubmitQuiz(ctx, u.ID, topic.ID, []int{0, 2, 1, 1}, origin)
	assert.ErrorIs(t, err, training.ErrMaintenance)
	assert.ErrorIs(t, f.svc.WatchVideo(ctx, u.ID, topic.ID, origin), training.ErrMaintenance)

	_, err = f.svc.Reset(ctx, 2026, u.ID, origin)
	assert.ErrorIs(t, err, training.ErrResetInProgress)

	require.NoError(t, lease.Release(ctx))
	_, err = f.svc.SubmitQuiz(ctx, u.ID, topic.ID, []int{0, 2, 1, 1}, origin)
	assert.NoError(t, err)
}

func TestResetPreservesXPAndClearsYear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.user(t, "admin")
	alice := f.user(t, "alice")
	t1 := f.topic(t, "phishing")
	t2 := f.topic(t, "passwords")
	b1 := f.badge(t, t1, 2025)

	f.pass(t, alice.ID, t1)
	f.pass(t, alice.ID, t2)
	_, err := f.users.Mutate(ctx, alice.ID, func(u *users.User) error {
		u.SetXP(500)
		return nil
	})
	require.NoError(t, err)

	_, err = f.svc.Reset(ctx, 2025, admin.ID, origin)
	assert.ErrorIs(t, err, training.ErrInvalidYearTransition)

	res, err := f.svc.Reset(ctx, 2026, admin.ID, origin)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ArchivedUsers)
	assert.Equal(t, 2025, res.OldYear)
	assert.Equal(t, 2026, res.NewYear)
	assert.Equal(t, 1, res.BadgesDeactivated)

	got, err := f.users.Get(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, 500, got.XP)
	assert.Equal(t, 3, got.Level)
	assert.Empty(t, got.CompletedTopics)
	assert.Empty(t, got.Badges)
	assert.Empty(t, got.WatchedVideos)
	require.Len(t, got.YearlyArchive, 1)
	assert.Equal(t, 2025, got.YearlyArchive[0].Year)
	assert.Equal(t, 2, got.YearlyArchive[0].CompletedTopics)
	assert.Equal(t, 1, got.YearlyArchive[0].BadgesEarned)
	assert.Equal(t, 200, got.YearlyArchive[0].CompletionScore)

	year, err := f.svc.CurrentYear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2026, year)

	badge, err := f.svc.Catalog().GetBadge(ctx, b1.ID)
	require.NoError(t, err)
	assert.False(t, badge.IsActive)

	resets := f.actions(t, activity.ActionTrainingYearReset)
	require.Len(t, resets, 1)
	assert.Equal(t, admin.ID, resets[0].UserID)
	assert.Equal(t, activity.TrainingYearResetDetails{OldYear: 2025, NewYear: 2026, UsersArchived: 2}, resets[0].Details)

	held, err := f.locker.Held(ctx, training.ResetLeaseName)
	require.NoError(t, err)
	assert.False(t, held, "lease released after the reset")

	// The topic can be completed again in the new year.
	f.pass(t, alice.ID, t1)
}

func TestResetSkipsUsersAlreadyArchived(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.user(t, "admin")
	alice := f.user(t, "alice")
	topic := f.topic(t, "phishing")
	f.pass(t, alice.ID, topic)

	// An interrupted earlier run archived alice but did not advance the year.
	_, err := f.users.Mutate(ctx, alice.ID, func(u *users.User) error {
		u.ArchiveYear(2025, f.clock.Now())
		return nil
	})
	require.NoError(t, err)

	res, err := f.svc.Reset(ctx, 2026, admin.ID, origin)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ArchivedUsers)
	assert.Equal(t, 1, res.AlreadyArchived)

	got, err := f.users.Get(ctx, alice.ID)
	require.NoError(t, err)
	assert.Len(t, got.YearlyArchive, 1)
}

func TestResetIgnoresPendingUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.user(t, "admin")
	pending, err := f.users.Create(ctx, users.NewUser{Username: "bob", Email: "bob@example.com", Password: "password123"})
	require.NoError(t, err)

	res, err := f.svc.Reset(ctx, 2026, admin.ID, origin)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ArchivedUsers)

	got, err := f.users.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Empty(t, got.YearlyArchive)
}

func TestResetUserProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.user(t, "admin")
	alice := f.user(t, "alice")
	topic := f.topic(t, "phishing")
	f.pass(t, alice.ID, topic)

	got, err := f.svc.ResetUserProgress(ctx, alice.ID, 0, admin.ID, origin)
	require.NoError(t, err)
	assert.Empty(t, got.CompletedTopics)
	assert.Empty(t, got.WatchedVideos)
	assert.Equal(t, 100, got.XP)
	assert.Len(t, f.actions(t, activity.ActionUserProgressReset), 1)

	_, err = f.svc.ResetUserProgress(ctx, "missing", 0, admin.ID, origin)
	assert.ErrorIs(t, err, users.ErrNotFound)
}

func TestStatsAndLeaderboard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	f.user(t, "carol")
	_, err := f.users.Create(ctx, users.NewUser{Username: "dave", Email: "dave@example.com", Password: "password123"})
	require.NoError(t, err)
	t1 := f.topic(t, "phishing")
	t2 := f.topic(t, "passwords")
	f.badge(t, t1, 2025)

	f.pass(t, alice.ID, t1)
	f.pass(t, alice.ID, t2)
	f.pass(t, bob.ID, t1)

	st, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, training.YearStats{
		CurrentYear:    2025,
		TotalUsers:     3,
		UsersCompleted: 1,
		CompletionRate: 33,
		TotalTopics:    2,
		TotalBadges:    1,
	}, *st)

	board, err := f.svc.Leaderboard(ctx, 2)
	require.NoError(t, err)
	require.Len(t, board, 2)
	assert.Equal(t, "alice", board[0].Username)
	assert.Equal(t, 1, board[0].Rank)
	assert.Equal(t, 200, board[0].XP)
	assert.Equal(t, "bob", board[1].Username)
	assert.Equal(t, 1, board[1].BadgeCount)

	stats, err := f.svc.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalUsers)
	assert.Equal(t, 1, stats.PendingUsers)
	assert.Equal(t, 2, stats.TotalTopics)
	assert.Len(t, stats.TopUsers, 3)
}

func TestOpenTopicRecordsQuizStarted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "alice")
	topic := f.topic(t, "phishing")

	st, err := f.svc.OpenTopic(ctx, u, topic.ID, origin)
	require.NoError(t, err)
	assert.False(t, st.IsVideoWatched)
	assert.Empty(t, f.actions(t, activity.ActionQuizStarted))

	require.NoError(t, f.svc.WatchVideo(ctx, u.ID, topic.ID, origin))
	u, err = f.users.Get(ctx, u.ID)
	require.NoError(t, err)
	st, err = f.svc.OpenTopic(ctx, u, topic.ID, origin)
	require.NoError(t, err)
	assert.True(t, st.IsVideoWatched)
	assert.Len(t, f.actions(t, activity.ActionQuizStarted), 1)
}

func TestStatsWithoutActiveTopicsCountsEveryoneComplete(t *testing.T) {
	f := newFixture(t)
	f.user(t, "alice")
	f.user(t, "bob")

	st, err := f.svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.UsersCompleted)
	assert.Equal(t, 100, st.CompletionRate)
}

func TestResetRenewsLeaseForLongRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.user(t, "admin")
	t1 := f.topic(t, "phishing")
	t2 := f.topic(t, "passwords")

	var staff []*users.User
	for i := 0; i < 20; i++ {
		u := f.user(t, fmt.Sprintf("user%02d", i))
		require.NoError(t, f.svc.WatchVideo(ctx, u.ID, t1.ID, origin))
		staff = append(staff, u)
	}

	// Every archived user costs two minutes, well past the lease TTL overall.
	var (
		held     []bool
		ticks    int
		midWrite error
	)
	f.clock.step = 2 * time.Minute
	f.clock.onTick = func() {
		ticks++
		h, err := f.locker.Held(ctx, training.ResetLeaseName)
		require.NoError(t, err)
		held = append(held, h)
		if ticks == 10 {
			midWrite = f.svc.WatchVideo(ctx, staff[0].ID, t2.ID, origin)
		}
	}

	res, err := f.svc.Reset(ctx, 2026, admin.ID, origin)
	require.NoError(t, err)
	f.clock.onTick = nil
	f.clock.step = 0

	assert.Equal(t, 21, res.ArchivedUsers)
	assert.Greater(t, f.clock.Now().Sub(time.Date(2025, 4, 10, 9, 0, 0, 0, time.UTC)), training.DefaultResetLeaseTTL)
	assert.NotContains(t, held, false, "lease held for the whole run")
	assert.ErrorIs(t, midWrite, training.ErrMaintenance)

	got, err := f.users.Get(ctx, staff[0].ID)
	require.NoError(t, err)
	assert.Empty(t, got.WatchedVideos)
}

func TestResetStopsWhenLeaseLapses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.user(t, "admin")
	f.user(t, "alice")
	f.user(t, "bob")

	// A single user write outlasting the TTL loses the lease.
	f.clock.step = training.DefaultResetLeaseTTL + time.Minute
	_, err := f.svc.Reset(ctx, 2026, admin.ID, origin)
	require.ErrorIs(t, err, lock.ErrLost)
	f.clock.step = 0

	year, err := f.svc.CurrentYear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2025, year, "year not advanced after a lost lease")

	res, err := f.svc.Reset(ctx, 2026, admin.ID, origin)
	require.NoError(t, err)
	assert.Equal(t, 1, res.AlreadyArchived)
	assert.Equal(t, 2, res.ArchivedUsers)
}

func TestResetFoldsLateProgressOfArchivedUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.user(t, "admin")
	alice := f.user(t, "alice")
	t1 := f.topic(t, "phishing")
	t2 := f.topic(t, "passwords")
	f.pass(t, alice.ID, t1)

	// An interrupted run archived alice; she kept training in the old year.
	_, err := f.users.Mutate(ctx, alice.ID, func(u *users.User) error {
		u.ArchiveYear(2025, f.clock.Now())
		return nil
	})
	require.NoError(t, err)
	f.pass(t, alice.ID, t2)

	res, err := f.svc.Reset(ctx, 2026, admin.ID, origin)
	require.NoError(t, err)
	assert.Equal(t, 1, res.AlreadyArchived)
	assert.Equal(t, 1, res.ArchivedUsers)

	got, err := f.users.Get(ctx, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, got.CompletedTopics)
	assert.Empty(t, got.WatchedVideos)
	require.Len(t, got.YearlyArchive, 1)
	assert.Equal(t, 2, got.YearlyArchive[0].CompletedTopics)
	assert.Equal(t, 200, got.XP)
}

// heldHookLocker runs onHeld once, on the nth Held call, after answering.
type heldHookLocker struct {
	lock.Locker
	calls  int
	nth    int
	onHeld func()
}

func (l *heldHookLocker) Held(ctx context.Context, name string) (bool, error) {
	held, err := l.Locker.Held(ctx, name)
	l.calls++
	if l.calls == l.nth && l.onHeld != nil {
		l.onHeld()
	}
	return held, err
}

func TestWatchVideoRetryAfterResetUsesNewYear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.user(t, "admin")
	alice := f.user(t, "alice")
	topic := f.topic(t, "phishing")

	// The reset commits between the write attempt's read of alice and its
	// version-checked update.
	hooked := &heldHookLocker{Locker: f.locker, nth: 2, onHeld: func() {
		_, err := f.svc.Reset(ctx, 2026, admin.ID, origin)
		require.NoError(t, err)
	}}
	svc := training.NewService(f.repo, f.users, hooked, activity.NewRecorder(f.activity), training.WithClock(f.clock.Now))

	require.NoError(t, svc.WatchVideo(ctx, alice.ID, topic.ID, origin))

	got, err := f.users.Get(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, got.WatchedVideos, 1)
	assert.Equal(t, 2026, got.WatchedVideos[0].Year)
	_, archived := got.ArchiveFor(2025)
	assert.True(t, archived)
}
