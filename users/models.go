package users

import (
	"math"
	"slices"
	"time"
)

// Role is a user's authorisation role.
type Role string

const (
	RoleEmployee Role = "employee"
	RoleAdmin    Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleEmployee || r == RoleAdmin
}

// CompletedTopic records a passed quiz in a training year.
type CompletedTopic struct {
	TopicID     string    `json:"topicId"`
	Year        int       `json:"year"`
	CompletedAt time.Time `json:"completedAt"`
	Score       int       `json:"score"`
}

// EarnedBadge records a badge awarded in a training year.
type EarnedBadge struct {
	BadgeID  string    `json:"badgeId"`
	Year     int       `json:"year"`
	EarnedAt time.Time `json:"earnedAt"`
}

// WatchedVideo records a topic video watched in a training year.
type WatchedVideo struct {
	TopicID   string    `json:"topicId"`
	Year      int       `json:"year"`
	WatchedAt time.Time `json:"watchedAt"`
}

// YearlyArchive is the snapshot of one closed training year.
//
// CompletionScore is the sum of the quiz percentages of the year's
// completions. It is not an XP figure.
type YearlyArchive struct {
	Year            int       `json:"year"`
	CompletedTopics int       `json:"completedTopics"`
	BadgesEarned    int       `json:"badgesEarned"`
	CompletionScore int       `json:"completionScore"`
	ArchivedAt      time.Time `json:"archivedAt"`
}

// User is the identity and progress aggregate.
type User struct {
	ID              string           `json:"id"`
	Username        string           `json:"username"`
	Email           string           `json:"email"`
	PasswordHash    []byte           `json:"passwordHash"`
	Role            Role             `json:"role"`
	Approved        bool             `json:"isApproved"`
	XP              int              `json:"xp"`
	Level           int              `json:"level"`
	CompletedTopics []CompletedTopic `json:"completedTopics"`
	Badges          []EarnedBadge    `json:"badges"`
	WatchedVideos   []WatchedVideo   `json:"watchedVideos"`
	YearlyArchive   []YearlyArchive  `json:"yearlyArchive"`
	RequestedAt     time.Time        `json:"requestedAt"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`

	// Version is the storage version the user was read at.
	Version uint64 `json:"-"`
}

// LevelForXP returns floor(sqrt(xp/100)) + 1. Negative xp counts as zero.
func LevelForXP(xp int) int {
	if xp < 0 {
		xp = 0
	}
	n := xp / 100
	r := int(math.Sqrt(float64(n)))
	// Correct float rounding at perfect-square boundaries.
	for r*r > n {
		r--
	}
	for (r+1)*(r+1) <= n {
		r++
	}
	return r + 1
}

// SetXP sets the cumulative XP and recomputes the level.
func (u *User) SetXP(xp int) {
	if xp < 0 {
		xp = 0
	}
	u.XP = xp
	u.Level = LevelForXP(xp)
}

// AddXP adds n XP and recomputes the level.
func (u *User) AddXP(n int) {
	u.SetXP(u.XP + n)
}

func (u *User) HasCompletedTopic(topicID string, year int) bool {
	return slices.ContainsFunc(u.CompletedTopics, func(c CompletedTopic) bool {
		return c.TopicID == topicID && c.Year == year
	})
}

func (u *User) HasBadge(badgeID string, year int) bool {
	return slices.ContainsFunc(u.Badges, func(b EarnedBadge) bool {
		return b.BadgeID == badgeID && b.Year == year
	})
}

func (u *User) HasWatchedVideo(topicID string, year int) bool {
	return slices.ContainsFunc(u.WatchedVideos, func(w WatchedVideo) bool {
		return w.TopicID == topicID && w.Year == year
	})
}

// CompleteTopic appends a completion unless one exists for (topic, year).
func (u *User) CompleteTopic(topicID string, year, score int, at time.Time) error {
	if u.HasCompletedTopic(topicID, year) {
		return ErrAlreadyRecorded
	}
	u.CompletedTopics = append(u.CompletedTopics, CompletedTopic{
		TopicID:     topicID,
		Year:        year,
		CompletedAt: at,
		Score:       score,
	})
	return nil
}

// AwardBadge appends a badge unless one exists for (badge, year).
// It reports whether the badge was added.
func (u *User) AwardBadge(badgeID string, year int, at time.Time) bool {
	if u.HasBadge(badgeID, year) {
		return false
	}
	u.Badges = append(u.Badges, EarnedBadge{BadgeID: badgeID, Year: year, EarnedAt: at})
	return true
}

// WatchVideo appends a watched video unless one exists for (topic, year).
// It reports whether the entry was added.
func (u *User) WatchVideo(topicID string, year int, at time.Time) bool {
	if u.HasWatchedVideo(topicID, year) {
		return false
	}
	u.WatchedVideos = append(u.WatchedVideos, WatchedVideo{TopicID: topicID, Year: year, WatchedAt: at})
	return true
}

// YearProgress is the subset of a user's per-year lists tagged with one year.
type YearProgress struct {
	Year            int
	CompletedTopics []CompletedTopic
	Badges          []EarnedBadge
	WatchedVideos   []WatchedVideo
}

// Empty reports whether nothing was recorded for the year.
func (p YearProgress) Empty() bool {
	return len(p.CompletedTopics) == 0 && len(p.Badges) == 0 && len(p.WatchedVideos) == 0
}

// CompletionScore sums the recorded quiz scores.
func (p YearProgress) CompletionScore() int {
	total := 0
	for _, c := range p.CompletedTopics {
		total += c.Score
	}
	return total
}

// ProgressFor returns the entries tagged with year.
func (u *User) ProgressFor(year int) YearProgress {
	p := YearProgress{Year: year}
	for _, c := range u.CompletedTopics {
		if c.Year == year {
			p.CompletedTopics = append(p.CompletedTopics, c)
		}
	}
	for _, b := range u.Badges {
		if b.Year == year {
			p.Badges = append(p.Badges, b)
		}
	}
	for _, w := range u.WatchedVideos {
		if w.Year == year {
			p.WatchedVideos = append(p.WatchedVideos, w)
		}
	}
	return p
}

// ArchiveFor returns the archive snapshot for year, if any.
func (u *User) ArchiveFor(year int) (YearlyArchive, bool) {
	for _, a := range u.YearlyArchive {
		if a.Year == year {
			return a, true
		}
	}
	return YearlyArchive{}, false
}

// ClearYear removes every per-year entry tagged with year. XP and level
// are left untouched.
func (u *User) ClearYear(year int) {
	u.CompletedTopics = slices.DeleteFunc(u.CompletedTopics, func(c CompletedTopic) bool { return c.Year == year })
	u.Badges = slices.DeleteFunc(u.Badges, func(b EarnedBadge) bool { return b.Year == year })
	u.WatchedVideos = slices.DeleteFunc(u.WatchedVideos, func(w WatchedVideo) bool { return w.Year == year })
}

// ArchiveYear appends the snapshot for year and clears its entries. It
// reports whether a new snapshot was created.
//
// When year is already archived, entries recorded for it since then are
// added to the existing snapshot and cleared.
func (u *User) ArchiveYear(year int, at time.Time) bool {
	p := u.ProgressFor(year)
	for i := range u.YearlyArchive {
		a := &u.YearlyArchive[i]
		if a.Year != year {
			continue
		}
		a.CompletedTopics += len(p.CompletedTopics)
		a.BadgesEarned += len(p.Badges)
		a.CompletionScore += p.CompletionScore()
		u.ClearYear(year)
		return false
	}
	u.YearlyArchive = append(u.YearlyArchive, YearlyArchive{
		Year:            year,
		CompletedTopics: len(p.CompletedTopics),
		BadgesEarned:    len(p.Badges),
		CompletionScore: p.CompletionScore(),
		ArchivedAt:      at,
	})
	u.ClearYear(year)
	return true
}
