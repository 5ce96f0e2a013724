package training

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Yuz-tech/gamified-ims/storage"
)

const (
	catalogNamespace    = "catalog"
	topicRecordType     = "TOPIC"
	badgeRecordType     = "BADGE"
	badgeTopicIndexType = "BADGE_TOPIC"

	DefaultXPReward     = 100
	DefaultPassingScore = 70
	DefaultPoints       = 10
)

// Question is one multiple-choice quiz question.
type Question struct {
	Prompt        string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer int      `json:"correctAnswer"`
	Points        int      `json:"points"`
}

// Topic is a training unit: a video followed by a quiz.
type Topic struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	VideoURL      string     `json:"videoUrl"`
	VideoDuration int        `json:"videoDuration"`
	Order         int        `json:"order"`
	XPReward      int        `json:"xpReward"`
	PassingScore  int        `json:"passingScore"`
	Questions     []Question `json:"questions"`
	IsActive      bool       `json:"isActive"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`

	Version uint64 `json:"-"`
}

// ApplyDefaults fills zero XP reward, passing score and question points.
func (t *Topic) ApplyDefaults() {
	if t.XPReward == 0 {
		t.XPReward = DefaultXPReward
	}
	if t.PassingScore == 0 {
		t.PassingScore = DefaultPassingScore
	}
	for i := range t.Questions {
		if t.Questions[i].Points == 0 {
			t.Questions[i].Points = DefaultPoints
		}
	}
}

// Validate checks required fields and quiz consistency.
func (t *Topic) Validate() error {
	t.Title = strings.TrimSpace(t.Title)
	switch {
	case t.Title == "":
		return validationErrorf("title", "is required")
	case strings.TrimSpace(t.Description) == "":
		return validationErrorf("description", "is required")
	case strings.TrimSpace(t.VideoURL) == "":
		return validationErrorf("videoUrl", "is required")
	case t.VideoDuration < 0:
		return validationErrorf("videoDuration", "must not be negative")
	case t.XPReward < 0:
		return validationErrorf("xpReward", "must not be negative")
	case t.PassingScore < 0 || t.PassingScore > 100:
		return validationErrorf("passingScore", "must be between 0 and 100")
	case len(t.Questions) == 0:
		return validationErrorf("questions", "at least one question is required")
	}
	for i, q := range t.Questions {
		field := "questions[" + strconv.Itoa(i) + "]"
		switch {
		case strings.TrimSpace(q.Prompt) == "":
			return validationErrorf(field+".question", "is required")
		case len(q.Options) < 2:
			return validationErrorf(field+".options", "needs at least two options")
		case q.CorrectAnswer < 0 || q.CorrectAnswer >= len(q.Options):
			return validationErrorf(field+".correctAnswer", "must index one of the options")
		case q.Points <= 0:
			return validationErrorf(field+".points", "must be positive")
		}
	}
	return nil
}

// Badge is a year-scoped reward for completing a topic.
type Badge struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	ImageURL    string    `json:"imageUrl"`
	TopicID     string    `json:"topicId"`
	Year        int       `json:"year"`
	IsActive    bool      `json:"isActive"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`

	Version uint64 `json:"-"`
}

func (b *Badge) validate() error {
	b.Name = strings.TrimSpace(b.Name)
	switch {
	case b.Name == "":
		return validationErrorf("name", "is required")
	case strings.TrimSpace(b.Description) == "":
		return validationErrorf("description", "is required")
	case strings.TrimSpace(b.ImageURL) == "":
		return validationErrorf("imageUrl", "is required")
	case b.TopicID == "":
		return validationErrorf("topicId", "is required")
	case b.Year <= 0:
		return validationErrorf("year", "must be positive")
	}
	return nil
}

func badgeTopicKey(topicID string, year int) string {
	return topicID + "@" + strconv.Itoa(year)
}

// Catalog stores topics and badges.
type Catalog struct {
	repo storage.Repository
	now  func() time.Time
}

// NewCatalog returns a Catalog backed by repo.
func NewCatalog(repo storage.Repository, now func() time.Time) *Catalog {
	if now == nil {
		now = time.Now
	}
	return &Catalog{repo: repo, now: now}
}

func getRecord[T any](ctx context.Context, repo storage.Repository, recordType, id string, notFound error) (*T, uint64, error) {
	env, err := repo.Get(ctx, catalogNamespace, recordType, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, 0, notFound
	}
	if err != nil {
		return nil, 0, err
	}
	var v T
	if err := storage.Decode(env, &v); err != nil {
		return nil, 0, err
	}
	return &v, env.Version, nil
}

// ----------------------------------------------------------------------------
// Topics
// ----------------------------------------------------------------------------

// CreateTopic validates and stores t with a new id.
func (c *Catalog) CreateTopic(ctx context.Context, t Topic) (*Topic, error) {
	t.ApplyDefaults()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	now := c.now().UTC()
	t.ID = uuid.NewString()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.Version = 1
	env, err := storage.Encode(&t, t.Version)
	if err != nil {
		return nil, err
	}
	if err := c.repo.PutCAS(ctx, catalogNamespace, topicRecordType, t.ID, 0, env); err != nil {
		return nil, fmt.Errorf("creating topic: %w", err)
	}
	return &t, nil
}

// GetTopic loads a topic by id.
func (c *Catalog) GetTopic(ctx context.Context, id string) (*Topic, error) {
	t, version, err := getRecord[Topic](ctx, c.repo, topicRecordType, id, ErrTopicNotFound)
	if err != nil {
		return nil, err
	}
	t.Version = version
	return t, nil
}

// ListTopics returns topics ordered by Order then title.
func (c *Catalog) ListTopics(ctx context.Context, activeOnly bool) ([]*Topic, error) {
	var out []*Topic
	err := storage.Scan(ctx, c.repo, catalogNamespace, topicRecordType, func(_ string, t *Topic, version uint64) error {
		if activeOnly && !t.IsActive {
			return nil
		}
		t.Version = version
		out = append(out, t)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing topics: %w", err)
	}
	slices.SortFunc(out, func(a, b *Topic) int {
		return cmp.Or(cmp.Compare(a.Order, b.Order), strings.Compare(a.Title, b.Title))
	})
	return out, nil
}

// UpdateTopic applies fn to the stored topic and saves it if it has not
// changed concurrently.
func (c *Catalog) UpdateTopic(ctx context.Context, id string, fn func(t *Topic) error) (*Topic, error) {
	t, err := c.GetTopic(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(t); err != nil {
		return nil, err
	}
	t.ID = id
	t.ApplyDefaults()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	t.UpdatedAt = c.now().UTC()
	env, err := storage.Encode(t, t.Version+1)
	if err != nil {
		return nil, err
	}
	err = c.repo.PutCAS(ctx, catalogNamespace, topicRecordType, id, t.Version, env)
	if errors.Is(err, storage.ErrCASFailed) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("updating topic: %w", err)
	}
	t.Version++
	return t, nil
}

// DeleteTopic removes a topic and every badge attached to it.
func (c *Catalog) DeleteTopic(ctx context.Context, id string) error {
	badges, err := c.ListBadges(ctx, BadgeFilter{TopicID: id})
	if err != nil {
		return err
	}
	return c.repo.Batch(ctx, catalogNamespace, func(tx storage.BatchTx) error {
		if err := tx.Delete(topicRecordType, id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrTopicNotFound
			}
			return err
		}
		for _, b := range badges {
			if err := deleteBadgeInTx(tx, b); err != nil {
				return err
			}
		}
		return nil
	})
}

// ----------------------------------------------------------------------------
// Badges
// ----------------------------------------------------------------------------

// CreateBadge stores a new active badge. A topic has at most one badge per year.
func (c *Catalog) CreateBadge(ctx context.Context, b Badge) (*Badge, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	if _, err := c.GetTopic(ctx, b.TopicID); err != nil {
		if errors.Is(err, ErrTopicNotFound) {
			return nil, validationErrorf("topicId", "does not reference a topic")
		}
		return nil, err
	}
	now := c.now().UTC()
	b.ID = uuid.NewString()
	b.IsActive = true
	b.CreatedAt = now
	b.UpdatedAt = now
	b.Version = 1

	err := c.repo.Batch(ctx, catalogNamespace, func(tx storage.BatchTx) error {
		idx, err := storage.Encode(b.ID, 1)
		if err != nil {
			return err
		}
		if err := tx.PutCAS(badgeTopicIndexType, badgeTopicKey(b.TopicID, b.Year), 0, idx); err != nil {
			if errors.Is(err, storage.ErrCASFailed) {
				return ErrDuplicateBadge
			}
			return err
		}
		env, err := storage.Encode(&b, b.Version)
		if err != nil {
			return err
		}
		return tx.PutCAS(badgeRecordType, b.ID, 0, env)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBadge loads a badge by id.
func (c *Catalog) GetBadge(ctx context.Context, id string) (*Badge, error) {
	b, version, err := getRecord[Badge](ctx, c.repo, badgeRecordType, id, ErrBadgeNotFound)
	if err != nil {
		return nil, err
	}
	b.Version = version
	return b, nil
}

// BadgeFilter narrows ListBadges. Zero fields match everything.
type BadgeFilter struct {
	TopicID    string
	Year       int
	ActiveOnly bool
}

// ListBadges returns matching badges, newest year first.
func (c *Catalog) ListBadges(ctx context.Context, f BadgeFilter) ([]*Badge, error) {
	var out []*Badge
	err := storage.Scan(ctx, c.repo, catalogNamespace, badgeRecordType, func(_ string, b *Badge, version uint64) error {
		if (f.TopicID != "" && b.TopicID != f.TopicID) ||
			(f.Year != 0 && b.Year != f.Year) ||
			(f.ActiveOnly && !b.IsActive) {
			return nil
		}
		b.Version = version
		out = append(out, b)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing badges: %w", err)
	}
	slices.SortFunc(out, func(a, b *Badge) int {
		return cmp.Or(cmp.Compare(b.Year, a.Year), strings.Compare(a.Name, b.Name))
	})
	return out, nil
}

// BadgeForTopic returns the badge awarded for topicID in year.
func (c *Catalog) BadgeForTopic(ctx context.Context, topicID string, year int) (*Badge, error) {
	env, err := c.repo.Get(ctx, catalogNamespace, badgeTopicIndexType, badgeTopicKey(topicID, year))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrBadgeNotFound
	}
	if err != nil {
		return nil, err
	}
	var id string
	if err := storage.Decode(env, &id); err != nil {
		return nil, err
	}
	return c.GetBadge(ctx, id)
}

// UpdateBadge applies fn to the stored badge. Topic and year are fixed at creation.
func (c *Catalog) UpdateBadge(ctx context.Context, id string, fn func(b *Badge) error) (*Badge, error) {
	b, err := c.GetBadge(ctx, id)
	if err != nil {
		return nil, err
	}
	topicID, year := b.TopicID, b.Year
	if err := fn(b); err != nil {
		return nil, err
	}
	b.ID, b.TopicID, b.Year = id, topicID, year
	if err := b.validate(); err != nil {
		return nil, err
	}
	if err := c.saveBadge(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (c *Catalog) saveBadge(ctx context.Context, b *Badge) error {
	b.UpdatedAt = c.now().UTC()
	env, err := storage.Encode(b, b.Version+1)
	if err != nil {
		return err
	}
	err = c.repo.PutCAS(ctx, catalogNamespace, badgeRecordType, b.ID, b.Version, env)
	if errors.Is(err, storage.ErrCASFailed) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("saving badge: %w", err)
	}
	b.Version++
	return nil
}

// DeleteBadge removes a badge and its topic index.
func (c *Catalog) DeleteBadge(ctx context.Context, id string) error {
	b, err := c.GetBadge(ctx, id)
	if err != nil {
		return err
	}
	return c.repo.Batch(ctx, catalogNamespace, func(tx storage.BatchTx) error {
		return deleteBadgeInTx(tx, b)
	})
}

func deleteBadgeInTx(tx storage.BatchTx, b *Badge) error {
	if err := tx.Delete(badgeRecordType, b.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrBadgeNotFound
		}
		return err
	}
	if err := tx.Delete(badgeTopicIndexType, badgeTopicKey(b.TopicID, b.Year)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

// DeactivateBadges marks every active badge of year inactive and returns
// how many changed.
func (c *Catalog) DeactivateBadges(ctx context.Context, year int) (int, error) {
	badges, err := c.ListBadges(ctx, BadgeFilter{Year: year, ActiveOnly: true})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, b := range badges {
		b.IsActive = false
		if err := c.saveBadge(ctx, b); err != nil {
			return n, fmt.Errorf("deactivating badge %s: %w", b.ID, err)
		}
		n++
	}
	return n, nil
}
