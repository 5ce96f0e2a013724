package api

import (
	"encoding/json"
	"time"

	"github.com/Yuz-tech/gamified-ims/activity"
	"github.com/Yuz-tech/gamified-ims/session"
	"github.com/Yuz-tech/gamified-ims/training"
	"github.com/Yuz-tech/gamified-ims/users"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse acknowledges an operation without a payload.
type MessageResponse struct {
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

// RequestAccountRequest is the JSON body for POST /auth/request-account.
type RequestAccountRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

// LoginRequest is the JSON body for POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is returned from POST /auth/login.
type LoginResponse struct {
	Token     string       `json:"token"`
	User      UserResponse `json:"user"`
	SessionID string       `json:"sessionId"`
	ExpiresAt time.Time    `json:"expiresAt"`
}

// ChangePasswordRequest is the JSON body for POST /auth/change-password.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// LogoutAllResponse is returned from POST /auth/logout-all.
type LogoutAllResponse struct {
	Message       string `json:"message"`
	SessionsEnded int    `json:"sessionsEnded"`
}

// SessionResponse describes one of the caller's active sessions.
type SessionResponse struct {
	ID           string    `json:"id"`
	DeviceType   string    `json:"deviceType"`
	Browser      string    `json:"browser"`
	OS           string    `json:"os"`
	IPAddress    string    `json:"ipAddress"`
	LastActivity time.Time `json:"lastActivity"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	IsCurrent    bool      `json:"isCurrent"`
}

func newSessionResponse(s *session.Session, currentID string) SessionResponse {
	return SessionResponse{
		ID:           s.ID,
		DeviceType:   s.Device.Type,
		Browser:      s.Device.Browser,
		OS:           s.Device.OS,
		IPAddress:    s.Device.IPAddress,
		LastActivity: s.LastActivity,
		CreatedAt:    s.CreatedAt,
		ExpiresAt:    s.ExpiresAt,
		IsCurrent:    s.ID == currentID,
	}
}

// UserResponse is a user without credential material.
type UserResponse struct {
	ID              string                 `json:"id"`
	Username        string                 `json:"username"`
	Email           string                 `json:"email"`
	Role            users.Role             `json:"role"`
	Approved        bool                   `json:"isApproved"`
	XP              int                    `json:"xp"`
	Level           int                    `json:"level"`
	CompletedTopics []users.CompletedTopic `json:"completedTopics"`
	Badges          []users.EarnedBadge    `json:"badges"`
	WatchedVideos   []users.WatchedVideo   `json:"watchedVideos"`
	YearlyArchive   []users.YearlyArchive  `json:"yearlyArchive"`
	RequestedAt     time.Time              `json:"requestedAt"`
	CreatedAt       time.Time              `json:"createdAt"`
}

func newUserResponse(u *users.User) UserResponse {
	return UserResponse{
		ID:              u.ID,
		Username:        u.Username,
		Email:           u.Email,
		Role:            u.Role,
		Approved:        u.Approved,
		XP:              u.XP,
		Level:           u.Level,
		CompletedTopics: nonNil(u.CompletedTopics),
		Badges:          nonNil(u.Badges),
		WatchedVideos:   nonNil(u.WatchedVideos),
		YearlyArchive:   nonNil(u.YearlyArchive),
		RequestedAt:     u.RequestedAt,
		CreatedAt:       u.CreatedAt,
	}
}

func newUserResponses(list []*users.User) []UserResponse {
	out := make([]UserResponse, 0, len(list))
	for _, u := range list {
		out = append(out, newUserResponse(u))
	}
	return out
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// ---------------------------------------------------------------------------
// Training
// ---------------------------------------------------------------------------

// QuestionResponse is a quiz question with its answer withheld.
type QuestionResponse struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
	Points   int      `json:"points"`
}

// TopicResponse is a topic as presented to a learner.
type TopicResponse struct {
	ID             string             `json:"id"`
	Title          string             `json:"title"`
	Description    string             `json:"description"`
	VideoURL       string             `json:"videoUrl"`
	VideoDuration  int                `json:"videoDuration"`
	Order          int                `json:"order"`
	XPReward       int                `json:"xpReward"`
	PassingScore   int                `json:"passingScore"`
	Questions      []QuestionResponse `json:"questions"`
	Year           int                `json:"year"`
	IsCompleted    bool               `json:"isCompleted"`
	IsVideoWatched bool               `json:"isVideoWatched"`
}

func newTopicResponse(st training.TopicStatus) TopicResponse {
	t := st.Topic
	qs := make([]QuestionResponse, 0, len(t.Questions))
	for _, q := range t.Questions {
		qs = append(qs, QuestionResponse{Question: q.Prompt, Options: q.Options, Points: q.Points})
	}
	return TopicResponse{
		ID:             t.ID,
		Title:          t.Title,
		Description:    t.Description,
		VideoURL:       t.VideoURL,
		VideoDuration:  t.VideoDuration,
		Order:          t.Order,
		XPReward:       t.XPReward,
		PassingScore:   t.PassingScore,
		Questions:      qs,
		Year:           st.Year,
		IsCompleted:    st.IsCompleted,
		IsVideoWatched: st.IsVideoWatched,
	}
}

// SubmitQuizRequest is the JSON body for POST /topics/{topicID}/submit-quiz.
type SubmitQuizRequest struct {
	Answers []int `json:"answers"`
}

// ---------------------------------------------------------------------------
// Admin
// ---------------------------------------------------------------------------

// CreateUserRequest is the JSON body for POST /admin/users. An empty
// password is generated and returned once.
type CreateUserRequest struct {
	Username string     `json:"username"`
	Email    string     `json:"email"`
	Password string     `json:"password,omitempty"`
	Role     users.Role `json:"role,omitempty"`
}

// UpdateUserRequest is the JSON body for PUT /admin/users/{userID}.
// Omitted fields are left unchanged.
type UpdateUserRequest struct {
	Username *string     `json:"username,omitempty"`
	Email    *string     `json:"email,omitempty"`
	Role     *users.Role `json:"role,omitempty"`
	Approved *bool       `json:"isApproved,omitempty"`
	XP       *int        `json:"xp,omitempty"`
}

// ApproveUserRequest is the optional JSON body for POST /admin/approve-user/{userID}.
type ApproveUserRequest struct {
	Password string `json:"password,omitempty"`
}

// AccountResponse is returned when an admin creates or approves an account.
// GeneratedPassword is only set when the server chose the password.
type AccountResponse struct {
	Message           string       `json:"message"`
	User              UserResponse `json:"user"`
	GeneratedPassword string       `json:"generatedPassword,omitempty"`
}

// UserListResponse is returned from GET /admin/users.
type UserListResponse struct {
	Users      []UserResponse `json:"users"`
	Pagination PaginationMeta `json:"pagination"`
}

// ResetProgressRequest is the optional JSON body for
// POST /admin/users/{userID}/reset-progress. Year defaults to the current year.
type ResetProgressRequest struct {
	Year int `json:"year,omitempty"`
}

// TopicRequest is the JSON body for creating or replacing a topic.
type TopicRequest struct {
	Title         string              `json:"title"`
	Description   string              `json:"description"`
	VideoURL      string              `json:"videoUrl"`
	VideoDuration int                 `json:"videoDuration"`
	Order         int                 `json:"order"`
	XPReward      int                 `json:"xpReward"`
	PassingScore  int                 `json:"passingScore"`
	Questions     []training.Question `json:"questions"`
	IsActive      *bool               `json:"isActive,omitempty"`
}

// BadgeRequest is the JSON body for creating a badge.
type BadgeRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ImageURL    string `json:"imageUrl"`
	TopicID     string `json:"topicId"`
	// Year defaults to the current training year.
	Year int `json:"year,omitempty"`
}

// UpdateBadgeRequest is the JSON body for PUT /admin/badges/{badgeID}.
// A badge's topic and year are fixed at creation.
type UpdateBadgeRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	ImageURL    *string `json:"imageUrl,omitempty"`
	IsActive    *bool   `json:"isActive,omitempty"`
}

// ActivityLogResponse is an activity entry with the actor resolved.
type ActivityLogResponse struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	Username  string           `json:"username"`
	Email     string           `json:"email"`
	Action    activity.Action  `json:"action"`
	Details   activity.Details `json:"details"`
	IPAddress string           `json:"ipAddress"`
	UserAgent string           `json:"userAgent,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}

// UnmarshalJSON decodes Details into the variant matching Action.
func (r *ActivityLogResponse) UnmarshalJSON(data []byte) error {
	type plain ActivityLogResponse
	var aux struct {
		plain
		Details json.RawMessage `json:"details"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = ActivityLogResponse(aux.plain)
	r.Details = activity.DecodeDetails(r.Action, aux.Details)
	return nil
}

// ResetTrainingYearRequest is the JSON body for POST /admin/reset-training-year.
type ResetTrainingYearRequest struct {
	NewYear int `json:"newYear"`
}

// ResetTrainingYearResponse is returned from POST /admin/reset-training-year.
type ResetTrainingYearResponse struct {
	Message string `json:"message"`
	training.ResetResult
}
