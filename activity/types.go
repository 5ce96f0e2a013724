// Package activity is the append-only audit trail of security-relevant
// and training events.
package activity

import (
	"bytes"
	"encoding/json"
	"time"
)

// Action identifies the kind of an activity entry.
type Action string

const (
	ActionLogin             Action = "login"
	ActionLogout            Action = "logout"
	ActionLogoutAll         Action = "logout_all_devices"
	ActionPasswordChange    Action = "password_change"
	ActionSessionRevoked    Action = "session_revoked"
	ActionVideoWatched      Action = "video_watched"
	ActionQuizStarted       Action = "quiz_started"
	ActionQuizCompleted     Action = "quiz_completed"
	ActionBadgeEarned       Action = "badge_earned"
	ActionTopicCompleted    Action = "topic_completed"
	ActionProfileUpdated    Action = "profile_updated"
	ActionAccountRequest    Action = "account_request"
	ActionAccountApproved   Action = "account_approved"
	ActionAccountDeleted    Action = "account_deleted"
	ActionTrainingYearReset Action = "training_year_reset"
	ActionUserProgressReset Action = "user_progress_reset"
)

var validActions = map[Action]bool{
	ActionLogin:             true,
	ActionLogout:            true,
	ActionLogoutAll:         true,
	ActionPasswordChange:    true,
	ActionSessionRevoked:    true,
	ActionVideoWatched:      true,
	ActionQuizStarted:       true,
	ActionQuizCompleted:     true,
	ActionBadgeEarned:       true,
	ActionTopicCompleted:    true,
	ActionProfileUpdated:    true,
	ActionAccountRequest:    true,
	ActionAccountApproved:   true,
	ActionAccountDeleted:    true,
	ActionTrainingYearReset: true,
	ActionUserProgressReset: true,
}

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	return validActions[a]
}

// Details is the action-specific payload of an entry. Each variant names
// the action it describes; Unstructured carries arbitrary fields for any action.
type Details interface {
	Action() Action
}

// ----------------------------------------------------------------------------
// Sessions and credentials
// ----------------------------------------------------------------------------

type LoginDetails struct {
	SessionID  string `json:"sessionId"`
	DeviceType string `json:"deviceType"`
	Browser    string `json:"browser"`
	OS         string `json:"os"`
}

type LogoutDetails struct {
	SessionID string `json:"sessionId"`
}

type LogoutAllDetails struct {
	SessionsEnded int `json:"sessionsEnded"`
}

type PasswordChangeDetails struct{}

type SessionRevokedDetails struct {
	SessionID string `json:"sessionId"`
}

func (LoginDetails) Action() Action          { return ActionLogin }
func (LogoutDetails) Action() Action         { return ActionLogout }
func (LogoutAllDetails) Action() Action      { return ActionLogoutAll }
func (PasswordChangeDetails) Action() Action { return ActionPasswordChange }
func (SessionRevokedDetails) Action() Action { return ActionSessionRevoked }

// ----------------------------------------------------------------------------
// Training
// ----------------------------------------------------------------------------

type VideoWatchedDetails struct {
	TopicID    string `json:"topicId"`
	TopicTitle string `json:"topicTitle,omitempty"`
	Year       int    `json:"year"`
}

type QuizStartedDetails struct {
	TopicID    string `json:"topicId"`
	TopicTitle string `json:"topicTitle,omitempty"`
}

type QuizCompletedDetails struct {
	TopicID string `json:"topicId"`
	Score   int    `json:"score"`
	Passed  bool   `json:"passed"`
	Year    int    `json:"year"`
}

type BadgeEarnedDetails struct {
	BadgeID   string `json:"badgeId"`
	BadgeName string `json:"badgeName"`
	TopicID   string `json:"topicId"`
	Year      int    `json:"year"`
}

type TopicCompletedDetails struct {
	TopicID  string `json:"topicId"`
	XPEarned int    `json:"xpEarned"`
	Year     int    `json:"year"`
}

func (VideoWatchedDetails) Action() Action   { return ActionVideoWatched }
func (QuizStartedDetails) Action() Action    { return ActionQuizStarted }
func (QuizCompletedDetails) Action() Action  { return ActionQuizCompleted }
func (BadgeEarnedDetails) Action() Action    { return ActionBadgeEarned }
func (TopicCompletedDetails) Action() Action { return ActionTopicCompleted }

// ----------------------------------------------------------------------------
// Accounts and administration
// ----------------------------------------------------------------------------

type ProfileUpdatedDetails struct {
	// TargetUserID is set when an admin edits another user's profile.
	TargetUserID  string   `json:"targetUserId,omitempty"`
	FieldsChanged []string `json:"fieldsChanged"`
}

type AccountRequestDetails struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

type AccountApprovedDetails struct {
	TargetUserID      string `json:"targetUserId"`
	TargetUsername    string `json:"targetUsername"`
	PasswordGenerated bool   `json:"passwordGenerated"`
}

type AccountDeletedDetails struct {
	TargetUserID   string `json:"targetUserId"`
	TargetUsername string `json:"targetUsername"`
	SessionsEnded  int    `json:"sessionsEnded"`
}

type TrainingYearResetDetails struct {
	OldYear         int `json:"oldYear"`
	NewYear         int `json:"newYear"`
	UsersArchived   int `json:"usersArchived"`
	AlreadyArchived int `json:"alreadyArchived"`
}

type UserProgressResetDetails struct {
	TargetUserID   string `json:"targetUserId"`
	TargetUsername string `json:"targetUsername"`
	Year           int    `json:"year"`
}

func (ProfileUpdatedDetails) Action() Action    { return ActionProfileUpdated }
func (AccountRequestDetails) Action() Action    { return ActionAccountRequest }
func (AccountApprovedDetails) Action() Action   { return ActionAccountApproved }
func (AccountDeletedDetails) Action() Action    { return ActionAccountDeleted }
func (TrainingYearResetDetails) Action() Action { return ActionTrainingYearReset }
func (UserProgressResetDetails) Action() Action { return ActionUserProgressReset }

// Unstructured is the catch-all variant: free-form fields for Kind.
type Unstructured struct {
	Kind   Action
	Fields map[string]any
}

func (u Unstructured) Action() Action { return u.Kind }

func (u Unstructured) MarshalJSON() ([]byte, error) {
	if u.Fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(u.Fields)
}

// newDetails returns a pointer to the zero variant for a, or nil when a
// has no typed variant.
func newDetails(a Action) Details {
	switch a {
	case ActionLogin:
		return &LoginDetails{}
	case ActionLogout:
		return &LogoutDetails{}
	case ActionLogoutAll:
		return &LogoutAllDetails{}
	case ActionPasswordChange:
		return &PasswordChangeDetails{}
	case ActionSessionRevoked:
		return &SessionRevokedDetails{}
	case ActionVideoWatched:
		return &VideoWatchedDetails{}
	case ActionQuizStarted:
		return &QuizStartedDetails{}
	case ActionQuizCompleted:
		return &QuizCompletedDetails{}
	case ActionBadgeEarned:
		return &BadgeEarnedDetails{}
	case ActionTopicCompleted:
		return &TopicCompletedDetails{}
	case ActionProfileUpdated:
		return &ProfileUpdatedDetails{}
	case ActionAccountRequest:
		return &AccountRequestDetails{}
	case ActionAccountApproved:
		return &AccountApprovedDetails{}
	case ActionAccountDeleted:
		return &AccountDeletedDetails{}
	case ActionTrainingYearReset:
		return &TrainingYearResetDetails{}
	case ActionUserProgressReset:
		return &UserProgressResetDetails{}
	}
	return nil
}

// deref turns the pointer produced by newDetails back into a value variant.
func deref(d Details) Details {
	switch v := d.(type) {
	case *LoginDetails:
		return *v
	case *LogoutDetails:
		return *v
	case *LogoutAllDetails:
		return *v
	case *PasswordChangeDetails:
		return *v
	case *SessionRevokedDetails:
		return *v
	case *VideoWatchedDetails:
		return *v
	case *QuizStartedDetails:
		return *v
	case *QuizCompletedDetails:
		return *v
	case *BadgeEarnedDetails:
		return *v
	case *TopicCompletedDetails:
		return *v
	case *ProfileUpdatedDetails:
		return *v
	case *AccountRequestDetails:
		return *v
	case *AccountApprovedDetails:
		return *v
	case *AccountDeletedDetails:
		return *v
	case *TrainingYearResetDetails:
		return *v
	case *UserProgressResetDetails:
		return *v
	}
	return d
}

// Entry is one immutable activity record.
type Entry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Action    Action    `json:"action"`
	Details   Details   `json:"details"`
	IPAddress string    `json:"ipAddress"`
	UserAgent string    `json:"userAgent,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// UnmarshalJSON decodes Details into the variant matching Action. Payloads
// that do not fit the variant, and unknown actions, become Unstructured.
func (e *Entry) UnmarshalJSON(data []byte) error {
	type plain Entry
	var aux struct {
		plain
		Details json.RawMessage `json:"details"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*e = Entry(aux.plain)
	e.Details = DecodeDetails(e.Action, aux.Details)
	return nil
}

// DecodeDetails decodes raw into the detail variant for a, falling back to
// Unstructured.
func DecodeDetails(a Action, raw json.RawMessage) Details {
	if d := newDetails(a); d != nil {
		if len(raw) == 0 || string(raw) == "null" {
			return deref(d)
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(d); err == nil {
			return deref(d)
		}
	}
	u := Unstructured{Kind: a}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &u.Fields)
	}
	return u
}
