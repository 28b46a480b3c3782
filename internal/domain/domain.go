package domain

import "time"

type NudgeStatus string

const (
	StatusPending   NudgeStatus = "pending"
	StatusActive    NudgeStatus = "active"
	StatusSnoozed   NudgeStatus = "snoozed"
	StatusDismissed NudgeStatus = "dismissed"
	StatusCompleted NudgeStatus = "completed"
)

func (s NudgeStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusSnoozed, StatusDismissed, StatusCompleted:
		return true
	}
	return false
}

// Closed reports whether the nudge no longer accepts responses.
func (s NudgeStatus) Closed() bool {
	return s == StatusCompleted || s == StatusDismissed
}

type NudgeType string

const (
	TypeFollowUp          NudgeType = "followup"
	TypeFollowUpLegacy    NudgeType = "follow_up"
	TypeMedicationCheckin NudgeType = "medication_checkin"
	TypeConditionTracking NudgeType = "condition_tracking"
	TypeInsight           NudgeType = "insight"
)

// IsFollowUp accepts both the current and the legacy spelling.
func (t NudgeType) IsFollowUp() bool {
	return t == TypeFollowUp || t == TypeFollowUpLegacy
}

func (t NudgeType) Valid() bool {
	switch t {
	case TypeFollowUp, TypeFollowUpLegacy, TypeMedicationCheckin, TypeConditionTracking, TypeInsight:
		return true
	}
	return false
}

type SkipReason string

const (
	SkipNoPushTokens SkipReason = "no_push_tokens"
	SkipDailyLimit   SkipReason = "daily_limit"
	SkipQuietHours   SkipReason = "quiet_hours"
)

type Urgency string

const (
	UrgencyImmediate Urgency = "immediate"
	UrgencySameDay   Urgency = "same_day"
	UrgencyNextDay   Urgency = "next_day"
	UrgencyThreeDays Urgency = "3_days"
	UrgencyOneWeek   Urgency = "1_week"
)

type ResponseCategory string

const (
	ResponsePositive   ResponseCategory = "positive"
	ResponseConcerning ResponseCategory = "concerning"
	ResponseNeutral    ResponseCategory = "neutral"
	ResponseFreeText   ResponseCategory = "free_text"
)

type Sentiment string

const (
	SentimentPositive   Sentiment = "positive"
	SentimentNeutral    Sentiment = "neutral"
	SentimentConcerning Sentiment = "concerning"
)

// Nudge is a scheduled check-in message for one user.
type Nudge struct {
	ID                  string          `json:"id"`
	UserID              string          `json:"user_id"`
	Type                NudgeType       `json:"type"`
	Title               string          `json:"title"`
	Message             string          `json:"message"`
	ConditionID         string          `json:"condition_id,omitempty"`
	MedicationID        string          `json:"medication_id,omitempty"`
	MedicationName      string          `json:"medication_name,omitempty"`
	VisitID             string          `json:"visit_id,omitempty"`
	ScheduledFor        time.Time       `json:"scheduled_for" format:"date-time"`
	SequenceDay         int             `json:"sequence_day"`
	SequenceID          string          `json:"sequence_id,omitempty"`
	Status              NudgeStatus     `json:"status" enum:"pending,active,snoozed,dismissed,completed"`
	NotificationSent    *bool           `json:"notification_sent,omitempty"`
	NotificationSentAt  *time.Time      `json:"notification_sent_at,omitempty" format:"date-time"`
	NotificationSkipped SkipReason      `json:"notification_skipped,omitempty"`
	LockExpiresAt       *time.Time      `json:"lock_expires_at,omitempty" format:"date-time"`
	ResponseValue       string          `json:"response_value,omitempty"`
	Interpretation      *Interpretation `json:"interpretation,omitempty"`
	CreatedAt           time.Time       `json:"created_at" format:"date-time"`
	UpdatedAt           time.Time       `json:"updated_at" format:"date-time"`
	DismissedAt         *time.Time      `json:"dismissed_at,omitempty" format:"date-time"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty" format:"date-time"`
}

// Notified treats an absent flag as false.
func (n Nudge) Notified() bool {
	return n.NotificationSent != nil && *n.NotificationSent
}

// Interpretation is the structured reading of a free-text response.
type Interpretation struct {
	Sentiment Sentiment               `json:"sentiment"`
	Summary   string                  `json:"summary,omitempty"`
	FollowUp  *FollowUpRecommendation `json:"follow_up,omitempty"`
}

type FollowUpRecommendation struct {
	Urgency Urgency `json:"urgency"`
	Message string  `json:"message,omitempty"`
}

type UserProfile struct {
	ID       string `json:"id"`
	Timezone string `json:"timezone,omitempty"`
}

type PushToken struct {
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	Platform  string    `json:"platform,omitempty"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

// PushMessage is one notification addressed to one device token.
type PushMessage struct {
	Token string            `json:"token"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// SendResult is the per-token outcome of a dispatch. Permanent failures
// mean the token should be pruned.
type SendResult struct {
	Token         string `json:"token"`
	OK            bool   `json:"ok"`
	FailureReason string `json:"failure_reason,omitempty"`
	Permanent     bool   `json:"permanent,omitempty"`
}

// ProcessStats summarizes one processor run.
type ProcessStats struct {
	Scanned           int `json:"scanned"`
	Processed         int `json:"processed"`
	Notified          int `json:"notified"`
	Errors            int `json:"errors"`
	SkippedDailyLimit int `json:"skipped_daily_limit"`
	SkippedQuietHours int `json:"skipped_quiet_hours"`
	LockContended     int `json:"lock_contended"`
}

func (s *ProcessStats) Add(o ProcessStats) {
	s.Scanned += o.Scanned
	s.Processed += o.Processed
	s.Notified += o.Notified
	s.Errors += o.Errors
	s.SkippedDailyLimit += o.SkippedDailyLimit
	s.SkippedQuietHours += o.SkippedQuietHours
	s.LockContended += o.LockContended
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	UserID  string `json:"user_id,omitempty"`
	NudgeID string `json:"nudge_id,omitempty"`
	Payload string `json:"payload,omitempty"`
}
