package server

import (
	"time"

	"nudgeline/internal/domain"
	"nudgeline/internal/engine"
)

// Request payloads

type RespondRequest struct {
	Response string `json:"response,omitempty" doc:"Structured response value such as taking_it or side_effects"`
	Note     string `json:"note,omitempty" doc:"Free-text answer, interpreted when no response value is given"`
}

type SnoozeRequest struct {
	Minutes int `json:"minutes" minimum:"1" maximum:"10080"`
}

// Response payloads

type NudgeResponse struct {
	ID                  string                 `json:"id"`
	UserID              string                 `json:"user_id"`
	Type                string                 `json:"type"`
	Title               string                 `json:"title"`
	Message             string                 `json:"message"`
	ConditionID         string                 `json:"condition_id,omitempty"`
	MedicationID        string                 `json:"medication_id,omitempty"`
	MedicationName      string                 `json:"medication_name,omitempty"`
	VisitID             string                 `json:"visit_id,omitempty"`
	ScheduledFor        string                 `json:"scheduled_for" format:"date-time"`
	SequenceDay         int                    `json:"sequence_day"`
	SequenceID          string                 `json:"sequence_id,omitempty"`
	Status              string                 `json:"status" enum:"pending,active,snoozed,dismissed,completed"`
	NotificationSent    *bool                  `json:"notification_sent,omitempty"`
	NotificationSentAt  *string                `json:"notification_sent_at,omitempty" format:"date-time"`
	NotificationSkipped string                 `json:"notification_skipped,omitempty"`
	ResponseValue       string                 `json:"response_value,omitempty"`
	Interpretation      *domain.Interpretation `json:"interpretation,omitempty"`
	CreatedAt           string                 `json:"created_at" format:"date-time"`
	UpdatedAt           string                 `json:"updated_at" format:"date-time"`
	DismissedAt         *string                `json:"dismissed_at,omitempty" format:"date-time"`
	CompletedAt         *string                `json:"completed_at,omitempty" format:"date-time"`
}

type nudgeList struct {
	Items []NudgeResponse `json:"items"`
}

type RespondResponse struct {
	Nudge             NudgeResponse          `json:"nudge"`
	Category          string                 `json:"category" enum:"positive,concerning,neutral,free_text"`
	DismissedSiblings int                    `json:"dismissed_siblings"`
	FollowUp          *NudgeResponse         `json:"follow_up,omitempty"`
	Interpretation    *domain.Interpretation `json:"interpretation,omitempty"`
}

type ProcessResponse struct {
	Success           bool   `json:"success"`
	RanAt             string `json:"ran_at" format:"date-time"`
	Scanned           int    `json:"scanned"`
	Processed         int    `json:"processed"`
	Notified          int    `json:"notified"`
	Errors            int    `json:"errors"`
	SkippedDailyLimit int    `json:"skipped_daily_limit"`
	SkippedQuietHours int    `json:"skipped_quiet_hours"`
	LockContended     int    `json:"lock_contended"`
}

type BackfillResponse struct {
	Success bool `json:"success"`
	Updated int  `json:"updated"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func nudgeResponse(n domain.Nudge) NudgeResponse {
	return NudgeResponse{
		ID:                  n.ID,
		UserID:              n.UserID,
		Type:                string(n.Type),
		Title:               n.Title,
		Message:             n.Message,
		ConditionID:         n.ConditionID,
		MedicationID:        n.MedicationID,
		MedicationName:      n.MedicationName,
		VisitID:             n.VisitID,
		ScheduledFor:        formatTime(n.ScheduledFor),
		SequenceDay:         n.SequenceDay,
		SequenceID:          n.SequenceID,
		Status:              string(n.Status),
		NotificationSent:    n.NotificationSent,
		NotificationSentAt:  formatTimePtr(n.NotificationSentAt),
		NotificationSkipped: string(n.NotificationSkipped),
		ResponseValue:       n.ResponseValue,
		Interpretation:      n.Interpretation,
		CreatedAt:           formatTime(n.CreatedAt),
		UpdatedAt:           formatTime(n.UpdatedAt),
		DismissedAt:         formatTimePtr(n.DismissedAt),
		CompletedAt:         formatTimePtr(n.CompletedAt),
	}
}

func mapNudges(items []domain.Nudge) []NudgeResponse {
	res := make([]NudgeResponse, 0, len(items))
	for _, n := range items {
		res = append(res, nudgeResponse(n))
	}
	return res
}

func respondResponse(r engine.RespondResult) RespondResponse {
	out := RespondResponse{
		Nudge:             nudgeResponse(r.Nudge),
		Category:          string(r.Category),
		DismissedSiblings: r.DismissedSiblings,
		Interpretation:    r.Interpretation,
	}
	if r.FollowUp != nil {
		f := nudgeResponse(*r.FollowUp)
		out.FollowUp = &f
	}
	return out
}

func processResponse(s domain.ProcessStats, ranAt time.Time) ProcessResponse {
	return ProcessResponse{
		Success:           true,
		RanAt:             formatTime(ranAt),
		Scanned:           s.Scanned,
		Processed:         s.Processed,
		Notified:          s.Notified,
		Errors:            s.Errors,
		SkippedDailyLimit: s.SkippedDailyLimit,
		SkippedQuietHours: s.SkippedQuietHours,
		LockContended:     s.LockContended,
	}
}
