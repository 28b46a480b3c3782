package docstore

import (
	"time"

	"cloud.google.com/go/firestore"

	"nudgeline/internal/domain"
)

type followUpDoc struct {
	Urgency string `firestore:"urgency"`
	Message string `firestore:"message,omitempty"`
}

type interpretationDoc struct {
	Sentiment string       `firestore:"sentiment"`
	Summary   string       `firestore:"summary,omitempty"`
	FollowUp  *followUpDoc `firestore:"followUp,omitempty"`
}

type nudgeDoc struct {
	UserID              string             `firestore:"userId"`
	Type                string             `firestore:"type"`
	Title               string             `firestore:"title,omitempty"`
	Message             string             `firestore:"message,omitempty"`
	ConditionID         string             `firestore:"conditionId,omitempty"`
	MedicationID        string             `firestore:"medicationId,omitempty"`
	MedicationName      string             `firestore:"medicationName,omitempty"`
	VisitID             string             `firestore:"visitId,omitempty"`
	ScheduledFor        time.Time          `firestore:"scheduledFor"`
	SequenceDay         int                `firestore:"sequenceDay"`
	SequenceID          string             `firestore:"sequenceId,omitempty"`
	Status              string             `firestore:"status"`
	NotificationSent    *bool              `firestore:"notificationSent,omitempty"`
	NotificationSentAt  *time.Time         `firestore:"notificationSentAt,omitempty"`
	NotificationSkipped string             `firestore:"notificationSkipped,omitempty"`
	SendLockExpiresAt   *time.Time         `firestore:"sendLockExpiresAt,omitempty"`
	ResponseValue       string             `firestore:"responseValue,omitempty"`
	Interpretation      *interpretationDoc `firestore:"interpretation,omitempty"`
	CreatedAt           time.Time          `firestore:"createdAt"`
	UpdatedAt           time.Time          `firestore:"updatedAt"`
	DismissedAt         *time.Time         `firestore:"dismissedAt,omitempty"`
	CompletedAt         *time.Time         `firestore:"completedAt,omitempty"`
}

func toInterpretationDoc(i *domain.Interpretation) *interpretationDoc {
	if i == nil {
		return nil
	}
	d := &interpretationDoc{Sentiment: string(i.Sentiment), Summary: i.Summary}
	if i.FollowUp != nil {
		d.FollowUp = &followUpDoc{Urgency: string(i.FollowUp.Urgency), Message: i.FollowUp.Message}
	}
	return d
}

func (d *interpretationDoc) toDomain() *domain.Interpretation {
	if d == nil {
		return nil
	}
	i := &domain.Interpretation{Sentiment: domain.Sentiment(d.Sentiment), Summary: d.Summary}
	if d.FollowUp != nil {
		i.FollowUp = &domain.FollowUpRecommendation{Urgency: domain.Urgency(d.FollowUp.Urgency), Message: d.FollowUp.Message}
	}
	return i
}

func toDoc(n domain.Nudge) nudgeDoc {
	return nudgeDoc{
		UserID:              n.UserID,
		Type:                string(n.Type),
		Title:               n.Title,
		Message:             n.Message,
		ConditionID:         n.ConditionID,
		MedicationID:        n.MedicationID,
		MedicationName:      n.MedicationName,
		VisitID:             n.VisitID,
		ScheduledFor:        n.ScheduledFor,
		SequenceDay:         n.SequenceDay,
		SequenceID:          n.SequenceID,
		Status:              string(n.Status),
		NotificationSent:    n.NotificationSent,
		NotificationSentAt:  n.NotificationSentAt,
		NotificationSkipped: string(n.NotificationSkipped),
		SendLockExpiresAt:   n.LockExpiresAt,
		ResponseValue:       n.ResponseValue,
		Interpretation:      toInterpretationDoc(n.Interpretation),
		CreatedAt:           n.CreatedAt,
		UpdatedAt:           n.UpdatedAt,
		DismissedAt:         n.DismissedAt,
		CompletedAt:         n.CompletedAt,
	}
}

func (d nudgeDoc) toDomain(id string) domain.Nudge {
	return domain.Nudge{
		ID:                  id,
		UserID:              d.UserID,
		Type:                domain.NudgeType(d.Type),
		Title:               d.Title,
		Message:             d.Message,
		ConditionID:         d.ConditionID,
		MedicationID:        d.MedicationID,
		MedicationName:      d.MedicationName,
		VisitID:             d.VisitID,
		ScheduledFor:        d.ScheduledFor,
		SequenceDay:         d.SequenceDay,
		SequenceID:          d.SequenceID,
		Status:              domain.NudgeStatus(d.Status),
		NotificationSent:    d.NotificationSent,
		NotificationSentAt:  d.NotificationSentAt,
		NotificationSkipped: domain.SkipReason(d.NotificationSkipped),
		LockExpiresAt:       d.SendLockExpiresAt,
		ResponseValue:       d.ResponseValue,
		Interpretation:      d.Interpretation.toDomain(),
		CreatedAt:           d.CreatedAt,
		UpdatedAt:           d.UpdatedAt,
		DismissedAt:         d.DismissedAt,
		CompletedAt:         d.CompletedAt,
	}
}

func fromSnapshot(snap *firestore.DocumentSnapshot) (domain.Nudge, error) {
	var d nudgeDoc
	if err := snap.DataTo(&d); err != nil {
		return domain.Nudge{}, err
	}
	return d.toDomain(snap.Ref.ID), nil
}
