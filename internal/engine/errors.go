package engine

import (
	"fmt"

	"nudgeline/internal/domain"
)

// ForbiddenError indicates the nudge belongs to another user.
type ForbiddenError struct {
	NudgeID string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("nudge %s belongs to another user", e.NudgeID)
}

// ConflictError indicates the nudge is in a state that rejects the operation.
type ConflictError struct {
	NudgeID string
	Status  domain.NudgeStatus
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("nudge %s is already %s", e.NudgeID, e.Status)
}
