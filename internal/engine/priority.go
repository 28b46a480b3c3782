package engine

import (
	"sort"

	"nudgeline/internal/domain"
)

func priorityRank(t domain.NudgeType) int {
	switch {
	case t.IsFollowUp():
		return 0
	case t == domain.TypeMedicationCheckin:
		return 1
	case t == domain.TypeConditionTracking:
		return 2
	default:
		return 3
	}
}

// SortByPriority returns a copy ordered follow-ups first, then medication
// check-ins, then condition tracking, then the rest. Equal ranks keep their
// input order.
func SortByPriority(nudges []domain.Nudge) []domain.Nudge {
	out := append([]domain.Nudge(nil), nudges...)
	sort.SliceStable(out, func(i, j int) bool {
		return priorityRank(out[i].Type) < priorityRank(out[j].Type)
	})
	return out
}
