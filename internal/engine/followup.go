package engine

import (
	"strings"
	"time"

	"nudgeline/internal/domain"
)

var positiveResponses = map[string]bool{
	"taking_it": true,
	"good":      true,
	"none":      true,
	"better":    true,
	"yes":       true,
}

var concerningResponses = map[string]bool{
	"having_trouble": true,
	"issues":         true,
	"concerning":     true,
	"side_effects":   true,
	"worse":          true,
}

// ClassifyResponse maps a structured response value to its category.
// Unknown values are neutral.
func ClassifyResponse(value string) domain.ResponseCategory {
	v := strings.ToLower(strings.TrimSpace(value))
	switch {
	case positiveResponses[v]:
		return domain.ResponsePositive
	case concerningResponses[v]:
		return domain.ResponseConcerning
	default:
		return domain.ResponseNeutral
	}
}

// UrgencyForResponse picks the follow-up urgency for a concerning response.
func UrgencyForResponse(value string) domain.Urgency {
	if strings.ToLower(strings.TrimSpace(value)) == "concerning" {
		return domain.UrgencySameDay
	}
	return domain.UrgencyNextDay
}

// FollowUpTime maps an urgency to a scheduled time. Day-based urgencies land
// on hour:00 in loc. The bool is false when the urgency is unknown and the
// flat one-day fallback was used.
func FollowUpTime(now time.Time, u domain.Urgency, loc *time.Location, hour int) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	atHour := func(days int) time.Time {
		return time.Date(local.Year(), local.Month(), local.Day()+days, hour, 0, 0, 0, loc)
	}
	switch u {
	case domain.UrgencyImmediate:
		return now.Add(30 * time.Minute), true
	case domain.UrgencySameDay:
		return now.Add(4 * time.Hour), true
	case domain.UrgencyNextDay:
		return atHour(1), true
	case domain.UrgencyThreeDays:
		return atHour(3), true
	case domain.UrgencyOneWeek:
		return atHour(7), true
	default:
		return now.Add(24 * time.Hour), false
	}
}

func followUpMessage(src domain.Nudge) string {
	if src.MedicationName != "" {
		return "How are things going with " + src.MedicationName + "?"
	}
	return "How are you feeling since your last check-in?"
}
