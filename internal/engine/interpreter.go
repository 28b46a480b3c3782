package engine

import (
	"context"
	"strings"

	"nudgeline/internal/domain"
)

// KeywordInterpreter is the built-in Interpreter used when no external
// interpretation service is configured. It only looks for a few phrases.
type KeywordInterpreter struct{}

var (
	urgentPhrases   = []string{"chest pain", "can't breathe", "cannot breathe", "emergency", "fainted"}
	negativePhrases = []string{"worse", "pain", "dizzy", "nausea", "side effect", "trouble", "not good", "bad", "missed"}
	positivePhrases = []string{"better", "good", "great", "fine", "improving", "no issues", "taking it"}
)

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func (KeywordInterpreter) Interpret(_ context.Context, n domain.Nudge, text string) (domain.Interpretation, error) {
	s := strings.ToLower(text)
	switch {
	case containsAny(s, urgentPhrases):
		return domain.Interpretation{
			Sentiment: domain.SentimentConcerning,
			Summary:   "urgent symptoms reported",
			FollowUp:  &domain.FollowUpRecommendation{Urgency: domain.UrgencyImmediate},
		}, nil
	case containsAny(s, negativePhrases):
		return domain.Interpretation{
			Sentiment: domain.SentimentConcerning,
			Summary:   "concerning response",
			FollowUp:  &domain.FollowUpRecommendation{Urgency: domain.UrgencyNextDay},
		}, nil
	case containsAny(s, positivePhrases):
		return domain.Interpretation{Sentiment: domain.SentimentPositive, Summary: "doing well"}, nil
	default:
		return domain.Interpretation{Sentiment: domain.SentimentNeutral}, nil
	}
}
