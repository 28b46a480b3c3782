// Package push delivers nudge notifications through Firebase Cloud
// Messaging, or to a log for local runs.
package push

import (
	"context"
	"log"
	"strings"

	"nudgeline/internal/domain"
	"nudgeline/internal/store"
)

// Tokens resolves and prunes device tokens from the token store.
type Tokens struct {
	Store store.TokenStore
}

func (t Tokens) PushTokens(ctx context.Context, userID string) ([]domain.PushToken, error) {
	return t.Store.ListPushTokens(ctx, userID)
}

func (t Tokens) RemoveToken(ctx context.Context, userID, token string) error {
	return t.Store.DeletePushToken(ctx, userID, token)
}

// Console logs each message instead of sending it.
type Console struct {
	Tokens
	Logger *log.Logger
}

func (c Console) Send(_ context.Context, msgs []domain.PushMessage) ([]domain.SendResult, error) {
	logger := c.Logger
	if logger == nil {
		logger = log.Default()
	}
	res := make([]domain.SendResult, 0, len(msgs))
	for _, m := range msgs {
		logger.Printf("push %s: %q %q nudge=%s", maskToken(m.Token), m.Title, m.Body, m.Data["nudgeId"])
		res = append(res, domain.SendResult{Token: m.Token, OK: true})
	}
	return res, nil
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + "..." + token[len(token)-4:]
}
