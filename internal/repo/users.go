package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"nudgeline/internal/domain"
)

func (r Repo) UserProfile(ctx context.Context, userID string) (domain.UserProfile, error) {
	var p domain.UserProfile
	err := r.DB.QueryRowxContext(ctx, `SELECT id, COALESCE(timezone,'') FROM users WHERE id=?`, userID).Scan(&p.ID, &p.Timezone)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) UpsertUserProfile(ctx context.Context, p domain.UserProfile) error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("user id required")
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,timezone,created_at) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET timezone=excluded.timezone`,
		p.ID, nullable(p.Timezone), formatTS(time.Now()))
	return err
}

type tokenRow struct {
	UserID    string `db:"user_id"`
	Token     string `db:"token"`
	Platform  string `db:"platform"`
	CreatedAt string `db:"created_at"`
}

func (r Repo) ListPushTokens(ctx context.Context, userID string) ([]domain.PushToken, error) {
	var rows []tokenRow
	if err := r.DB.SelectContext(ctx, &rows, `SELECT user_id,token,platform,created_at FROM push_tokens WHERE user_id=? ORDER BY created_at ASC, token ASC`, userID); err != nil {
		return nil, err
	}
	res := make([]domain.PushToken, 0, len(rows))
	for _, row := range rows {
		created, err := parseTS(row.CreatedAt)
		if err != nil {
			return nil, err
		}
		res = append(res, domain.PushToken{UserID: row.UserID, Token: row.Token, Platform: row.Platform, CreatedAt: created})
	}
	return res, nil
}

func (r Repo) UpsertPushToken(ctx context.Context, t domain.PushToken) error {
	if t.UserID == "" || strings.TrimSpace(t.Token) == "" {
		return errors.New("user id and token required")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO push_tokens(user_id,token,platform,created_at) VALUES (?,?,?,?)
ON CONFLICT(user_id,token) DO UPDATE SET platform=excluded.platform`,
		t.UserID, strings.TrimSpace(t.Token), t.Platform, formatTS(t.CreatedAt))
	return err
}

func (r Repo) DeletePushToken(ctx context.Context, userID, token string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM push_tokens WHERE user_id=? AND token=?`, userID, token)
	return err
}
