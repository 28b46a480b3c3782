package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"nudgeline/internal/domain"
	"nudgeline/internal/engine"
	"nudgeline/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// reply is the response shape shared by every JSON operation.
type reply[T any] struct {
	Body T
}

func replyWith[T any](body T) *reply[T] { return &reply[T]{Body: body} }

type nudgeIDInput struct {
	ID string `path:"id" doc:"Nudge id"`
}

type healthBody struct {
	Status string `json:"status" example:"ok"`
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Liveness probe",
	}, func(context.Context, *struct{}) (*reply[healthBody], error) {
		return replyWith(healthBody{Status: "ok"}), nil
	})
}

func registerScheduler(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "process-due-nudges",
		Method:      http.MethodPost,
		Path:        "/scheduler/process-due-nudges",
		Summary:     "Run one notification delivery pass",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*reply[ProcessResponse], error) {
		now := e.Clock()
		if _, err := e.WakeSnoozed(ctx, now); err != nil {
			return nil, toStatusError(err)
		}
		stats, err := e.ProcessDueNudges(ctx, now)
		if err != nil {
			return nil, toStatusError(err)
		}
		return replyWith(processResponse(stats, now)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "backfill-notification-sent",
		Method:      http.MethodPost,
		Path:        "/scheduler/backfill-notification-sent",
		Summary:     "Stamp notificationSent=false on legacy pending nudges",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*reply[BackfillResponse], error) {
		n, err := e.Backfill(ctx)
		if err != nil {
			return nil, toStatusError(err)
		}
		return replyWith(BackfillResponse{Success: true, Updated: n}), nil
	})
}

type listNudgesInput struct {
	Status string `query:"status" enum:"pending,active,snoozed,dismissed,completed"`
	UserID string `query:"user_id" doc:"Admin only; other callers always see their own nudges"`
	Limit  int    `query:"limit" default:"50"`
}

type respondInput struct {
	ID   string `path:"id"`
	Body RespondRequest
}

type snoozeInput struct {
	ID   string `path:"id"`
	Body SnoozeRequest
}

// nudgeRoutes holds the handlers for the user-facing nudge operations. Each
// handler resolves the caller's scope before touching the engine.
type nudgeRoutes struct {
	e engine.Engine
}

func registerNudges(api huma.API, e engine.Engine) {
	h := nudgeRoutes{e: e}
	userErrors := []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound}

	huma.Register(api, huma.Operation{
		OperationID: "list-nudges",
		Method:      http.MethodGet,
		Path:        "/nudges",
		Summary:     "List nudges",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, h.list)
	huma.Register(api, huma.Operation{
		OperationID: "get-nudge",
		Method:      http.MethodGet,
		Path:        "/nudges/{id}",
		Summary:     "Get nudge",
		Errors:      userErrors,
	}, h.get)
	huma.Register(api, huma.Operation{
		OperationID: "respond-nudge",
		Method:      http.MethodPost,
		Path:        "/nudges/{id}/respond",
		Summary:     "Respond to a nudge",
		Errors:      append([]int{http.StatusBadRequest, http.StatusConflict}, userErrors...),
	}, h.respond)
	huma.Register(api, huma.Operation{
		OperationID: "snooze-nudge",
		Method:      http.MethodPost,
		Path:        "/nudges/{id}/snooze",
		Summary:     "Snooze a nudge",
		Errors:      append([]int{http.StatusBadRequest, http.StatusConflict}, userErrors...),
	}, h.snooze)
	huma.Register(api, huma.Operation{
		OperationID: "dismiss-nudge",
		Method:      http.MethodPost,
		Path:        "/nudges/{id}/dismiss",
		Summary:     "Dismiss a nudge",
		Errors:      append([]int{http.StatusConflict}, userErrors...),
	}, h.dismiss)
}

func (h nudgeRoutes) list(ctx context.Context, in *listNudgesInput) (*reply[nudgeList], error) {
	scope, authErr := userScope(ctx)
	if authErr != nil {
		return nil, authErr
	}
	if scope == "" {
		scope = in.UserID
	}
	items, err := h.e.ListNudges(ctx, store.NudgeFilter{
		UserID: scope,
		Status: domain.NudgeStatus(in.Status),
		Limit:  clampLimit(in.Limit),
	})
	if err != nil {
		return nil, toStatusError(err)
	}
	return replyWith(nudgeList{Items: mapNudges(items)}), nil
}

func (h nudgeRoutes) get(ctx context.Context, in *nudgeIDInput) (*reply[NudgeResponse], error) {
	scope, authErr := userScope(ctx)
	if authErr != nil {
		return nil, authErr
	}
	n, err := h.e.GetNudge(ctx, in.ID, scope)
	if err != nil {
		return nil, toStatusError(err)
	}
	return replyWith(nudgeResponse(n)), nil
}

func (h nudgeRoutes) respond(ctx context.Context, in *respondInput) (*reply[RespondResponse], error) {
	scope, authErr := userScope(ctx)
	if authErr != nil {
		return nil, authErr
	}
	res, err := h.e.Respond(ctx, engine.RespondOptions{
		NudgeID:  in.ID,
		UserID:   scope,
		Response: in.Body.Response,
		Note:     in.Body.Note,
		Now:      h.e.Clock(),
	})
	if err != nil {
		return nil, toStatusError(err)
	}
	return replyWith(respondResponse(res)), nil
}

func (h nudgeRoutes) snooze(ctx context.Context, in *snoozeInput) (*reply[NudgeResponse], error) {
	scope, authErr := userScope(ctx)
	if authErr != nil {
		return nil, authErr
	}
	now := h.e.Clock()
	n, err := h.e.Snooze(ctx, in.ID, scope, now.Add(time.Duration(in.Body.Minutes)*time.Minute), now)
	if err != nil {
		return nil, toStatusError(err)
	}
	return replyWith(nudgeResponse(n)), nil
}

func (h nudgeRoutes) dismiss(ctx context.Context, in *nudgeIDInput) (*reply[NudgeResponse], error) {
	scope, authErr := userScope(ctx)
	if authErr != nil {
		return nil, authErr
	}
	n, err := h.e.Dismiss(ctx, in.ID, scope, h.e.Clock())
	if err != nil {
		return nil, toStatusError(err)
	}
	return replyWith(nudgeResponse(n)), nil
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return defaultListLimit
	case n > maxListLimit:
		return maxListLimit
	default:
		return n
	}
}
