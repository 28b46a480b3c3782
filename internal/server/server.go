package server

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"nudgeline/internal/engine"
	"nudgeline/internal/store"
)

const defaultBasePath = "/v0"

// Config wires the engine and credentials into the HTTP API.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *log.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"nudge 42 is already completed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"status\":\"completed\"}"`
}

// apiError is the {"error": {...}} envelope every failure is rendered in.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

var statusCodes = map[int]string{
	http.StatusBadRequest:          "bad_request",
	http.StatusUnauthorized:        "unauthorized",
	http.StatusForbidden:           "forbidden",
	http.StatusNotFound:            "not_found",
	http.StatusConflict:            "conflict",
	http.StatusUnprocessableEntity: "validation_failed",
	http.StatusInternalServerError: "internal_error",
}

func codeFor(status int) string {
	if code, ok := statusCodes[status]; ok {
		return code
	}
	return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = codeFor(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
}

// installErrorEnvelope routes huma's own errors through apiError. Request
// validation failures are reported as 400 rather than 422.
func installErrorEnvelope() {
	huma.NewError = func(status int, msg string, _ ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}
}

// New returns the API handler. Routes live under BasePath (default /v0);
// /docs serves a Swagger UI for the generated document.
func New(cfg Config) (http.Handler, error) {
	basePath := normalizeBasePath(cfg.BasePath)
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	installErrorEnvelope()

	router := chi.NewRouter()
	router.Use(newAuthenticator(basePath, cfg.Auth).middleware)

	hcfg := huma.DefaultConfig("Nudgeline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)

	routes := huma.NewGroup(api, basePath)
	registerHealth(routes)
	registerScheduler(routes, cfg.Engine)
	registerNudges(routes, cfg.Engine)

	mountDocs(router, api, basePath)
	return router, nil
}

func normalizeBasePath(p string) string {
	p = strings.TrimRight(strings.TrimSpace(p), "/")
	if p == "" {
		return defaultBasePath
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// toStatusError maps engine and store failures onto HTTP statuses.
func toStatusError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var (
		forbidden engine.ForbiddenError
		conflict  engine.ConflictError
	)
	switch {
	case errors.As(err, &forbidden):
		return newAPIError(http.StatusForbidden, "", err.Error(), map[string]any{"nudge_id": forbidden.NudgeID})
	case errors.As(err, &conflict):
		return newAPIError(http.StatusConflict, "", err.Error(), map[string]any{"status": string(conflict.Status)})
	case errors.Is(err, store.ErrNotFound):
		return newAPIError(http.StatusNotFound, "", err.Error(), nil)
	case isInputError(err):
		return newAPIError(http.StatusBadRequest, "", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "", "internal error", map[string]any{"error": err.Error()})
}

func isInputError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, word := range []string{"invalid", "missing", "required"} {
		if strings.Contains(msg, word) {
			return true
		}
	}
	return false
}
