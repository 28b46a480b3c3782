package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
)

const (
	userScheme      = "bearerAuth"
	schedulerScheme = "schedulerSecret"
)

// mountDocs serves the decorated OpenAPI document under the base path and a
// Swagger UI at /docs.
func mountDocs(r chi.Router, api huma.API, basePath string) {
	specURL := path.Join(basePath, "openapi.json")
	var (
		once sync.Once
		doc  []byte
		err  error
	)
	r.Get(specURL, func(w http.ResponseWriter, _ *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			decorateSpec(oas, basePath)
			doc, err = json.Marshal(oas)
		})
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "", "render openapi", nil))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	})
	page := []byte(fmt.Sprintf(swaggerPage, specURL))
	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(page)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	var ops []*huma.Operation
	for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Patch, item.Delete, item.Head, item.Options, item.Trace} {
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops
}

// decorateSpec adds the error envelope as every operation's default
// response and documents which credential each route takes.
func decorateSpec(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes[userScheme] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Components.SecuritySchemes[schedulerScheme] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", Description: "Shared scheduler secret"}

	requires := func(scheme string) []map[string][]string {
		return []map[string][]string{{scheme: {}}}
	}
	oas.Security = requires(userScheme)

	errResponse := &huma.Response{
		Description: "Error",
		Content: map[string]*huma.MediaType{
			"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
		},
	}
	auth := newAuthenticator(basePath, AuthConfig{})
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = errResponse
			switch auth.classify(route) {
			case routeOpen:
				op.Security = []map[string][]string{}
			case routeScheduler:
				op.Security = requires(schedulerScheme)
			default:
				op.Security = requires(userScheme)
			}
		}
	}
}

var swaggerPage = strings.TrimSpace(`
<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <title>Nudgeline API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
</head>
<body>
  <div id="ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
  <script>
    window.onload = () => SwaggerUIBundle({url: '%s', dom_id: '#ui'});
  </script>
</body>
</html>`)
