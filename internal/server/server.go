package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/Krestall88/cleaning-control/internal/domain"
	"github.com/Krestall88/cleaning-control/internal/engine"
	"github.com/Krestall88/cleaning-control/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// BaseContext bounds background workers started by the handler (the
	// webhook dispatcher); they stop when it is canceled. Defaults to
	// context.Background().
	BaseContext context.Context
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"validation failed: completion requires at least one photo"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the cleaning-control API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Cleaning Control API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerLocations(group, cfg.Engine)
	registerDefinitions(group, cfg.Engine)
	registerOccurrences(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	baseCtx := cfg.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	startWebhookDispatcher(baseCtx, cfg.Engine)

	return router, nil
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"requirement": ve.Requirement})
	}
	var te engine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": string(te.From), "to": string(te.To)})
	}
	if errors.Is(err, engine.ErrUnavailable) {
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown") || strings.Contains(lowered, "precedes"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "invalid_transition"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Cleaning Control API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Workspace status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		counts, err := e.Repo.CountOccurrencesByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		defs, err := e.Repo.ListDefinitions(ctx, repo.DefinitionFilters{})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"definitions":       len(defs),
			"occurrence_counts": counts,
		}}, nil
	})
}

func registerLocations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-location",
		Method:        http.MethodPost,
		Path:          "/locations",
		Summary:       "Register location",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateLocationRequest `json:"body"`
	}) (*struct {
		Body LocationResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.LocationCreateOptions{Name: input.Body.Name, ActorID: actorID}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Path != nil {
			opts.Path = *input.Body.Path
		}
		if input.Body.SortKey != nil {
			opts.SortKey = *input.Body.SortKey
		}
		l, err := e.CreateLocation(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LocationResponse `json:"body"`
		}{Body: locationResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-locations",
		Method:      http.MethodGet,
		Path:        "/locations",
		Summary:     "List locations",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []LocationResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListLocations(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []LocationResponse `json:"body"`
		}{Body: mapLocations(items)}, nil
	})
}

func registerDefinitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-definition",
		Method:        http.MethodPost,
		Path:          "/definitions",
		Summary:       "Create recurring definition",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateDefinitionRequest `json:"body"`
	}) (*struct {
		Body DefinitionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.DefinitionCreateOptions{
			LocationID:     input.Body.LocationID,
			Frequency:      input.Body.Frequency,
			RequirePhoto:   input.Body.RequirePhoto,
			RequireComment: input.Body.RequireComment,
			ActorID:        actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.ResponsibleActor != nil {
			opts.ResponsibleActor = *input.Body.ResponsibleActor
		}
		if input.Body.Timezone != nil {
			opts.Timezone = *input.Body.Timezone
		}
		if input.Body.ActiveFrom != nil {
			opts.ActiveFrom = *input.Body.ActiveFrom
		}
		if input.Body.ActiveUntil != nil {
			opts.ActiveUntil = *input.Body.ActiveUntil
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		d, err := e.CreateDefinition(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DefinitionResponse `json:"body"`
		}{Body: definitionResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-definitions",
		Method:      http.MethodGet,
		Path:        "/definitions",
		Summary:     "List definitions",
	}, func(ctx context.Context, input *struct {
		LocationID string `query:"location_id"`
		Actor      string `query:"actor"`
		ActiveOn   string `query:"active_on"`
	}) (*struct {
		Body []DefinitionResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListDefinitions(ctx, repo.DefinitionFilters{
			LocationID:       input.LocationID,
			ResponsibleActor: input.Actor,
			ActiveOn:         input.ActiveOn,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DefinitionResponse `json:"body"`
		}{Body: mapDefinitions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-definition",
		Method:      http.MethodGet,
		Path:        "/definitions/{definition_id}",
		Summary:     "Get definition",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DefinitionID string `path:"definition_id"`
	}) (*struct {
		Body DefinitionResponse `json:"body"`
	}, error) {
		d, err := e.Repo.GetDefinition(ctx, input.DefinitionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DefinitionResponse `json:"body"`
		}{Body: definitionResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-definition",
		Method:      http.MethodPatch,
		Path:        "/definitions/{definition_id}",
		Summary:     "Update definition",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		DefinitionID string                  `path:"definition_id"`
		Body         UpdateDefinitionRequest `json:"body"`
	}) (*struct {
		Body DefinitionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.UpdateDefinition(ctx, engine.DefinitionUpdateOptions{
			ID:               input.DefinitionID,
			LocationID:       input.Body.LocationID,
			ResponsibleActor: input.Body.ResponsibleActor,
			Frequency:        input.Body.Frequency,
			Timezone:         input.Body.Timezone,
			ActiveUntil:      input.Body.ActiveUntil,
			RequirePhoto:     input.Body.RequirePhoto,
			RequireComment:   input.Body.RequireComment,
			Description:      input.Body.Description,
			ActorID:          actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DefinitionResponse `json:"body"`
		}{Body: definitionResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retire-definition",
		Method:      http.MethodPost,
		Path:        "/definitions/{definition_id}/retire",
		Summary:     "Retire definition",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		DefinitionID string                  `path:"definition_id"`
		Body         RetireDefinitionRequest `json:"body"`
	}) (*struct {
		Body DefinitionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		until := ""
		if input.Body.Until != nil {
			until = *input.Body.Until
		}
		d, err := e.RetireDefinition(ctx, input.DefinitionID, until, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DefinitionResponse `json:"body"`
		}{Body: definitionResponse(d)}, nil
	})
}

type OccurrenceKeyPath struct {
	DefinitionID string `path:"definition_id"`
	DueDate      string `path:"due_date"`
}

func (p OccurrenceKeyPath) key() domain.OccurrenceKey {
	return domain.OccurrenceKey{DefinitionID: p.DefinitionID, DueDate: p.DueDate}
}

func registerOccurrences(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-occurrences",
		Method:      http.MethodGet,
		Path:        "/occurrences",
		Summary:     "Project the occurrence calendar for a window",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		From       string `query:"from" required:"true"`
		To         string `query:"to" required:"true"`
		LocationID string `query:"location_id"`
		Actor      string `query:"actor"`
		Status     string `query:"status" doc:"Comma-separated status filter"`
	}) (*struct {
		Body CalendarResponse `json:"body"`
	}, error) {
		opts := engine.ProjectOptions{
			From:       input.From,
			To:         input.To,
			LocationID: input.LocationID,
			Actor:      input.Actor,
		}
		for _, s := range strings.Split(input.Status, ",") {
			s = strings.TrimSpace(strings.ToUpper(s))
			if s != "" {
				opts.Statuses = append(opts.Statuses, domain.Status(s))
			}
		}
		res, err := e.Project(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CalendarResponse `json:"body"`
		}{Body: calendarResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-occurrence",
		Method:      http.MethodGet,
		Path:        "/occurrences/{definition_id}/{due_date}",
		Summary:     "Get a materialized occurrence",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *OccurrenceKeyPath) (*struct {
		Body OccurrenceResponse `json:"body"`
	}, error) {
		o, err := e.Repo.GetOccurrence(ctx, input.key())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OccurrenceResponse `json:"body"`
		}{Body: occurrenceResponse(o)}, nil
	})

	mutationErrors := []int{
		http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusUnprocessableEntity,
		http.StatusServiceUnavailable,
	}

	applyAndRespond := func(ctx context.Context, key domain.OccurrenceKey, m engine.Mutation) (*struct {
		Body OccurrenceResponse `json:"body"`
	}, error) {
		o, err := e.Apply(ctx, key, m)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OccurrenceResponse `json:"body"`
		}{Body: occurrenceResponse(o)}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "claim-occurrence",
		Method:      http.MethodPost,
		Path:        "/occurrences/{definition_id}/{due_date}/claim",
		Summary:     "Claim an occurrence",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *OccurrenceKeyPath) (*struct {
		Body OccurrenceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return applyAndRespond(ctx, input.key(), engine.Claim{Actor: actorID})
	})

	huma.Register(api, huma.Operation{
		OperationID: "comment-occurrence",
		Method:      http.MethodPost,
		Path:        "/occurrences/{definition_id}/{due_date}/comment",
		Summary:     "Comment on an occurrence",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		OccurrenceKeyPath
		Body CommentRequest `json:"body"`
	}) (*struct {
		Body OccurrenceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return applyAndRespond(ctx, input.key(), engine.Comment{Actor: actorID, Text: input.Body.Text})
	})

	huma.Register(api, huma.Operation{
		OperationID: "attach-evidence",
		Method:      http.MethodPost,
		Path:        "/occurrences/{definition_id}/{due_date}/evidence",
		Summary:     "Attach photo evidence",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		OccurrenceKeyPath
		Body EvidenceRequest `json:"body"`
	}) (*struct {
		Body OccurrenceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return applyAndRespond(ctx, input.key(), engine.AttachEvidence{Actor: actorID, PhotoRefs: input.Body.PhotoRefs})
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-occurrence",
		Method:      http.MethodPost,
		Path:        "/occurrences/{definition_id}/{due_date}/complete",
		Summary:     "Complete an occurrence",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		OccurrenceKeyPath
		Body CompleteRequest `json:"body"`
	}) (*struct {
		Body OccurrenceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m := engine.Complete{Actor: actorID, PhotoRefs: input.Body.PhotoRefs}
		if input.Body.Comment != nil {
			m.Comment = *input.Body.Comment
		}
		return applyAndRespond(ctx, input.key(), m)
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-occurrence",
		Method:      http.MethodPost,
		Path:        "/occurrences/{definition_id}/{due_date}/fail",
		Summary:     "Fail an occurrence",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		OccurrenceKeyPath
		Body FailRequest `json:"body"`
	}) (*struct {
		Body OccurrenceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return applyAndRespond(ctx, input.key(), engine.Fail{Actor: actorID, Reason: input.Body.Reason})
	})

	huma.Register(api, huma.Operation{
		OperationID: "override-occurrence",
		Method:      http.MethodPost,
		Path:        "/occurrences/{definition_id}/{due_date}/override",
		Summary:     "Administrative status override",
		Description: "Bypasses the lifecycle guard, including terminal states. The reason is recorded in the audit log.",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		OccurrenceKeyPath
		Body OverrideRequest `json:"body"`
	}) (*struct {
		Body OccurrenceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return applyAndRespond(ctx, input.key(), engine.Override{
			Actor:  actorID,
			Status: domain.Status(strings.ToUpper(input.Body.Status)),
			Reason: input.Body.Reason,
		})
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the audit log",
	}, func(ctx context.Context, input *struct {
		N            int    `query:"n" default:"20"`
		Type         string `query:"type"`
		DefinitionID string `query:"definition_id"`
		DueDate      string `query:"due_date"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if input.N <= 0 {
			input.N = 20
		}
		events, err := e.Repo.LatestEvents(ctx, input.N, input.Type, input.DefinitionID, input.DueDate)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(events)}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-apikey",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		plaintext, key, err := e.CreateAPIKey(ctx, input.Body.ActorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: apiKeyResponse(key, plaintext)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-apikeys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, apiKeyResponse(k, ""))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-apikey",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
