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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"sevtrack/internal/audit"
	"sevtrack/internal/engine"
	"sevtrack/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"duplicate_pair"`
	Message string         `json:"message" example:"system Encomendas in environment QA already selected"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"system\":\"Encomendas\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the SEV Tracker API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
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
	hcfg := huma.DefaultConfig("SEV Tracker API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDrafts(group, cfg.Engine)
	registerSystems(group, cfg.Engine)
	registerFields(group, cfg.Engine)
	registerKeys(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerHistory(group, cfg.Engine)
	registerAuditLog(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
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
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		details := make(map[string]any, len(ve.Fields))
		for k, v := range ve.Fields {
			details[k] = v
		}
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), details)
	}
	var dupe engine.DuplicatePairError
	if errors.As(err, &dupe) {
		return newAPIError(http.StatusConflict, "duplicate_pair", err.Error(), map[string]any{
			"system":      dupe.System,
			"environment": dupe.Environment,
		})
	}
	var ike engine.InvalidKeyError
	if errors.As(err, &ike) {
		return newAPIError(http.StatusNotFound, "invalid_key", err.Error(), nil)
	}
	var ewe engine.EditWindowExpiredError
	if errors.As(err, &ewe) {
		return newAPIError(http.StatusConflict, "edit_window_expired", err.Error(), map[string]any{
			"end_time": ewe.EndTime.Format(time.RFC3339),
		})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrSessionReadOnly):
		return newAPIError(http.StatusConflict, "session_read_only", err.Error(), nil)
	case errors.Is(err, engine.ErrEvidenceTooLarge):
		return newAPIError(http.StatusRequestEntityTooLarge, "evidence_too_large", err.Error(), nil)
	case errors.Is(err, engine.ErrIncompleteValidation),
		errors.Is(err, engine.ErrMissingSignature),
		errors.Is(err, engine.ErrMissingAuditorConfirmation),
		errors.Is(err, engine.ErrEmptySelection),
		errors.Is(err, engine.ErrEmptyFieldSet):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	case errors.Is(err, engine.ErrMissingFieldName):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "out of range"):
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
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
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
	open := map[string]bool{
		ensureLeadingSlash(path.Join(basePath, "health")):         true,
		ensureLeadingSlash(path.Join(basePath, "auth/dev/login")): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func ensureLeadingSlash(p string) string {
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>SEV Tracker API Docs</title>
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

func registerDrafts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-draft",
		Method:        http.MethodPost,
		Path:          "/drafts",
		Summary:       "Create validation draft",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateDraftRequest `json:"body"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.CreateDraft(ctx, engine.DraftOptions{
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Type:        input.Body.Type,
			Division:    input.Body.Division,
			Responsible: input.Body.Responsible,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: draftResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-drafts",
		Method:      http.MethodGet,
		Path:        "/drafts",
		Summary:     "List validation drafts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []DraftResponse `json:"body"`
	}, error) {
		if _, authErr := identityFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListDrafts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DraftResponse `json:"body"`
		}{Body: mapDrafts(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-draft",
		Method:      http.MethodGet,
		Path:        "/drafts/{draft_id}",
		Summary:     "Get validation draft",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DraftID string `path:"draft_id"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		if _, authErr := identityFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		d, err := e.Repo.GetDraft(ctx, input.DraftID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: draftResponse(d)}, nil
	})
}

func registerSystems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-draft-system",
		Method:        http.MethodPost,
		Path:          "/drafts/{draft_id}/systems",
		Summary:       "Add system/environment pair",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		DraftID string `path:"draft_id"`
		Body    AddSystemRequest `json:"body"`
	}) (*struct {
		Body []SystemResponse `json:"body"`
	}, error) {
		actor, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.AddSystem(ctx, input.DraftID, input.Body.System, input.Body.Environment, actor); err != nil {
			return nil, handleError(err)
		}
		systems, err := e.Repo.ListDraftSystems(ctx, input.DraftID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SystemResponse `json:"body"`
		}{Body: mapSystems(systems)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-draft-systems",
		Method:      http.MethodGet,
		Path:        "/drafts/{draft_id}/systems",
		Summary:     "List selected system/environment pairs",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DraftID string `path:"draft_id"`
	}) (*struct {
		Body []SystemResponse `json:"body"`
	}, error) {
		if _, authErr := identityFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetDraft(ctx, input.DraftID); err != nil {
			return nil, handleError(err)
		}
		systems, err := e.Repo.ListDraftSystems(ctx, input.DraftID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SystemResponse `json:"body"`
		}{Body: mapSystems(systems)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-draft-system",
		Method:      http.MethodDelete,
		Path:        "/drafts/{draft_id}/systems/{index}",
		Summary:     "Remove pair by position",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DraftID string `path:"draft_id"`
		Index   int    `path:"index"`
	}) (*struct{}, error) {
		actor, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveSystem(ctx, input.DraftID, input.Index, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-draft-systems",
		Method:      http.MethodPost,
		Path:        "/drafts/{draft_id}/systems/confirm",
		Summary:     "Confirm selection set",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		DraftID string `path:"draft_id"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		actor, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.ConfirmSelection(ctx, input.DraftID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: draftResponse(d)}, nil
	})
}

func registerFields(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-draft-field",
		Method:        http.MethodPost,
		Path:          "/drafts/{draft_id}/fields",
		Summary:       "Add checklist field",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		DraftID string `path:"draft_id"`
		Body    AddFieldRequest `json:"body"`
	}) (*struct {
		Body FieldResponse `json:"body"`
	}, error) {
		actor, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.AddField(ctx, input.DraftID, engine.FieldOptions{
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Type:        input.Body.Type,
			Required:    input.Body.Required,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FieldResponse `json:"body"`
		}{Body: fieldResponse(f)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-draft-fields",
		Method:      http.MethodGet,
		Path:        "/drafts/{draft_id}/fields",
		Summary:     "List checklist fields",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DraftID string `path:"draft_id"`
	}) (*struct {
		Body []FieldResponse `json:"body"`
	}, error) {
		if _, authErr := identityFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetDraft(ctx, input.DraftID); err != nil {
			return nil, handleError(err)
		}
		fields, err := e.Repo.ListFields(ctx, input.DraftID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []FieldResponse `json:"body"`
		}{Body: mapFields(fields)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-draft-field",
		Method:      http.MethodDelete,
		Path:        "/drafts/{draft_id}/fields/{field_id}",
		Summary:     "Remove checklist field",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DraftID string `path:"draft_id"`
		FieldID string `path:"field_id"`
	}) (*struct{}, error) {
		actor, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveField(ctx, input.DraftID, input.FieldID, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-draft-field",
		Method:      http.MethodPost,
		Path:        "/drafts/{draft_id}/fields/move",
		Summary:     "Move checklist field up or down",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DraftID string `path:"draft_id"`
		Body    struct {
			Index     int    `json:"index"`
			Direction string `json:"direction" enum:"up,down"`
		} `json:"body"`
	}) (*struct {
		Body []FieldResponse `json:"body"`
	}, error) {
		actor, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var err error
		switch input.Body.Direction {
		case "up":
			err = e.MoveFieldUp(ctx, input.DraftID, input.Body.Index, actor)
		case "down":
			err = e.MoveFieldDown(ctx, input.DraftID, input.Body.Index, actor)
		default:
			err = fmt.Errorf("invalid direction %q", input.Body.Direction)
		}
		if err != nil {
			return nil, handleError(err)
		}
		fields, err := e.Repo.ListFields(ctx, input.DraftID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []FieldResponse `json:"body"`
		}{Body: mapFields(fields)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-draft-fields",
		Method:      http.MethodPost,
		Path:        "/drafts/{draft_id}/fields/confirm",
		Summary:     "Confirm checklist structure",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		DraftID string `path:"draft_id"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		actor, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.ConfirmFields(ctx, input.DraftID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: draftResponse(d)}, nil
	})
}

func registerKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "issue-access-key",
		Method:        http.MethodPost,
		Path:          "/drafts/{draft_id}/keys",
		Summary:       "Issue access key for a configured draft",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		DraftID string `path:"draft_id"`
	}) (*struct {
		Body PendingResponse `json:"body"`
	}, error) {
		actor, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.IssueKey(ctx, input.DraftID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PendingResponse `json:"body"`
		}{Body: pendingResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pending",
		Method:      http.MethodGet,
		Path:        "/pending",
		Summary:     "List validations awaiting a tester",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []PendingResponse `json:"body"`
	}, error) {
		if _, authErr := identityFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListPending(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]PendingResponse, 0, len(items))
		for _, p := range items {
			out = append(out, pendingResponse(p))
		}
		return &struct {
			Body []PendingResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "redeem-access-key",
		Method:        http.MethodPost,
		Path:          "/sessions/redeem",
		Summary:       "Redeem access key and start a session",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body struct {
			AccessKey string `json:"access_key" example:"VAL-M1X2Y3Z4-AB12CD"`
		} `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		actor, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.RedeemKey(ctx, input.Body.AccessKey, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s, true, engine.CanFinalize(s))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "start-legacy-session",
		Method:        http.MethodPost,
		Path:          "/sessions/legacy",
		Summary:       "Start a session from the canonical checklist",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Division    string `json:"division" example:"Passageiros"`
			System      string `json:"system" example:"Encomendas"`
			Environment string `json:"environment" example:"QA"`
			GMUDNumber  string `json:"gmud_number,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		actor, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.StartLegacySession(ctx, engine.LegacyOptions{
			Division:    input.Body.Division,
			System:      input.Body.System,
			Environment: input.Body.Environment,
			GMUDNumber:  input.Body.GMUDNumber,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s, true, engine.CanFinalize(s))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if _, authErr := identityFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		s, err := e.Repo.GetSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s, e.IsEditable(s), engine.CanFinalize(s))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-item-status",
		Method:      http.MethodPatch,
		Path:        "/sessions/{session_id}/items/{item_id}/status",
		Summary:     "Set item judgement",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		ItemID    string `path:"item_id"`
		Body      struct {
			Status string `json:"status" enum:",OK,Falhou,Não se aplica"`
		} `json:"body"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		actor, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.SetItemStatus(ctx, input.SessionID, input.ItemID, input.Body.Status, actor); err != nil {
			return nil, handleError(err)
		}
		it, err := e.Repo.GetItem(ctx, input.SessionID, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(it)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "attach-evidence",
		Method:      http.MethodPut,
		Path:        "/sessions/{session_id}/items/{item_id}/evidence",
		Summary:     "Attach evidence file to an item",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusRequestEntityTooLarge,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		ItemID    string `path:"item_id"`
		Body      struct {
			Filename string `json:"filename" example:"evidencia-login.png"`
			Data     []byte `json:"data"`
		} `json:"body"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		actor, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(input.Body.Data) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "data is required", nil)
		}
		if err := e.AttachEvidence(ctx, input.SessionID, input.ItemID, input.Body.Filename, input.Body.Data, actor); err != nil {
			return nil, handleError(err)
		}
		it, err := e.Repo.GetItem(ctx, input.SessionID, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(it)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-item-comment",
		Method:      http.MethodPut,
		Path:        "/sessions/{session_id}/items/{item_id}/comment",
		Summary:     "Set item comment",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		ItemID    string `path:"item_id"`
		Body      struct {
			Comment string `json:"comment"`
		} `json:"body"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		actor, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.SetComment(ctx, input.SessionID, input.ItemID, input.Body.Comment, actor); err != nil {
			return nil, handleError(err)
		}
		it, err := e.Repo.GetItem(ctx, input.SessionID, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(it)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalize-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/finalize",
		Summary:     "Finalize session",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		Body      struct {
			Signature        string `json:"signature" example:"Maria Silva"`
			AuditorConfirmed bool   `json:"auditor_confirmed,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		actor, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.Finalize(ctx, input.SessionID, input.Body.Signature, input.Body.AuditorConfirmed, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s, e.IsEditable(s), true)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reopen-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/reopen",
		Summary:     "Reopen a concluded session inside the edit window",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		actor, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.Reopen(ctx, input.SessionID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s, e.IsEditable(s), engine.CanFinalize(s))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-session-report",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/report",
		Summary:     "Export a session as a plaintext report",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}, error) {
		actor, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		data, err := e.SessionReport(ctx, input.SessionID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			ContentType string `header:"Content-Type"`
			Body        []byte
		}{ContentType: "text/plain; charset=utf-8", Body: data}, nil
	})
}

func registerHistory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-history",
		Method:      http.MethodGet,
		Path:        "/history",
		Summary:     "List finalized validations",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []SessionResponse `json:"body"`
	}, error) {
		actor, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sessions, err := e.ListHistory(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]SessionResponse, 0, len(sessions))
		for _, s := range sessions {
			out = append(out, sessionResponse(s, e.IsEditable(s), true))
		}
		return &struct {
			Body []SessionResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerAuditLog(api huma.API, e engine.Engine) {
	type auditQuery struct {
		User        string `query:"user"`
		Department  string `query:"department"`
		DateStart   string `query:"date_start"`
		DateEnd     string `query:"date_end"`
		System      string `query:"system"`
		Environment string `query:"environment"`
		Action      string `query:"action"`
	}
	parseFilters := func(q auditQuery) (audit.Filters, error) {
		f := audit.Filters{
			User:        q.User,
			Department:  q.Department,
			System:      q.System,
			Environment: q.Environment,
			Action:      q.Action,
		}
		if q.DateStart != "" {
			t, err := time.Parse("2006-01-02", q.DateStart)
			if err != nil {
				return f, fmt.Errorf("invalid date_start: %w", err)
			}
			f.DateStart = &t
		}
		if q.DateEnd != "" {
			t, err := time.Parse("2006-01-02", q.DateEnd)
			if err != nil {
				return f, fmt.Errorf("invalid date_end: %w", err)
			}
			f.DateEnd = &t
		}
		return f, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-audit-log",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Query the audit log",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *auditQuery) (*struct {
		Body []AuditEntryResponse `json:"body"`
	}, error) {
		if _, authErr := identityFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		filters, err := parseFilters(*input)
		if err != nil {
			return nil, handleError(err)
		}
		entries, err := e.Audit.Query(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AuditEntryResponse `json:"body"`
		}{Body: mapAuditEntries(entries)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-audit-log",
		Method:      http.MethodGet,
		Path:        "/audit/export",
		Summary:     "Export the filtered audit log",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		auditQuery
		Format string `query:"format" enum:"csv,tsv,report" default:"csv"`
	}) (*struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}, error) {
		actor, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		filters, err := parseFilters(input.auditQuery)
		if err != nil {
			return nil, handleError(err)
		}
		entries, err := e.Audit.Query(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		format := input.Format
		if format == "" {
			format = audit.FormatCSV
		}
		data, err := audit.Export(entries, format)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.Audit.AppendStandalone(ctx, audit.Entry{
			User:       actor.Name,
			Department: actor.Department,
			Action:     audit.ActionReportExported,
			Details:    fmt.Sprintf("Exportação de log: %s, Registros: %d", format, len(entries)),
		}); err != nil {
			return nil, handleError(err)
		}
		ct := "text/csv; charset=utf-8"
		if format != audit.FormatCSV {
			ct = "text/plain; charset=utf-8"
		}
		return &struct {
			ContentType string `header:"Content-Type"`
			Body        []byte
		}{ContentType: ct, Body: data}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Authenticated identity",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"name":       p.Identity.Name,
			"role":       p.Identity.Role,
			"department": p.Identity.Department,
			"source":     p.Source,
		}}, nil
	})
}

// registerDevAuth issues short-lived HS256 tokens for local development.
// Disabled unless a JWT secret is configured.
func registerDevAuth(api huma.API, cfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Issue a development token",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Name       string `json:"name" example:"Maria Silva"`
			Role       string `json:"role,omitempty" enum:",testador,auditor,administrador"`
			Department string `json:"department,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if strings.TrimSpace(cfg.JWTSecret) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "jwt secret not configured", nil)
		}
		if strings.TrimSpace(input.Body.Name) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		now := time.Now()
		claims := jwtClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   input.Body.Name,
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(12 * time.Hour)),
			},
			Role:       input.Body.Role,
			Department: input.Body.Department,
		}
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := token.SignedString([]byte(cfg.JWTSecret))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"token": signed}}, nil
	})
}
