package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"privrelay/internal/domain"
	"privrelay/internal/events"
	"privrelay/internal/privacygroup"
	"privrelay/internal/recovery"
	"privrelay/internal/repo"
	"privrelay/internal/resolver"
)

// Config for the HTTP API handler.
type Config struct {
	BasePath  string
	Auth      AuthConfig
	Repo      repo.Repo
	Resend    *recovery.BatchResendManager
	Groups    *privacygroup.Manager
	Resolver  *resolver.Resolver
	MaxPasses int
	Events    events.Writer
	Log       zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"invalid publicKey: public key is required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"publicKey\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the node API.
func New(cfg Config) (http.Handler, error) {
	basePath := strings.TrimRight(cfg.BasePath, "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		if status == http.StatusUnprocessableEntity {
			// request shape errors are client errors like any other validation failure
			status = http.StatusBadRequest
			return newAPIError(status, "validation_failed", msg, details)
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(hlog.NewHandler(cfg.Log))
	router.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	router.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("request")
	}))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo))
	hcfg := huma.DefaultConfig("privrelay API", "1.0.0")
	hcfg.OpenAPIPath = "" // served by registerOpenAPI
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	var group huma.API = api
	if basePath != "" {
		group = huma.NewGroup(api, basePath)
	}

	registerDocs(router, basePath)
	registerUpcheck(group)
	registerRecovery(group, cfg)
	registerPrivacyGroups(group, cfg)
	registerStaging(group, cfg)
	registerEvents(group, cfg)
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
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		details := map[string]any{"field": ve.Field}
		if ve.Mode != domain.UnknownPrivacyMode {
			details["privacyMode"] = ve.Mode.String()
		}
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), details)
	}
	switch {
	case errors.Is(err, privacygroup.ErrPublish):
		return newAPIError(http.StatusBadGateway, "publish_failed", err.Error(), nil)
	case errors.Is(err, domain.ErrStoreUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusBadGateway:
		return "publish_failed"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func routePath(basePath, p string) string {
	return path.Join("/", basePath, p)
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(routePath(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(routePath(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
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
	upcheckPath := routePath(basePath, "upcheck")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == upcheckPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := routePath(basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>privrelay API Docs</title>
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

func registerUpcheck(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "upcheck",
		Method:      http.MethodGet,
		Path:        "/upcheck",
		Summary:     "Liveness check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}, error) {
		return &struct {
			ContentType string `header:"Content-Type"`
			Body        []byte
		}{ContentType: "text/plain", Body: []byte("I'm up!")}, nil
	})
}

func registerRecovery(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "resend-batch",
		Method:      http.MethodPost,
		Path:        "/resendBatch",
		Summary:     "Push every stored transaction for a key back to its node",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body domain.ResendBatchRequest `json:"body"`
	}) (*struct {
		Body domain.ResendBatchResponse `json:"body"`
	}, error) {
		zerolog.Ctx(ctx).Debug().Str("from", subject(ctx)).Int("batchSize", input.Body.BatchSize).Msg("resend requested")
		resp, err := cfg.Resend.ResendBatch(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ResendBatchResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "push-batch",
		Method:      http.MethodPost,
		Path:        "/pushBatch",
		Summary:     "Stage a batch of pushed payloads",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body domain.PushBatchRequest `json:"body"`
	}) (*struct {
		Body recovery.StoreResult `json:"body"`
	}, error) {
		zerolog.Ctx(ctx).Debug().
			Str("from", subject(ctx)).
			Int("payloads", len(input.Body.EncodedPayloads)).
			Msg("push batch received")
		res, err := cfg.Resend.StoreResendBatch(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body recovery.StoreResult `json:"body"`
		}{Body: res}, nil
	})
}

// parseGroupID accepts a group id in standard or URL-safe base64, padded or not.
func parseGroupID(raw string) (domain.PublicKey, error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "=")
	raw = strings.NewReplacer("+", "-", "/", "_").Replace(raw)
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil || len(b) == 0 {
		return "", &domain.ValidationError{Field: "privacyGroupId", Reason: "group id must be non-empty base64"}
	}
	return domain.PublicKeyFromBytes(b), nil
}

func registerPrivacyGroups(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "push-privacy-group",
		Method:      http.MethodPost,
		Path:        "/pushPrivacyGroup",
		Summary:     "Store a privacy group pushed by another member",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body PushPrivacyGroupRequest `json:"body"`
	}) (*struct{}, error) {
		if err := cfg.Groups.StorePrivacyGroup(ctx, input.Body.PrivacyGroupData); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-privacy-group",
		Method:        http.MethodPost,
		Path:          "/groups",
		Summary:       "Create a privacy group and distribute it to its members",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusBadGateway, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body CreateGroupRequest `json:"body"`
	}) (*struct {
		Body domain.PrivacyGroup `json:"body"`
	}, error) {
		g, err := cfg.Groups.CreatePrivacyGroup(ctx, input.Body.From, input.Body.Members, input.Body.Name, input.Body.Description)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PrivacyGroup `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "find-privacy-group",
		Method:      http.MethodPost,
		Path:        "/groups/find",
		Summary:     "Find active groups with exactly the given members",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body FindGroupRequest `json:"body"`
	}) (*struct {
		Body paginatedGroups `json:"body"`
	}, error) {
		items, err := cfg.Groups.FindPrivacyGroup(ctx, input.Body.Members)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedGroups `json:"body"`
		}{Body: paginatedGroups{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-privacy-groups",
		Method:      http.MethodGet,
		Path:        "/groups",
		Summary:     "List every stored privacy group",
		Errors:      []int{http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body paginatedGroups `json:"body"`
	}, error) {
		items, err := cfg.Groups.ListPrivacyGroups(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedGroups `json:"body"`
		}{Body: paginatedGroups{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-privacy-group",
		Method:      http.MethodGet,
		Path:        "/groups/{id}",
		Summary:     "Retrieve a privacy group in any state",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id" doc:"Group id in URL-safe base64"`
	}) (*struct {
		Body domain.PrivacyGroup `json:"body"`
	}, error) {
		id, err := parseGroupID(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		g, err := cfg.Groups.RetrievePrivacyGroup(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PrivacyGroup `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-privacy-group-members",
		Method:      http.MethodPost,
		Path:        "/groups/{id}/members",
		Summary:     "Add members to a privacy group",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusBadGateway, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body AddMembersRequest `json:"body"`
	}) (*struct {
		Body domain.PrivacyGroup `json:"body"`
	}, error) {
		id, err := parseGroupID(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		g, err := cfg.Groups.AddMembers(ctx, input.Body.From, id, input.Body.Members)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PrivacyGroup `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-privacy-group",
		Method:      http.MethodPost,
		Path:        "/groups/delete",
		Summary:     "Mark a privacy group deleted",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusBadGateway, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body DeleteGroupRequest `json:"body"`
	}) (*struct {
		Body domain.PrivacyGroup `json:"body"`
	}, error) {
		g, err := cfg.Groups.DeletePrivacyGroup(ctx, input.Body.From, input.Body.PrivacyGroupID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PrivacyGroup `json:"body"`
		}{Body: g}, nil
	})
}

func registerStaging(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "resolve-staging",
		Method:      http.MethodPost,
		Path:        "/staging/resolve",
		Summary:     "Resolve staged transactions and promote the valid ones",
		Errors:      []int{http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ResolveResponse `json:"body"`
	}, error) {
		res, err := recovery.Settle(ctx, cfg.Resolver, cfg.Repo, cfg.MaxPasses, cfg.Events, cfg.Log)
		if err != nil {
			return nil, handleError(err)
		}
		res.Passes = nonNilSlice(res.Passes)
		return &struct {
			Body ResolveResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-staging",
		Method:      http.MethodGet,
		Path:        "/staging",
		Summary:     "List staged transactions in arrival order",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"UNRESOLVED,RESOLVED_VALID,RESOLVED_INVALID"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedStaging `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListStaging(ctx, repo.StagingFilters{
			Status: domain.ResolutionStatus(input.Status),
			Limit:  normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(domain.Unavailable("list staging", err))
		}
		return &struct {
			Body paginatedStaging `json:"body"`
		}{Body: paginatedStaging{Items: nonNilSlice(items)}}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events after a cursor",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		After      string `query:"after"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		var after int64
		if input.After != "" {
			parsed, err := strconv.ParseInt(input.After, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"after": input.After})
			}
			after = parsed
		}
		limit := normalizeLimit(input.Limit)
		items, err := cfg.Repo.ListEvents(ctx, repo.EventFilters{
			AfterID:    after,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(domain.Unavailable("list events", err))
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}
