package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"jobgate/internal/domain"
	"jobgate/internal/engine"
	"jobgate/internal/errs"
	"jobgate/internal/logger"
	"jobgate/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine      engine.Engine
	BasePath    string
	Auth        AuthConfig
	RateLimit   RateLimitConfig
	CORSOrigins []string
	// Metrics is mounted at /metrics outside the authenticated base path when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

type RateLimitConfig struct {
	RPS   float64
	Burst int
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"job 01H... not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the jobgate API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Auth.APIKey == "" {
		log.Warn("no api key configured, the API accepts unauthenticated requests")
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, _ ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, causes ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema/request validation errors are plain invalid input.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(causes) > 0 {
			msgs := make([]string, 0, len(causes))
			for _, e := range causes {
				msgs = append(msgs, e.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger(log))
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	if cfg.RateLimit.RPS > 0 {
		router.Use(newRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst).middleware)
	}
	hcfg := huma.DefaultConfig("jobgate API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	e := cfg.Engine
	if e.Logger == nil {
		e.Logger = log
	}
	registerDocs(router, basePath)
	registerHealth(group)
	registerJobs(group, e)
	registerAgents(group, e)
	registerPlans(group, e)
	registerApprovals(group, e)
	registerEvents(group, e)
	registerOpenAPI(router, api, basePath)
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics)
	}

	if len(cfg.CORSOrigins) == 0 {
		return router, nil
	}
	c := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Api-Key", "X-Actor-Id", requestIDHeader},
		ExposedHeaders: []string{requestIDHeader},
	})
	return c.Handler(router), nil
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

// handleError maps an engine error to the envelope. Internal details never leave the process.
func handleError(ctx context.Context, log *slog.Logger, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	kind := errs.KindOf(err)
	switch kind {
	case errs.Internal, errs.HandlerFailure:
		logger.FromContext(ctx, log).Error("request failed", "error", err)
		return newAPIError(http.StatusInternalServerError, errs.Internal.String(), "internal error", nil)
	case errs.StoreUnavailable:
		logger.FromContext(ctx, log).Warn("store unavailable", "error", err)
		return newAPIError(kind.HTTPStatus(), kind.String(), "store unavailable, retry later", nil)
	}
	return newAPIError(kind.HTTPStatus(), kind.String(), err.Error(), nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return errs.InvalidInput.String()
	case http.StatusNotFound:
		return errs.NotFound.String()
	case http.StatusConflict:
		return errs.Conflict.String()
	case http.StatusUnauthorized:
		return errs.Unauthorized.String()
	case http.StatusTooManyRequests:
		return errs.RateLimited.String()
	case http.StatusServiceUnavailable:
		return errs.StoreUnavailable.String()
	case http.StatusInternalServerError:
		return errs.Internal.String()
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
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Post} {
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
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Post} {
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
    <title>jobgate API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;key or token&gt; or X-Api-Key.
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

func registerJobs(api huma.API, e engine.Engine) {
	log := e.Logger
	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-job",
		Method:        http.MethodPost,
		Path:          "/jobs/enqueue",
		Summary:       "Enqueue a job",
		DefaultStatus: http.StatusOK,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body EnqueueRequest
	}) (*struct {
		Body EnqueueResponse `json:"body"`
	}, error) {
		payload, err := encodeAny(input.Body.Payload)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "", "payload must be valid JSON", nil)
		}
		job, err := e.Enqueue(ctx, input.Body.Kind, payload, actorID(ctx))
		if err != nil {
			return nil, handleError(ctx, log, err)
		}
		return &struct {
			Body EnqueueResponse `json:"body"`
		}{Body: EnqueueResponse{ID: job.ID, Status: job.Status}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-job",
		Method:      http.MethodGet,
		Path:        "/jobs/claim",
		Summary:     "Claim the oldest queued job",
		Description: "Returns the claimed job, or null when nothing is queued.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `query:"agent_id" required:"true" minLength:"1"`
	}) (*struct {
		Body any `json:"body"`
	}, error) {
		job, err := e.Claim(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(ctx, log, err)
		}
		var body any = json.RawMessage("null")
		if job != nil {
			body = job
		}
		return &struct {
			Body any `json:"body"`
		}{Body: body}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/complete",
		Summary:     "Report a terminal status for a claimed job",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body CompleteJobRequest
	}) (*struct {
		Body OKResponse `json:"body"`
	}, error) {
		output, err := completionOutput(input.Body)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "", err.Error(), nil)
		}
		err = e.Complete(ctx, engine.Completion{
			JobID:   input.ID,
			AgentID: input.Body.AgentID,
			Status:  input.Body.Status,
			Output:  output,
		})
		if err != nil {
			return nil, handleError(ctx, log, err)
		}
		return &struct {
			Body OKResponse `json:"body"`
		}{Body: OKResponse{OK: true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/retry",
		Summary:     "Requeue a failed job",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body OKResponse `json:"body"`
	}, error) {
		job, err := e.Retry(ctx, input.ID, actorID(ctx))
		if err != nil {
			return nil, handleError(ctx, log, err)
		}
		return &struct {
			Body OKResponse `json:"body"`
		}{Body: OKResponse{OK: true, Status: job.Status}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unblock-stuck-jobs",
		Method:      http.MethodPost,
		Path:        "/jobs/unblock_stuck",
		Summary:     "Requeue in-progress jobs untouched for age_seconds",
	}, func(ctx context.Context, input *struct {
		AgeSeconds int `query:"age_seconds" default:"300" minimum:"1"`
	}) (*struct {
		Body UnblockResponse `json:"body"`
	}, error) {
		ids, err := e.RequeueStuck(ctx, time.Duration(input.AgeSeconds)*time.Second)
		if err != nil {
			return nil, handleError(ctx, log, err)
		}
		return &struct {
			Body UnblockResponse `json:"body"`
		}{Body: UnblockResponse{Requeued: len(ids), JobIDs: orEmpty(ids), OlderThanSeconds: input.AgeSeconds}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "job-totals",
		Method:      http.MethodGet,
		Path:        "/jobs/totals",
		Summary:     "Count jobs per status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Totals `json:"body"`
	}, error) {
		totals, err := e.Totals(ctx)
		if err != nil {
			return nil, handleError(ctx, log, err)
		}
		return &struct {
			Body domain.Totals `json:"body"`
		}{Body: totals}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recent-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs/recent",
		Summary:     "List recent jobs",
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" default:"20"`
		Status string `query:"status" enum:"queued,in_progress,completed,failed,needs_revision"`
	}) (*struct {
		Body []domain.Job `json:"body"`
	}, error) {
		jobs, err := e.RecentJobs(ctx, input.Limit, input.Status)
		if err != nil {
			return nil, handleError(ctx, log, err)
		}
		return &struct {
			Body []domain.Job `json:"body"`
		}{Body: orEmpty(jobs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}",
		Summary:     "Get a job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		job, err := e.GetJob(ctx, input.ID)
		if err != nil {
			return nil, handleError(ctx, log, err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job-result",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}/result",
		Summary:     "Get the recorded result of a job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Result `json:"body"`
	}, error) {
		res, err := e.GetResult(ctx, input.ID)
		if err != nil {
			return nil, handleError(ctx, log, err)
		}
		return &struct {
			Body domain.Result `json:"body"`
		}{Body: res}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	log := e.Logger
	huma.Register(api, huma.Operation{
		OperationID: "register-agent",
		Method:      http.MethodPost,
		Path:        "/agents/register",
		Summary:     "Register or re-register an agent",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RegisterAgentRequest
	}) (*struct {
		Body RegisterAgentResponse `json:"body"`
	}, error) {
		agent, hb, err := e.RegisterAgent(ctx, engine.AgentRegistration{
			Name:    input.Body.Name,
			Tenant:  input.Body.Tenant,
			Host:    input.Body.Host,
			Version: input.Body.Version,
		})
		if err != nil {
			return nil, handleError(ctx, log, err)
		}
		return &struct {
			Body RegisterAgentResponse `json:"body"`
		}{Body: RegisterAgentResponse{
			ID:                agent.ID,
			Name:              agent.Name,
			Tenant:            agent.Tenant,
			Status:            agent.Status,
			HeartbeatInterval: int(hb / time.Second),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-heartbeat",
		Method:      http.MethodPost,
		Path:        "/agents/heartbeat",
		Summary:     "Record agent liveness",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body HeartbeatRequest
	}) (*struct {
		Body OKResponse `json:"body"`
	}, error) {
		var at *time.Time
		if input.Body.At != nil {
			ts, err := domain.ParseTime(*input.Body.At)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "", "at must be an RFC 3339 timestamp", nil)
			}
			at = &ts
		}
		if err := e.Heartbeat(ctx, input.Body.AgentID, at); err != nil {
			return nil, handleError(ctx, log, err)
		}
		return &struct {
			Body OKResponse `json:"body"`
		}{Body: OKResponse{OK: true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents with their effective status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Agent `json:"body"`
	}, error) {
		agents, err := e.ListAgents(ctx)
		if err != nil {
			return nil, handleError(ctx, log, err)
		}
		return &struct {
			Body []domain.Agent `json:"body"`
		}{Body: orEmpty(agents)}, nil
	})
}

func registerPlans(api huma.API, e engine.Engine) {
	log := e.Logger
	type planPath struct {
		ID string `path:"id"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "create-plan",
		Method:        http.MethodPost,
		Path:          "/plans",
		Summary:       "Plan an intent",
		DefaultStatus: http.StatusOK,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body IntentRequest
	}) (*struct {
		Body domain.Plan `json:"body"`
	}, error) {
		plan, err := e.PlanFromIntent(ctx, input.Body.Title, input.Body.Description, input.Body.Priority, actorID(ctx))
		if err != nil {
			return nil, handleError(ctx, log, err)
		}
		return &struct {
			Body domain.Plan `json:"body"`
		}{Body: plan}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-plans",
		Method:      http.MethodGet,
		Path:        "/plans",
		Summary:     "List plans",
	}, func(ctx context.Context, input *struct {
		Limit int    `query:"limit" default:"20"`
		Stage string `query:"stage" enum:"plan,gates,evaluate,promote,failed,done"`
	}) (*struct {
		Body []domain.Plan `json:"body"`
	}, error) {
		plans, err := e.ListPlans(ctx, input.Limit, input.Stage)
		if err != nil {
			return nil, handleError(ctx, log, err)
		}
		return &struct {
			Body []domain.Plan `json:"body"`
		}{Body: orEmpty(plans)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-intent",
		Method:      http.MethodPost,
		Path:        "/plans/run",
		Summary:     "Plan and run an intent through the gate pipeline",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body IntentRequest
	}) (*struct {
		Body PipelineRunResponse `json:"body"`
	}, error) {
		plan, res, err := e.RunIntent(ctx, input.Body.Title, input.Body.Description, input.Body.Priority, actorID(ctx))
		if err != nil {
			return nil, handleError(ctx, log, err)
		}
		return &struct {
			Body PipelineRunResponse `json:"body"`
		}{Body: PipelineRunResponse{Plan: plan, Promotion: res}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/plans/{id}",
		Summary:     "Get a plan",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *planPath) (*struct {
		Body domain.Plan `json:"body"`
	}, error) {
		plan, err := e.GetPlan(ctx, input.ID)
		if err != nil {
			return nil, handleError(ctx, log, err)
		}
		return &struct {
			Body domain.Plan `json:"body"`
		}{Body: plan}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-plan-tasks",
		Method:      http.MethodPost,
		Path:        "/plans/{id}/tasks",
		Summary:     "Run the plan's tasks",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *planPath) (*struct {
		Body domain.Plan `json:"body"`
	}, error) {
		plan, err := e.RunTasks(ctx, input.ID, actorID(ctx))
		if err != nil {
			return nil, handleError(ctx, log, err)
		}
		return &struct {
			Body domain.Plan `json:"body"`
		}{Body: plan}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-plan-gates",
		Method:      http.MethodPost,
		Path:        "/plans/{id}/gates",
		Summary:     "Evaluate every configured gate",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *planPath) (*struct {
		Body []domain.GateDecision `json:"body"`
	}, error) {
		decisions, err := e.RunGates(ctx, input.ID, actorID(ctx))
		if err != nil {
			return nil, handleError(ctx, log, err)
		}
		return &struct {
			Body []domain.GateDecision `json:"body"`
		}{Body: orEmpty(decisions)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "promote-plan",
		Method:      http.MethodPost,
		Path:        "/plans/{id}/promote",
		Summary:     "Aggregate gate decisions and promote or fail the plan",
		Description: "Without decisions the latest gate pass is evaluated.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body *PromoteRequest `required:"false"`
	}) (*struct {
		Body domain.PromotionResult `json:"body"`
	}, error) {
		var decisions []domain.GateDecision
		if input.Body != nil {
			decisions = input.Body.decisions()
		}
		res, err := e.EvaluateAndPromote(ctx, input.ID, decisions, actorID(ctx))
		if err != nil {
			return nil, handleError(ctx, log, err)
		}
		return &struct {
			Body domain.PromotionResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-plan",
		Method:      http.MethodPost,
		Path:        "/plans/{id}/run",
		Summary:     "Run tasks, gates and promotion for a plan",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *planPath) (*struct {
		Body domain.PromotionResult `json:"body"`
	}, error) {
		res, err := e.RunPipeline(ctx, input.ID, actorID(ctx))
		if err != nil {
			return nil, handleError(ctx, log, err)
		}
		return &struct {
			Body domain.PromotionResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plan-bundle",
		Method:      http.MethodGet,
		Path:        "/plans/{id}/bundle",
		Summary:     "Fetch the stored artifact bundle of a gate pass",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Pass int    `query:"pass" doc:"Gate pass; 0 means the latest"`
	}) (*struct {
		Body any `json:"body"`
	}, error) {
		data, err := e.ReadBundle(ctx, input.ID, input.Pass)
		if err != nil {
			return nil, handleError(ctx, log, err)
		}
		return &struct {
			Body any `json:"body"`
		}{Body: json.RawMessage(data)}, nil
	})
}

func registerApprovals(api huma.API, e engine.Engine) {
	log := e.Logger
	huma.Register(api, huma.Operation{
		OperationID:   "request-approval",
		Method:        http.MethodPost,
		Path:          "/approvals",
		Summary:       "Open a pending approval",
		DefaultStatus: http.StatusOK,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateApprovalRequest
	}) (*struct {
		Body IDResponse `json:"body"`
	}, error) {
		a, err := e.RequestApproval(ctx, input.Body.Type, input.Body.SubjectID, input.Body.Content, actorID(ctx))
		if err != nil {
			return nil, handleError(ctx, log, err)
		}
		return &struct {
			Body IDResponse `json:"body"`
		}{Body: IDResponse{ID: a.ID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pending-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List pending approvals",
	}, func(ctx context.Context, input *struct {
		Type  string `query:"type"`
		Limit int    `query:"limit" default:"100"`
	}) (*struct {
		Body []domain.ApprovalRequest `json:"body"`
	}, error) {
		items, err := e.ListPending(ctx, input.Type, input.Limit)
		if err != nil {
			return nil, handleError(ctx, log, err)
		}
		return &struct {
			Body []domain.ApprovalRequest `json:"body"`
		}{Body: orEmpty(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approval-history",
		Method:      http.MethodGet,
		Path:        "/approvals/history",
		Summary:     "List decided approvals, newest first",
	}, func(ctx context.Context, input *struct {
		SubjectID string `query:"subject_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.ApprovalRequest `json:"body"`
	}, error) {
		items, err := e.ListHistory(ctx, input.SubjectID, input.Limit)
		if err != nil {
			return nil, handleError(ctx, log, err)
		}
		return &struct {
			Body []domain.ApprovalRequest `json:"body"`
		}{Body: orEmpty(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-approval",
		Method:      http.MethodGet,
		Path:        "/approvals/{id}",
		Summary:     "Get a pending or decided approval",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.ApprovalRequest `json:"body"`
	}, error) {
		a, err := e.GetApproval(ctx, input.ID)
		if err != nil {
			return nil, handleError(ctx, log, err)
		}
		return &struct {
			Body domain.ApprovalRequest `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{id}/decide",
		Summary:     "Decide a pending approval",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body DecideRequest
	}) (*struct {
		Body domain.ApprovalDecision `json:"body"`
	}, error) {
		d, err := e.Decide(ctx, input.ID, input.Body.Decision, input.Body.Feedback, actorID(ctx))
		if err != nil {
			return nil, handleError(ctx, log, err)
		}
		return &struct {
			Body domain.ApprovalDecision `json:"body"`
		}{Body: d}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	log := e.Logger
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the event log",
		Description: "Newest first, paging backwards with cursor; with after, events past that id oldest first.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"job,agent,plan,approval"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50" maximum:"500"`
		Cursor     int64  `query:"cursor" doc:"Return events older than this id"`
		After      int64  `query:"after" doc:"Return events newer than this id"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var (
			items []domain.Event
			err   error
		)
		if input.After > 0 {
			items, err = e.EventsAfter(ctx, limit, input.After)
		} else {
			items, err = e.LatestEvents(ctx, limit, repo.EventFilter{
				Type:       input.Type,
				EntityKind: input.EntityKind,
				EntityID:   input.EntityID,
				Before:     input.Cursor,
			})
		}
		if err != nil {
			return nil, handleError(ctx, log, err)
		}
		resp := paginatedEvents{Items: orEmpty(items)}
		if len(items) == limit {
			resp.NextCursor = fmt.Sprintf("%d", items[len(items)-1].ID)
		}
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

func encodeAny(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(v)
}

func completionOutput(req CompleteJobRequest) (json.RawMessage, error) {
	if req.OutputJSON != nil && req.Output == nil {
		raw := strings.TrimSpace(*req.OutputJSON)
		if raw == "" {
			return json.RawMessage("{}"), nil
		}
		if !json.Valid([]byte(raw)) {
			return nil, errors.New("output_json must be valid JSON")
		}
		return json.RawMessage(raw), nil
	}
	return encodeAny(req.Output)
}
