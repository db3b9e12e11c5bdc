// Package httpapi exposes the control plane's inbound HTTP surface: signed
// webhook ingestion, incident lifecycle actions, and workflow management.
// Grounded on the teacher's own HTTP surface (core/tool.go's Start/
// setupStandardEndpoints, core/middleware.go's CORS/logging/recovery
// chain), rebuilt over go-chi/chi (the router the rest of the retrieved
// corpus reaches for in place of the teacher's bare ServeMux) and
// go-playground/validator for request-body validation.
package httpapi

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gopkg.in/yaml.v3"

	"github.com/thanigaiv/oncallforge/internal/clock"
	"github.com/thanigaiv/oncallforge/internal/escalation"
	"github.com/thanigaiv/oncallforge/internal/errs"
	"github.com/thanigaiv/oncallforge/internal/ingestion"
	"github.com/thanigaiv/oncallforge/internal/logging"
	"github.com/thanigaiv/oncallforge/internal/model"
	"github.com/thanigaiv/oncallforge/internal/ratelimit"
	"github.com/thanigaiv/oncallforge/internal/store"
	"github.com/thanigaiv/oncallforge/internal/telemetry"
	"github.com/thanigaiv/oncallforge/internal/workflow"
)

const maxWebhookBody = 2 << 20 // 2MiB
const maxImportBody = 1 << 20  // 1MiB, a workflow definition is never this large

// CORSConfig mirrors the shape of the teacher's HTTP.CORS section.
type CORSConfig struct {
	Enabled        bool
	AllowedOrigins []string
}

// Server wires the handlers against their backing packages and exposes the
// assembled chi router as an http.Handler.
type Server struct {
	ingestor   *ingestion.Ingestor
	engine     *escalation.Engine
	workflows  *workflow.Engine
	st         store.Store
	clk        clock.Clock
	validate   *validator.Validate
	logger     logging.Logger
	metrics    *telemetry.Metrics
	limiter    *ratelimit.Limiter
	router     chi.Router
}

// New wires a Server. metrics and limiter may both be nil (tests and
// lightweight callers that don't want a Prometheus registry or a
// Redis-backed rate limiter running), in which case the corresponding
// middleware quietly no-ops.
func New(ing *ingestion.Ingestor, esc *escalation.Engine, wf *workflow.Engine, st store.Store, clk clock.Clock, logger logging.Logger, corsCfg CORSConfig, development bool, metrics *telemetry.Metrics, limiter *ratelimit.Limiter) *Server {
	s := &Server{
		ingestor:  ing,
		engine:    esc,
		workflows: wf,
		st:        st,
		clk:       clk,
		validate:  validator.New(),
		logger:    logger,
		metrics:   metrics,
		limiter:   limiter,
	}
	s.router = s.buildRouter(corsCfg, development)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) buildRouter(corsCfg CORSConfig, development bool) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(recoveryMiddleware(s.logger))
	r.Use(loggingMiddleware(s.logger, development))
	r.Use(metricsMiddleware(s.metrics))
	r.Use(otelhttp.NewMiddleware("oncallforge"))
	if corsCfg.Enabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsCfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
			AllowedHeaders: []string{"*"},
		}))
	}

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.With(rateLimitMiddleware(s.limiter, ratelimit.TierWebhook)).
		Post("/webhooks/{integration}", s.handleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(rateLimitMiddleware(s.limiter, ratelimit.TierAPI))

		r.Route("/incidents", func(r chi.Router) {
			r.Get("/{id}", s.handleGetIncident)
			r.Post("/{id}/ack", s.handleAcknowledge)
			r.Post("/{id}/resolve", s.handleResolve)
		})

		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", s.handleListWorkflows)
			r.Post("/", s.handleCreateWorkflow)
			r.Get("/{id}", s.handleGetWorkflow)
			r.Post("/{id}/versions", s.handlePutVersion)
			r.Get("/{id}/versions/{version}/export", s.handleExportWorkflowVersion)
			r.Post("/{id}/import", s.handleImportWorkflow)
			r.Post("/{id}/rollback", s.handleRollbackWorkflow)
			r.Post("/trigger", s.handleTriggerWorkflow)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	integration := chi.URLParam(r, "integration")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, errs.New("httpapi.handleWebhook", errs.ClassValidation, err))
		return
	}

	headers := ingestion.Headers{
		Signature:      r.Header.Get("X-Webhook-Signature"),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}

	alertID, outcome, err := s.ingestor.IngestWebhook(r.Context(), integration, headers, body)
	if err != nil {
		if s.metrics != nil {
			s.metrics.WebhooksReceived.WithLabelValues(integration, "error").Inc()
		}
		writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.WebhooksReceived.WithLabelValues(integration, string(outcome)).Inc()
	}

	status := http.StatusCreated
	if outcome == ingestion.OutcomeDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, webhookResponse{AlertID: alertID, Outcome: string(outcome)})
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inc, err := s.st.Incidents().Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, incidentToResponse(inc))
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	won, err := s.engine.Acknowledge(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ackResponse{Acknowledged: won})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	won, err := s.engine.Resolve(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if won && s.metrics != nil {
		s.metrics.IncidentsResolved.Inc()
	}
	writeJSON(w, http.StatusOK, resolveResponse{Resolved: won})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	teamID := r.URL.Query().Get("team_id")
	workflows, err := s.st.Workflows().EnabledForScope(r.Context(), teamID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]workflowResponse, 0, len(workflows))
	for i := range workflows {
		out = append(out, workflowToResponse(&workflows[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wf, err := s.st.Workflows().Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workflowToResponse(wf))
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, err)
		return
	}

	def, err := req.Definition.toModel()
	if err != nil {
		writeError(w, errs.New("httpapi.handleCreateWorkflow", errs.ClassValidation, err))
		return
	}

	wf := &model.Workflow{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		ScopeType:   model.WorkflowScope(req.ScopeType),
		TeamID:      req.TeamID,
		IsEnabled:   true,
		Version:     1,
	}

	err = s.st.WithTx(r.Context(), store.Serializable, func(ctx context.Context, tx store.Tx) error {
		if err := tx.Workflows().Create(ctx, wf); err != nil {
			return err
		}
		if err := tx.Workflows().PutVersion(ctx, &model.WorkflowVersion{
			WorkflowID: wf.ID, Version: 1, Definition: def, CreatedAt: s.clk.Now(),
		}); err != nil {
			return err
		}
		return tx.Workflows().SetCurrentVersion(ctx, wf.ID, 1)
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, workflowToResponse(wf))
}

func (s *Server) handlePutVersion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req putVersionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, err)
		return
	}

	def, err := req.Definition.toModel()
	if err != nil {
		writeError(w, errs.New("httpapi.handlePutVersion", errs.ClassValidation, err))
		return
	}

	wf, err := s.st.Workflows().Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	next := wf.Version + 1

	err = s.st.WithTx(r.Context(), store.Serializable, func(ctx context.Context, tx store.Tx) error {
		if err := tx.Workflows().PutVersion(ctx, &model.WorkflowVersion{
			WorkflowID: id, Version: next, Definition: def, ChangeNote: req.ChangeNote, CreatedAt: s.clk.Now(),
		}); err != nil {
			return err
		}
		return tx.Workflows().SetCurrentVersion(ctx, id, next)
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]int{"version": next})
}

// handleExportWorkflowVersion returns a version's definition as YAML,
// excluding ids, timestamps, team binding and secrets (the definition
// carries none of those), so its output can be fed straight back into
// handleImportWorkflow — the round trip spec §8 names "Workflow
// export/import".
func (s *Server) handleExportWorkflowVersion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil {
		writeError(w, errs.New("httpapi.handleExportWorkflowVersion", errs.ClassValidation, err))
		return
	}

	v, err := s.st.Workflows().GetVersion(r.Context(), id, version)
	if err != nil {
		writeError(w, err)
		return
	}

	out, err := yaml.Marshal(v.Definition)
	if err != nil {
		writeError(w, errs.New("httpapi.handleExportWorkflowVersion", errs.ClassInternal, err))
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// handleImportWorkflow accepts a YAML definition (as produced by
// handleExportWorkflowVersion) and lands it as the workflow's next
// version, exactly like handlePutVersion but sourced from YAML instead of
// the JSON definitionPayload wire shape.
func (s *Server) handleImportWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxImportBody))
	if err != nil {
		writeError(w, errs.New("httpapi.handleImportWorkflow", errs.ClassValidation, err))
		return
	}

	var def model.Definition
	if err := yaml.Unmarshal(body, &def); err != nil {
		writeError(w, errs.New("httpapi.handleImportWorkflow", errs.ClassValidation, err))
		return
	}

	wf, err := s.st.Workflows().Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	next := wf.Version + 1

	err = s.st.WithTx(r.Context(), store.Serializable, func(ctx context.Context, tx store.Tx) error {
		if err := tx.Workflows().PutVersion(ctx, &model.WorkflowVersion{
			WorkflowID: id, Version: next, Definition: def,
			ChangeNote: r.URL.Query().Get("change_note"), CreatedAt: s.clk.Now(),
		}); err != nil {
			return err
		}
		return tx.Workflows().SetCurrentVersion(ctx, id, next)
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]int{"version": next})
}

// handleRollbackWorkflow implements the Workflow invariant that "a
// rollback creates version N+1 containing version K's definition, never
// mutates older versions": it copies the requested ToVersion's Definition
// forward as a brand new version rather than rewriting history.
func (s *Server) handleRollbackWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req rollbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, err)
		return
	}

	wf, err := s.st.Workflows().Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	target, err := s.st.Workflows().GetVersion(r.Context(), id, req.ToVersion)
	if err != nil {
		writeError(w, err)
		return
	}
	next := wf.Version + 1

	err = s.st.WithTx(r.Context(), store.Serializable, func(ctx context.Context, tx store.Tx) error {
		if err := tx.Workflows().PutVersion(ctx, &model.WorkflowVersion{
			WorkflowID: id, Version: next, Definition: target.Definition,
			ChangeNote: "rollback to version " + strconv.Itoa(req.ToVersion), CreatedAt: s.clk.Now(),
		}); err != nil {
			return err
		}
		return tx.Workflows().SetCurrentVersion(ctx, id, next)
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]int{"version": next})
}

func (s *Server) handleTriggerWorkflow(w http.ResponseWriter, r *http.Request) {
	var req triggerWorkflowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, err)
		return
	}

	wf, err := s.st.Workflows().Get(r.Context(), req.WorkflowID)
	if err != nil {
		writeError(w, err)
		return
	}
	version, err := s.st.Workflows().GetVersion(r.Context(), wf.ID, wf.Version)
	if err != nil {
		writeError(w, err)
		return
	}

	exec, err := s.workflows.Trigger(r.Context(), wf, version, req.IncidentID, model.TriggeredByManual, "manual", nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, executionToResponse(exec))
}
