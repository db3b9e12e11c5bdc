package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanigaiv/oncallforge/internal/cache"
	"github.com/thanigaiv/oncallforge/internal/clock"
	"github.com/thanigaiv/oncallforge/internal/escalation"
	"github.com/thanigaiv/oncallforge/internal/ingestion"
	"github.com/thanigaiv/oncallforge/internal/logging"
	"github.com/thanigaiv/oncallforge/internal/model"
	"github.com/thanigaiv/oncallforge/internal/queue"
	"github.com/thanigaiv/oncallforge/internal/store"
	"github.com/thanigaiv/oncallforge/internal/workflow"
)

type fakeDispatcher struct{}

func (fakeDispatcher) Dispatch(ctx context.Context, incidentID, userID string, tier model.NotifTier) error {
	return nil
}

type fakeResolver struct{}

func (fakeResolver) ResolveTarget(ctx context.Context, teamID string, level model.EscalationLevel, at time.Time) (string, error) {
	return "", nil
}

func newTestServer(t *testing.T) (*Server, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	clk := clock.NewFake(time.Now())
	logger := logging.NoOp()

	mem.PutIntegration(&model.Integration{
		ID: "integ-1", Name: "datadog-prod", Active: true, Provider: "generic",
		Secret: "s3cr3t", SignatureAlgorithm: "sha256", SignatureFormat: "hex",
		DefaultServiceID: "", DedupeWindowMin: 15,
	})
	mem.PutTeam(&model.Team{ID: "team-1", Name: "Payments"})
	mem.PutPolicy(&model.EscalationPolicy{
		ID: "policy-1", TeamID: "team-1", Name: "default", RepeatCount: 1, Active: true,
		Levels: []model.EscalationLevel{{LevelNumber: 1, TargetType: model.TargetUser, TargetID: "user-1", TimeoutMinutes: 15}},
	})
	mem.PutDefaultPolicy("team-1", "policy-1")

	q := queue.NewMemory(clk, logger)
	ch := cache.NewMemory(clk)
	ing := ingestion.New(mem, ch, q, clk, logger, nil)

	esc := escalation.New(mem, fakeDispatcher{}, fakeResolver{}, q, clk, logger)

	actions := workflow.NewActionRegistry()
	wfEngine := workflow.New(mem, actions, q, clk, logger)

	s := New(ing, esc, wfEngine, mem, clk, logger, CORSConfig{}, true, nil, nil)
	return s, mem
}

func sign(secret string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func TestHandleWebhook_ValidSignatureCreatesAlert(t *testing.T) {
	s, _ := newTestServer(t)

	body := []byte(`{"title":"db down","severity":"CRITICAL","timestamp":` + strconv.FormatInt(time.Now().Unix(), 10) + `}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/datadog-prod", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Signature", sign("s3cr3t", body))
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp webhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "created", resp.Outcome)
	assert.NotEmpty(t, resp.AlertID)
}

func TestHandleWebhook_BadSignatureRejected(t *testing.T) {
	s, _ := newTestServer(t)

	body := []byte(`{"title":"db down","severity":"CRITICAL","timestamp":"2026-01-01T00:00:00Z"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/datadog-prod", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Signature", "deadbeef")
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleAcknowledge_TransitionsIncident(t *testing.T) {
	s, mem := newTestServer(t)
	inc := &model.Incident{ID: "inc-1", TeamID: "team-1", EscalationPolicyID: "policy-1", Status: model.IncidentOpen, Priority: model.SeverityHigh, CurrentLevel: 1, CurrentRepeat: 1}
	require.NoError(t, mem.Incidents().Create(context.Background(), inc))

	req := httptest.NewRequest(http.MethodPost, "/incidents/inc-1/ack", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ackResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Acknowledged)

	got, err := mem.Incidents().Get(context.Background(), "inc-1")
	require.NoError(t, err)
	assert.Equal(t, model.IncidentAcknowledged, got.Status)
}

func TestHandleGetIncident_NotFoundMapsTo404(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/incidents/missing", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleCreateWorkflow_PersistsWorkflowAndVersion(t *testing.T) {
	s, mem := newTestServer(t)

	body := []byte(`{
		"name": "page-on-critical",
		"scope_type": "global",
		"definition": {
			"trigger": {"event_type": "incident.created"},
			"nodes": [{"id": "a1", "kind": "action", "action_type": "webhook", "params": {"url": "https://example.com"}}]
		}
	}`)
	req := httptest.NewRequest(http.MethodPost, "/workflows/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp workflowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Version)

	wf, err := mem.Workflows().Get(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.Equal(t, "page-on-critical", wf.Name)
}

func TestHandleCreateWorkflow_ValidationErrorMapsTo400(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/workflows/", bytes.NewReader([]byte(`{"scope_type":"global"}`)))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleTriggerWorkflow_RunsMatchingWorkflow(t *testing.T) {
	s, mem := newTestServer(t)
	inc := &model.Incident{ID: "inc-2", TeamID: "team-1", EscalationPolicyID: "policy-1", Status: model.IncidentOpen, Priority: model.SeverityCritical, CurrentLevel: 1, CurrentRepeat: 1}
	require.NoError(t, mem.Incidents().Create(context.Background(), inc))

	wf := &model.Workflow{ID: "wf-1", Name: "manual", ScopeType: model.ScopeGlobal, IsEnabled: true, Version: 1}
	mem.PutWorkflow(wf)
	require.NoError(t, mem.Workflows().PutVersion(context.Background(), &model.WorkflowVersion{
		WorkflowID: "wf-1", Version: 1,
		Definition: model.Definition{Trigger: model.WorkflowTrigger{EventType: "manual"}},
	}))

	body := []byte(`{"workflow_id":"wf-1","incident_id":"inc-2"}`)
	req := httptest.NewRequest(http.MethodPost, "/workflows/trigger", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp executionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "COMPLETED", resp.Status)
}

func TestHandleRollbackWorkflow_CreatesNewVersionFromOlderDefinition(t *testing.T) {
	s, mem := newTestServer(t)
	wf := &model.Workflow{ID: "wf-2", Name: "rollback-me", ScopeType: model.ScopeGlobal, IsEnabled: true, Version: 2}
	mem.PutWorkflow(wf)
	v1Def := model.Definition{Trigger: model.WorkflowTrigger{EventType: "incident.created"}}
	require.NoError(t, mem.Workflows().PutVersion(context.Background(), &model.WorkflowVersion{
		WorkflowID: "wf-2", Version: 1, Definition: v1Def,
	}))
	require.NoError(t, mem.Workflows().PutVersion(context.Background(), &model.WorkflowVersion{
		WorkflowID: "wf-2", Version: 2,
		Definition: model.Definition{Trigger: model.WorkflowTrigger{EventType: "state_changed"}},
	}))

	req := httptest.NewRequest(http.MethodPost, "/workflows/wf-2/rollback", bytes.NewReader([]byte(`{"to_version":1}`)))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp["version"])

	v3, err := mem.Workflows().GetVersion(context.Background(), "wf-2", 3)
	require.NoError(t, err)
	assert.Equal(t, v1Def, v3.Definition, "rollback must copy version 1's definition forward, not mutate it in place")

	v1, err := mem.Workflows().GetVersion(context.Background(), "wf-2", 1)
	require.NoError(t, err)
	assert.Equal(t, v1Def, v1.Definition, "the rolled-back-to version must remain untouched")
}

func TestHandleExportImportWorkflowVersion_RoundTrips(t *testing.T) {
	s, mem := newTestServer(t)
	wf := &model.Workflow{ID: "wf-3", Name: "exportable", ScopeType: model.ScopeGlobal, IsEnabled: true, Version: 1}
	mem.PutWorkflow(wf)
	def := model.Definition{
		Trigger: model.WorkflowTrigger{EventType: "incident.created"},
		Nodes:   []model.WorkflowNode{{ID: "a1", Kind: model.NodeAction, ActionType: "webhook", Params: map[string]interface{}{"url": "https://example.com"}}},
	}
	require.NoError(t, mem.Workflows().PutVersion(context.Background(), &model.WorkflowVersion{
		WorkflowID: "wf-3", Version: 1, Definition: def,
	}))

	exportReq := httptest.NewRequest(http.MethodGet, "/workflows/wf-3/versions/1/export", nil)
	exportRec := httptest.NewRecorder()
	s.ServeHTTP(exportRec, exportReq)
	require.Equal(t, http.StatusOK, exportRec.Code, exportRec.Body.String())
	assert.Equal(t, "application/yaml", exportRec.Header().Get("Content-Type"))

	importReq := httptest.NewRequest(http.MethodPost, "/workflows/wf-3/import", bytes.NewReader(exportRec.Body.Bytes()))
	importRec := httptest.NewRecorder()
	s.ServeHTTP(importRec, importReq)
	require.Equal(t, http.StatusCreated, importRec.Code, importRec.Body.String())
	var resp map[string]int
	require.NoError(t, json.Unmarshal(importRec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp["version"])

	imported, err := mem.Workflows().GetVersion(context.Background(), "wf-3", 2)
	require.NoError(t, err)
	assert.Equal(t, def, imported.Definition, "Import(Export(W)) must reproduce the original definition")
}

func TestHandleHealth(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
