package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/thanigaiv/oncallforge/internal/errs"
)

// ActionExecutor runs one action node's ActionType ("webhook",
// "ticket.jira", "notify.slack", ...) with its interpolated params.
type ActionExecutor interface {
	Execute(ctx context.Context, params map[string]interface{}, tmplCtx TemplateContext) (map[string]interface{}, error)
}

// ActionRegistry dispatches an action node to its registered executor, the
// same plugin-by-string-key shape as internal/providers.Registry.
type ActionRegistry struct {
	byType map[string]ActionExecutor
}

func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{byType: make(map[string]ActionExecutor)}
}

func (r *ActionRegistry) Register(actionType string, exec ActionExecutor) {
	r.byType[actionType] = exec
}

func (r *ActionRegistry) Execute(ctx context.Context, actionType string, params map[string]interface{}, tmplCtx TemplateContext) (map[string]interface{}, error) {
	exec, ok := r.byType[actionType]
	if !ok {
		return nil, errs.New("workflow.ActionRegistry.Execute", errs.ClassPermanent,
			fmt.Errorf("%w: %s", errs.ErrUnknownAction, actionType))
	}
	return exec.Execute(ctx, params, tmplCtx)
}

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// WebhookAction posts the interpolated params as a JSON body to the url
// param, the generic escape hatch action type every workflow can reach
// for (paging a third-party ticketing system, a custom internal API, ...).
type WebhookAction struct {
	client httpDoer
}

func NewWebhookAction(client httpDoer) *WebhookAction {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookAction{client: client}
}

func (w *WebhookAction) Execute(ctx context.Context, params map[string]interface{}, _ TemplateContext) (map[string]interface{}, error) {
	url, _ := params["url"].(string)
	if url == "" {
		return nil, errs.New("workflow.WebhookAction.Execute", errs.ClassValidation, fmt.Errorf("missing required param %q", "url"))
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, errs.New("workflow.WebhookAction.Execute", errs.ClassInternal, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errs.New("workflow.WebhookAction.Execute", errs.ClassInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, errs.New("workflow.WebhookAction.Execute", errs.ClassTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, errs.New("workflow.WebhookAction.Execute", errs.ClassTransient, fmt.Errorf("%w: status %d", errs.ErrTimeout, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, errs.New("workflow.WebhookAction.Execute", errs.ClassPermanent, fmt.Errorf("%w: status %d", errs.ErrValidation, resp.StatusCode))
	}
	return map[string]interface{}{"status_code": resp.StatusCode}, nil
}
